package trace

import (
	"context"
	"time"
)

// FakeSpan and FakeRecorder back dispatch-loop, completion-handler and
// trace-window tests without touching a real OTel pipeline.
type FakeSpan struct {
	Ended      bool
	Exceptions []error
	Attrs      map[string]any
}

func (s *FakeSpan) End() { s.Ended = true }
func (s *FakeSpan) RecordException(err error) { s.Exceptions = append(s.Exceptions, err) }
func (s *FakeSpan) SetAttributes(kv map[string]any) {
	if s.Attrs == nil {
		s.Attrs = make(map[string]any)
	}
	for k, v := range kv {
		s.Attrs[k] = v
	}
}

type RetryEventCall struct {
	TraceContext string
	Seed         string
	Message      string
	EndTime      time.Time
	StyleIcon    string
}

type FakeRecorder struct {
	SpansStarted []*FakeSpan
	RetryEvents  []RetryEventCall
}

func (r *FakeRecorder) StartConsumerSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, Span) {
	s := &FakeSpan{Attrs: map[string]any{}}
	for k, v := range attrs {
		s.Attrs[k] = v
	}
	r.SpansStarted = append(r.SpansStarted, s)
	return ctx, s
}

func (r *FakeRecorder) RecordRetryEvent(ctx context.Context, traceContext string, seed string, message string, endTime time.Time, styleIcon string) error {
	r.RetryEvents = append(r.RetryEvents, RetryEventCall{
		TraceContext: traceContext,
		Seed:         seed,
		Message:      message,
		EndTime:      endTime,
		StyleIcon:    styleIcon,
	})
	return nil
}
