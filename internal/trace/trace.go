// Package trace defines the Trace Recorder contract (spec §4, component C)
// and the span-shaped values the dispatch loop and completion handler pass
// through it. The concrete OTel-backed implementation lives in otel_recorder.go.
package trace

import (
	"context"
	"time"
)

// Span is an open tracing scope. The dispatcher never inspects span
// internals; it only holds one across the lifetime of a Trace Window or a
// single iteration and calls End/RecordException on it.
type Span interface {
	End()
	RecordException(err error)
	SetAttributes(kv map[string]any)
}

// Recorder is the contract the Trace Window and Completion Handler use to
// start/end spans and record retry-delay events. Consumed as an external
// collaborator per spec §1; the default implementation is OTel-backed.
type Recorder interface {
	// StartConsumerSpan opens a new consumer-kind span under the root
	// context with the given tenant attributes, returning a context carrying
	// it and the span itself.
	StartConsumerSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, Span)

	// RecordRetryEvent links a retry-delay event to the run's own trace
	// (identified by traceContext, forwarded verbatim from the run), using a
	// deterministic span id derived from seed so redelivered completions
	// don't double-record the same event.
	RecordRetryEvent(ctx context.Context, traceContext string, seed string, message string, endTime time.Time, styleIcon string) error
}
