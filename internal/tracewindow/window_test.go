package tracewindow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minyoung/trigger.dev/internal/trace"
)

func TestPrepareOpensSpanLazily(t *testing.T) {
	rec := &trace.FakeRecorder{}
	w := New(rec, DefaultConfig())

	w.Prepare(context.Background(), "dispatch", nil)
	if len(rec.SpansStarted) != 1 {
		t.Fatalf("expected one span started, got %d", len(rec.SpansStarted))
	}

	w.Prepare(context.Background(), "dispatch", nil)
	if len(rec.SpansStarted) != 1 {
		t.Fatalf("expected no rollover on second prepare, got %d spans", len(rec.SpansStarted))
	}
}

func TestRolloverOnItemBudgetExhausted(t *testing.T) {
	rec := &trace.FakeRecorder{}
	w := New(rec, Config{MaxItemsPerWindow: 2, WindowTimeoutSeconds: 60})

	w.Prepare(context.Background(), "dispatch", nil)
	w.RecordDispatch()
	w.RecordDispatch()

	w.Prepare(context.Background(), "dispatch", nil)
	if len(rec.SpansStarted) != 2 {
		t.Fatalf("expected rollover after budget exhausted, got %d spans", len(rec.SpansStarted))
	}
	if !rec.SpansStarted[0].Ended {
		t.Fatal("expected first span to be ended on rollover")
	}
}

func TestRolloverOnForceFlag(t *testing.T) {
	rec := &trace.FakeRecorder{}
	w := New(rec, DefaultConfig())

	w.Prepare(context.Background(), "dispatch", nil)
	w.RecordException(errors.New("transport failure"))

	w.Prepare(context.Background(), "dispatch", nil)
	if len(rec.SpansStarted) != 2 {
		t.Fatalf("expected rollover after RecordException, got %d spans", len(rec.SpansStarted))
	}
	if len(rec.SpansStarted[0].Exceptions) != 1 {
		t.Fatal("expected exception recorded on the span that was open")
	}
}

func TestRolloverAnnotatesCountersOnClose(t *testing.T) {
	rec := &trace.FakeRecorder{}
	w := New(rec, Config{MaxItemsPerWindow: 1, WindowTimeoutSeconds: 60})

	w.Prepare(context.Background(), "dispatch", nil)
	w.RecordSuccess()
	w.RecordFailure()
	w.RecordDispatch()

	w.Prepare(context.Background(), "dispatch", nil)
	closed := rec.SpansStarted[0]
	if closed.Attrs["tasks.period.successes"] != 1 || closed.Attrs["tasks.period.failures"] != 1 {
		t.Fatalf("expected closed span annotated with counters, got %+v", closed.Attrs)
	}
}

func TestRolloverOnTimeout(t *testing.T) {
	rec := &trace.FakeRecorder{}
	w := New(rec, Config{MaxItemsPerWindow: 1000, WindowTimeoutSeconds: 60})

	w.Prepare(context.Background(), "dispatch", nil)
	w.openedAt = time.Now().Add(-61 * time.Second)

	w.Prepare(context.Background(), "dispatch", nil)
	if len(rec.SpansStarted) != 2 {
		t.Fatalf("expected rollover after timeout elapsed, got %d spans", len(rec.SpansStarted))
	}
}
