package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/minyoung/trigger.dev/internal/model"
	"github.com/minyoung/trigger.dev/internal/trace"
	"github.com/minyoung/trigger.dev/internal/transport"
)

// TestMonotonicAttemptNumbersAcrossRetry asserts attempt numbers for a run
// are 1,2,3,... with no gaps, carried across a full retry-then-redelivery
// cycle.
func TestMonotonicAttemptNumbersAcrossRetry(t *testing.T) {
	f := newFixture(t)
	version := &model.BackgroundWorkerVersion{
		WorkerID: "w1-internal", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email", RetryConfig: &model.RetryConfig{MaxAttempts: 3}}},
	}
	f.registerVersion(t, "w1", version)

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	if outcome, _, err := f.dispatcher.RunIteration(context.Background()); err != nil || outcome != OutcomeDispatched {
		t.Fatalf("expected first dispatch, got %s err=%v", outcome, err)
	}
	var first *model.TaskRunAttempt
	for _, a := range f.fs.Attempts {
		first = a
	}
	if first.Number != 1 {
		t.Fatalf("expected first attempt number 1, got %d", first.Number)
	}

	handler := NewCompletionHandler(f.env, f.fq, f.fs, &trace.FakeRecorder{}, f.reg, f.dispatcher.window)
	retryAt := time.Now().Add(-time.Second) // already due, so the next dequeue finds it
	if err := handler.OnCompleted(context.Background(), first.FriendlyAttemptID,
		transport.Completion{OK: false, Retry: &transport.RetryInfo{Timestamp: retryAt}}, transport.ExecutionDescriptor{}); err != nil {
		t.Fatalf("OnCompleted error: %v", err)
	}

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("expected second dispatch on redelivery, got %s", outcome)
	}

	var second *model.TaskRunAttempt
	for _, a := range f.fs.Attempts {
		if a.AttemptID != first.AttemptID {
			second = a
		}
	}
	if second == nil || second.Number != 2 {
		t.Fatalf("expected second attempt number 2, got %+v", second)
	}
	if first.Status != model.AttemptFailed {
		t.Fatalf("expected first attempt to remain failed, got %s", first.Status)
	}

	// Invariant 1: at no point do two attempts have status executing
	// simultaneously.
	executing := 0
	for _, a := range f.fs.Attempts {
		if a.Status == model.AttemptExecuting {
			executing++
		}
	}
	if executing != 1 {
		t.Fatalf("expected exactly one executing attempt, got %d", executing)
	}
}
