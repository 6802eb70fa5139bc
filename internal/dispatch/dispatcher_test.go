package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/minyoung/trigger.dev/internal/idgen"
	"github.com/minyoung/trigger.dev/internal/model"
	"github.com/minyoung/trigger.dev/internal/queue"
	"github.com/minyoung/trigger.dev/internal/registry"
	"github.com/minyoung/trigger.dev/internal/store"
	"github.com/minyoung/trigger.dev/internal/trace"
	"github.com/minyoung/trigger.dev/internal/tracewindow"
	"github.com/minyoung/trigger.dev/internal/transport"
)

type fakeSender struct {
	sentPayloads [][]transport.ExecutePayload
	sentWorkers  []string
	failNext     bool
	err          error
}

func (s *fakeSender) Send(friendlyWorkerID string, payloads []transport.ExecutePayload) error {
	if s.failNext {
		s.failNext = false
		if s.err == nil {
			s.err = errors.New("simulated transport failure")
		}
		return s.err
	}
	s.sentWorkers = append(s.sentWorkers, friendlyWorkerID)
	s.sentPayloads = append(s.sentPayloads, payloads)
	return nil
}

type testFixture struct {
	dispatcher *Dispatcher
	fq         *queue.FakeQueue
	fs         *store.FakeStore
	reg        *registry.Registry
	loader     *registryLoader
	sender     *fakeSender
	env        model.AuthenticatedEnvironment
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	env := model.AuthenticatedEnvironment{EnvironmentID: "env1", OrganizationID: "org1", ProjectID: "proj1"}
	fq := queue.NewFakeQueue()
	fs := store.NewFakeStore()
	fs.PutQueue(&model.TaskQueue{QueueID: "q-internal", FriendlyQueueID: "q1", Name: "default", EnvironmentID: "env1"})

	loader := &registryLoader{versions: make(map[string]*model.BackgroundWorkerVersion)}
	reg := registry.New("env1", loader)
	sender := &fakeSender{}

	d := New(env, fq, fs, &trace.FakeRecorder{}, tracewindow.DefaultConfig(), reg, sender, idgen.NewUUIDGenerator())
	return &testFixture{dispatcher: d, fq: fq, fs: fs, reg: reg, loader: loader, sender: sender, env: env}
}

// registerVersion makes version loadable under registrationKey and performs
// the registration, the same path a READY_FOR_TASKS message drives in
// production and through which the dispatcher's enable callback fires.
func (f *testFixture) registerVersion(t *testing.T, registrationKey string, version *model.BackgroundWorkerVersion) {
	t.Helper()
	f.loader.versions[registrationKey] = version
	if err := f.reg.Register(registrationKey); err != nil {
		t.Fatalf("register %s: %v", registrationKey, err)
	}
}

type registryLoader struct {
	versions map[string]*model.BackgroundWorkerVersion
}

func (l *registryLoader) LoadWorkerVersion(environmentID, friendlyWorkerID string) (*model.BackgroundWorkerVersion, bool, error) {
	v, ok := l.versions[friendlyWorkerID]
	return v, ok, nil
}

func enqueueExecuteMessage(fq *queue.FakeQueue, queueKey, runID, taskIdentifier string) {
	data, _ := json.Marshal(model.MessageData{Type: model.MessageTypeExecute, TaskIdentifier: taskIdentifier})
	fq.Enqueue(queueKey, runID, data)
}

func TestS1HappyPath(t *testing.T) {
	f := newFixture(t)
	version := &model.BackgroundWorkerVersion{
		WorkerID: "w1-internal", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email"}},
	}
	f.registerVersion(t, "w1", version)

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("expected dispatched, got %s", outcome)
	}
	if len(f.sender.sentPayloads) != 1 {
		t.Fatalf("expected one send, got %d", len(f.sender.sentPayloads))
	}
	payload := f.sender.sentPayloads[0][0]
	if payload.Execution.Run.ID != "friendly-r1" {
		t.Fatalf("expected friendly run id in descriptor, got %s", payload.Execution.Run.ID)
	}
	if payload.Execution.Attempt.Number != 1 || payload.Execution.Attempt.Status != "EXECUTING" {
		t.Fatalf("expected executing attempt #1, got %+v", payload.Execution.Attempt)
	}
	run := f.fs.Runs["r1"]
	if !run.IsLocked() || run.LockedByTaskID != "t1" {
		t.Fatalf("expected run locked to t1, got %+v", run)
	}

	var attempt *model.TaskRunAttempt
	for _, a := range f.fs.Attempts {
		attempt = a
	}
	if attempt == nil || attempt.Status != model.AttemptExecuting {
		t.Fatalf("expected one executing attempt, got %+v", attempt)
	}

	handler := NewCompletionHandler(f.env, f.fq, f.fs, &trace.FakeRecorder{}, f.reg, f.dispatcher.window)
	if err := handler.OnCompleted(context.Background(), attempt.FriendlyAttemptID, transport.Completion{OK: true, Output: "done"}, payload.Execution); err != nil {
		t.Fatalf("OnCompleted error: %v", err)
	}
	if attempt.Status != model.AttemptCompleted {
		t.Fatalf("expected attempt completed, got %s", attempt.Status)
	}
	if len(f.fq.Acked) != 1 || f.fq.Acked[0] != "r1" {
		t.Fatalf("expected run ack'd, got %+v", f.fq.Acked)
	}
}

func TestS2Retry(t *testing.T) {
	f := newFixture(t)
	version := &model.BackgroundWorkerVersion{
		WorkerID: "w1-internal", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email", RetryConfig: &model.RetryConfig{MaxAttempts: 3}}},
	}
	f.registerVersion(t, "w1", version)

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email", TraceContext: "00-0123456789abcdef0123456789abcdef-0000000000000001-01"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	if _, _, err := f.dispatcher.RunIteration(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var attempt *model.TaskRunAttempt
	for _, a := range f.fs.Attempts {
		attempt = a
	}

	recorder := &trace.FakeRecorder{}
	handler := NewCompletionHandler(f.env, f.fq, f.fs, recorder, f.reg, f.dispatcher.window)
	retryAt := time.Now().Add(5 * time.Second)
	err := handler.OnCompleted(context.Background(), attempt.FriendlyAttemptID,
		transport.Completion{OK: false, Retry: &transport.RetryInfo{Timestamp: retryAt}}, transport.ExecutionDescriptor{})
	if err != nil {
		t.Fatalf("OnCompleted error: %v", err)
	}

	if attempt.Status != model.AttemptFailed {
		t.Fatalf("expected attempt #1 failed, got %s", attempt.Status)
	}
	if len(recorder.RetryEvents) != 1 {
		t.Fatalf("expected one retry event recorded, got %d", len(recorder.RetryEvents))
	}
	ev := recorder.RetryEvents[0]
	if ev.Message != "Retry 1/2 delay" {
		t.Fatalf("expected 'Retry 1/2 delay', got %q", ev.Message)
	}
	if ev.Seed != "retry-2" {
		t.Fatalf("expected spanIdSeed retry-2, got %q", ev.Seed)
	}
	if len(f.fq.Nacked) != 1 || f.fq.Nacked[0] != "r1" {
		t.Fatalf("expected nack, got %+v", f.fq.Nacked)
	}

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if outcome != OutcomeIdle {
		t.Fatalf("expected idle (message still invisible until retryAt), got %s", outcome)
	}
}

func TestS3VersionPinning(t *testing.T) {
	f := newFixture(t)
	v1 := &model.BackgroundWorkerVersion{WorkerID: "w1-v1", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email"}}}
	v2 := &model.BackgroundWorkerVersion{WorkerID: "w1-v2", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.2",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t2", Slug: "send-email"}}}
	f.registerVersion(t, "w1-registration-1", v1)
	f.registerVersion(t, "w1-registration-2", v2)

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email", LockedToVersionID: "w1-v1"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("expected dispatched, got %s", outcome)
	}
	if f.sender.sentPayloads[0][0].Execution.Attempt.BackgroundWorkerID != "w1" {
		t.Fatalf("expected worker w1 used regardless of pin, got %+v", f.sender.sentPayloads[0][0].Execution.Attempt)
	}
	if f.sender.sentPayloads[0][0].Execution.Task.ID != "t1" {
		t.Fatalf("expected pinned version's task t1, got %s", f.sender.sentPayloads[0][0].Execution.Task.ID)
	}
}

func TestS4LatestSelection(t *testing.T) {
	f := newFixture(t)
	v1 := &model.BackgroundWorkerVersion{WorkerID: "w1-v1", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email"}}}
	v2 := &model.BackgroundWorkerVersion{WorkerID: "w1-v2", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.2",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t2", Slug: "send-email"}}}
	f.registerVersion(t, "w1-registration-1", v1)
	f.registerVersion(t, "w1-registration-2", v2)

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDispatched {
		t.Fatalf("expected dispatched, got %s", outcome)
	}
	if f.sender.sentPayloads[0][0].Execution.Task.ID != "t2" {
		t.Fatalf("expected latest version's task t2, got %s", f.sender.sentPayloads[0][0].Execution.Task.ID)
	}
}

func TestS5PoisonMessage(t *testing.T) {
	f := newFixture(t)
	f.registerVersion(t, "w1", &model.BackgroundWorkerVersion{WorkerID: "w1-internal", FriendlyWorkerID: "w1", Version: "20240101.1"})
	f.fq.Enqueue(f.env.QueueKey(), "r1", []byte(`{"type":"UNKNOWN"}`))

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomePoisonParse {
		t.Fatalf("expected poison_parse, got %s", outcome)
	}
	if len(f.fs.Attempts) != 0 {
		t.Fatalf("expected no attempt created, got %d", len(f.fs.Attempts))
	}
	if len(f.fq.Acked) != 1 {
		t.Fatalf("expected message ack'd, got %+v", f.fq.Acked)
	}
}

func TestS6TransportFailureRollback(t *testing.T) {
	f := newFixture(t)
	version := &model.BackgroundWorkerVersion{
		WorkerID: "w1-internal", FriendlyWorkerID: "w1", EnvironmentID: "env1", Version: "20240101.1",
		Tasks: []model.BackgroundWorkerTask{{TaskID: "t1", Slug: "send-email"}},
	}
	f.registerVersion(t, "w1", version)
	f.sender.failNext = true

	f.fs.PutRun(&model.TaskRun{RunID: "r1", FriendlyRunID: "friendly-r1", EnvironmentID: "env1", QueueName: "default", TaskIdentifier: "send-email"})
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")

	outcome, _, err := f.dispatcher.RunIteration(context.Background())
	if err == nil {
		t.Fatal("expected transport error to surface")
	}
	if outcome != OutcomeTransportFailure {
		t.Fatalf("expected transport_failure, got %s", outcome)
	}
	if len(f.fs.Attempts) != 0 {
		t.Fatalf("expected attempt rolled back, got %d remaining", len(f.fs.Attempts))
	}
	run := f.fs.Runs["r1"]
	if run.IsLocked() {
		t.Fatal("expected run unlocked after rollback")
	}
	if len(f.fq.Nacked) != 1 {
		t.Fatalf("expected message nack'd, got %+v", f.fq.Nacked)
	}
	span := f.dispatcher.window.Span()
	if span == nil {
		t.Fatal("expected a span to still be open")
	}
	fakeSpan := span.(*trace.FakeSpan)
	if len(fakeSpan.Exceptions) != 1 {
		t.Fatalf("expected exception recorded on span, got %d", len(fakeSpan.Exceptions))
	}

	// Next iteration must roll the window over to a fresh span.
	f.sender = &fakeSender{}
	f.dispatcher.sender = f.sender
	enqueueExecuteMessage(f.fq, f.env.QueueKey(), "r1", "send-email")
	if _, _, err := f.dispatcher.RunIteration(context.Background()); err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if f.dispatcher.window.Span() == span {
		t.Fatal("expected a new span after forced rollover")
	}
}
