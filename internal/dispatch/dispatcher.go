// Package dispatch implements the Dispatch Loop (spec §4.F) and Completion
// Handler (spec §4.G): the per-connection single-threaded pull-dispatch
// cycle that bridges the Queue Client, the Store, the Worker Registry and
// the websocket transport.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/idgen"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/metrics"
	"github.com/minyoung/trigger.dev/internal/model"
	"github.com/minyoung/trigger.dev/internal/queue"
	"github.com/minyoung/trigger.dev/internal/registry"
	"github.com/minyoung/trigger.dev/internal/store"
	"github.com/minyoung/trigger.dev/internal/trace"
	"github.com/minyoung/trigger.dev/internal/tracewindow"
	"github.com/minyoung/trigger.dev/internal/transport"
)

const (
	idleDelay      = 1000 * time.Millisecond
	fastRetryDelay = 100 * time.Millisecond
)

// Outcome labels what one iteration did, for logging and for tests — it is
// never branched on by callers outside this package.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomePoisonParse
	OutcomeRunMissing
	OutcomeNoWorkerVersion
	OutcomeNoMatchingTask
	OutcomeLockFailed
	OutcomeQueueMissing
	OutcomeStoppedMidIteration
	OutcomeDispatched
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomePoisonParse:
		return "poison_parse"
	case OutcomeRunMissing:
		return "run_missing"
	case OutcomeNoWorkerVersion:
		return "no_worker_version"
	case OutcomeNoMatchingTask:
		return "no_matching_task"
	case OutcomeLockFailed:
		return "lock_failed"
	case OutcomeQueueMissing:
		return "queue_missing"
	case OutcomeStoppedMidIteration:
		return "stopped_mid_iteration"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Dispatcher owns one connection's worker registry, trace window and
// pull-dispatch loop. Disabled on construction; enabled by the registry's
// first successful register, disabled by Stop.
type Dispatcher struct {
	env      model.AuthenticatedEnvironment
	queue    queue.Client
	store    store.Store
	window   *tracewindow.Window
	registry *registry.Registry
	sender   transport.Sender
	ids      idgen.Generator
	metrics  *metrics.Metrics

	mu      sync.Mutex
	enabled bool
}

func New(
	env model.AuthenticatedEnvironment,
	queueClient queue.Client,
	st store.Store,
	recorder trace.Recorder,
	windowCfg tracewindow.Config,
	reg *registry.Registry,
	sender transport.Sender,
	ids idgen.Generator,
) *Dispatcher {
	d := &Dispatcher{
		env:      env,
		queue:    queueClient,
		store:    st,
		window:   tracewindow.New(recorder, windowCfg),
		registry: reg,
		sender:   sender,
		ids:      ids,
	}
	reg.OnFirstRegister(d.enable)
	return d
}

// UseMetrics wires m into the dispatcher: every RunIteration outcome
// increments dispatch_iterations_total, and the trace window's rollovers
// increment dispatch_window_rollovers_total. Optional; a nil m (the default)
// means no metrics are recorded, matching this package's tests which never
// call it.
func (d *Dispatcher) UseMetrics(m *metrics.Metrics) {
	if m == nil {
		return
	}
	d.metrics = m
	m.RegistrySize.WithLabelValues(d.env.EnvironmentID).Set(0)
	d.window.OnRollover(func() {
		m.WindowRollovers.WithLabelValues(d.env.EnvironmentID).Inc()
	})
	d.registry.OnRegister(func(size int) {
		m.RegistrySize.WithLabelValues(d.env.EnvironmentID).Set(float64(size))
	})
}

func (d *Dispatcher) enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
}

// Stop disables the loop. The current iteration (if any) still completes;
// if it has not yet reached step 8's abort check, it nacks and returns there.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
	d.window.Close()
}

// Window exposes the dispatcher's trace window so a CompletionHandler
// constructed for the same connection shares it (spec §4.E: the window is
// scoped per connection, not per component).
func (d *Dispatcher) Window() *tracewindow.Window {
	return d.window
}

func (d *Dispatcher) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Run drives the self-rescheduling cooperative loop until ctx is canceled.
// Exactly one iteration is ever outstanding; the next is scheduled by a
// timer only after the previous one resolves (spec §5).
func (d *Dispatcher) Run(ctx context.Context) {
	timer := time.NewTimer(idleDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !d.IsEnabled() {
			timer.Reset(idleDelay)
			continue
		}
		outcome, delay, err := d.RunIteration(ctx)
		if err != nil {
			logging.Error(ctx, "dispatch iteration error", zap.String("component", consts.CompSvcDispatcher), zap.String("outcome", outcome.String()), zap.Error(err))
		}
		if d.metrics != nil {
			d.metrics.IterationsTotal.WithLabelValues(d.env.EnvironmentID, outcome.String()).Inc()
		}
		if outcome == OutcomeStoppedMidIteration {
			return
		}
		timer.Reset(delay)
	}
}

// RunIteration executes steps 1-11 of spec §4.F exactly once. It is exported
// for tests that want to drive the loop deterministically instead of
// through the timer-based Run.
func (d *Dispatcher) RunIteration(ctx context.Context) (Outcome, time.Duration, error) {
	spanCtx := d.window.Prepare(ctx, "dispatch.iteration", map[string]any{
		"environment.id": d.env.EnvironmentID,
	})

	// 1. Dequeue.
	msg, err := d.queue.Dequeue(spanCtx, d.env.QueueKey())
	if err != nil {
		return OutcomeIdle, idleDelay, fmt.Errorf("dequeue: %w", err)
	}
	if msg == nil {
		return OutcomeIdle, idleDelay, nil
	}

	// 2. Parse.
	var data model.MessageData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Type != model.MessageTypeExecute {
		logging.Warn(spanCtx, "poison message, acking", zap.String("component", consts.CompSvcDispatcher), zap.String("messageId", msg.MessageID))
		_ = d.queue.Ack(spanCtx, d.env.QueueKey(), msg.MessageID)
		return OutcomePoisonParse, fastRetryDelay, nil
	}

	// 3. Resolve run.
	run, found, err := d.store.GetRunByID(spanCtx, msg.MessageID)
	if err != nil {
		return OutcomeRunMissing, fastRetryDelay, fmt.Errorf("get run: %w", err)
	}
	if !found {
		logging.Warn(spanCtx, "run missing, acking", zap.String("component", consts.CompSvcDispatcher), zap.String("messageId", msg.MessageID))
		_ = d.queue.Ack(spanCtx, d.env.QueueKey(), msg.MessageID)
		return OutcomeRunMissing, fastRetryDelay, nil
	}

	// 4. Select worker version.
	var version *model.BackgroundWorkerVersion
	if run.LockedToVersionID != "" {
		version, _ = d.registry.Lookup(run.LockedToVersionID)
	} else {
		version, _ = d.registry.Latest()
	}
	if version == nil {
		logging.Warn(spanCtx, "no worker version available, acking", zap.String("component", consts.CompSvcDispatcher), zap.String("runId", run.RunID))
		_ = d.queue.Ack(spanCtx, d.env.QueueKey(), msg.MessageID)
		return OutcomeNoWorkerVersion, fastRetryDelay, nil
	}

	// 5. Match task.
	task := version.TaskBySlug(data.TaskIdentifier)
	if task == nil {
		logging.Warn(spanCtx, "no matching task, acking", zap.String("component", consts.CompSvcDispatcher), zap.String("runId", run.RunID), zap.String("taskIdentifier", data.TaskIdentifier))
		_ = d.queue.Ack(spanCtx, d.env.QueueKey(), msg.MessageID)
		return OutcomeNoMatchingTask, fastRetryDelay, nil
	}

	// 6. Lock.
	locked, lastNumber, tags, err := d.store.LockRun(spanCtx, run.RunID, task.TaskID)
	if err != nil {
		return OutcomeLockFailed, fastRetryDelay, fmt.Errorf("lock run: %w", err)
	}
	if !locked {
		logging.Warn(spanCtx, "lock failed, acking", zap.String("component", consts.CompSvcDispatcher), zap.String("runId", run.RunID))
		_ = d.queue.Ack(spanCtx, d.env.QueueKey(), msg.MessageID)
		return OutcomeLockFailed, fastRetryDelay, nil
	}
	run.Tags = tags

	// 7. Resolve queue row.
	taskQueue, found, err := d.store.GetQueueByName(spanCtx, d.env.EnvironmentID, run.QueueName)
	if err != nil {
		return OutcomeQueueMissing, idleDelay, fmt.Errorf("get queue: %w", err)
	}
	if !found {
		_ = d.queue.Nack(spanCtx, d.env.QueueKey(), msg.MessageID, time.Time{})
		return OutcomeQueueMissing, idleDelay, nil
	}

	// 8. Abort check.
	if !d.IsEnabled() {
		_ = d.queue.Nack(spanCtx, d.env.QueueKey(), msg.MessageID, time.Time{})
		return OutcomeStoppedMidIteration, 0, nil
	}

	// 9. Create attempt.
	attempt := &model.TaskRunAttempt{
		AttemptID:              d.ids.New(idgen.PrefixAttempt),
		FriendlyAttemptID:      d.ids.New(idgen.PrefixAttempt),
		RunID:                  run.RunID,
		Number:                 lastNumber + 1,
		Status:                 model.AttemptExecuting,
		StartedAt:              time.Now(),
		QueueID:                taskQueue.QueueID,
		BackgroundWorkerID:     version.WorkerID,
		BackgroundWorkerTaskID: task.TaskID,
	}
	if err := d.store.CreateAttempt(spanCtx, attempt); err != nil {
		return OutcomeLockFailed, fastRetryDelay, fmt.Errorf("create attempt: %w", err)
	}

	// 10. Build execution descriptor.
	descriptor := buildExecutionDescriptor(d.env, run, attempt, task, taskQueue, version)

	// 11. Send.
	sendErr := d.sender.Send(version.FriendlyWorkerID, []transport.ExecutePayload{{
		Execution:    descriptor,
		TraceContext: run.TraceContext,
	}})
	if sendErr == nil {
		d.window.RecordDispatch()
		return OutcomeDispatched, fastRetryDelay, nil
	}

	d.window.RecordException(sendErr)
	if err := d.store.UnlockAndDeleteAttempt(spanCtx, run.RunID, attempt.AttemptID); err != nil {
		logging.Error(spanCtx, "rollback after transport failure also failed", zap.String("component", consts.CompSvcDispatcher), zap.Error(err))
	}
	_ = d.queue.Nack(spanCtx, d.env.QueueKey(), msg.MessageID, time.Time{})
	return OutcomeTransportFailure, fastRetryDelay, sendErr
}

func buildExecutionDescriptor(
	env model.AuthenticatedEnvironment,
	run *model.TaskRun,
	attempt *model.TaskRunAttempt,
	task *model.BackgroundWorkerTask,
	queueRow *model.TaskQueue,
	version *model.BackgroundWorkerVersion,
) transport.ExecutionDescriptor {
	return transport.ExecutionDescriptor{
		Task: transport.ExecTask{
			ID:         task.TaskID,
			FilePath:   task.FilePath,
			ExportName: task.ExportName,
		},
		Attempt: transport.ExecAttempt{
			ID:                     attempt.FriendlyAttemptID,
			Number:                 attempt.Number,
			StartedAt:              attempt.StartedAt,
			BackgroundWorkerID:     version.FriendlyWorkerID,
			BackgroundWorkerTaskID: task.TaskID,
			Status:                 "EXECUTING",
		},
		Run: transport.ExecRun{
			ID:          run.FriendlyRunID,
			Payload:     run.Payload,
			PayloadType: run.PayloadType,
			Context:     run.Context,
			CreatedAt:   run.CreatedAt,
			Tags:        run.Tags,
		},
		Queue: transport.ExecQueue{
			ID:   queueRow.FriendlyQueueID,
			Name: queueRow.Name,
		},
		Environment: transport.ExecEnvironment{
			ID:   env.EnvironmentID,
			Slug: env.EnvironmentSlug,
			Type: string(env.EnvironmentType),
		},
		Organization: transport.ExecOrganization{
			ID:   env.OrganizationID,
			Slug: env.OrganizationSlug,
			Name: env.OrganizationName,
		},
		Project: transport.ExecProject{
			ID:   env.ProjectID,
			Ref:  env.ProjectRef,
			Slug: env.ProjectSlug,
			Name: env.ProjectName,
		},
	}
}
