package dispatch

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minyoung/trigger.dev/internal/consts"
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

const defaultHeartbeatExtendSeconds = 60

// CompletionHandler reacts to TASK_RUN_COMPLETED and TASK_HEARTBEAT messages
// from the worker (spec §4.G). It runs concurrently with the Dispatch Loop
// but operates on disjoint attempts: the loop creates, the handler finalizes.
type CompletionHandler struct {
	env      model.AuthenticatedEnvironment
	queue    queue.Client
	store    store.Store
	recorder trace.Recorder
	registry *registry.Registry
	window   *tracewindow.Window
	metrics  *metrics.Metrics
}

// UseMetrics wires m into the handler: every completed or failed attempt's
// started-at-to-completed-at span is observed into
// dispatch_attempt_duration_seconds. Optional; a nil m means no metrics are
// recorded.
func (h *CompletionHandler) UseMetrics(m *metrics.Metrics) {
	h.metrics = m
}

func NewCompletionHandler(
	env model.AuthenticatedEnvironment,
	queueClient queue.Client,
	st store.Store,
	recorder trace.Recorder,
	reg *registry.Registry,
	window *tracewindow.Window,
) *CompletionHandler {
	return &CompletionHandler{
		env:      env,
		queue:    queueClient,
		store:    st,
		recorder: recorder,
		registry: reg,
		window:   window,
	}
}

// OnCompleted updates the attempt identified by friendlyAttemptID, records a
// retry event if the worker asked for one, and acks or nacks the underlying
// queue message accordingly.
func (h *CompletionHandler) OnCompleted(ctx context.Context, friendlyAttemptID string, completion transport.Completion, execution transport.ExecutionDescriptor) error {
	if completion.OK {
		attempt, err := h.store.CompleteAttempt(ctx, friendlyAttemptID, completion.Output, completion.OutputType, completion.UsageDurationMs)
		if err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		h.window.RecordSuccess()
		h.recordDuration(attempt)
		if err := h.store.UnlockRun(ctx, attempt.RunID); err != nil {
			return fmt.Errorf("unlock run: %w", err)
		}
		return h.queue.Ack(ctx, h.env.QueueKey(), attempt.RunID)
	}

	attempt, err := h.store.FailAttempt(ctx, friendlyAttemptID, completion.Error)
	if err != nil {
		return fmt.Errorf("fail attempt: %w", err)
	}
	h.window.RecordFailure()
	h.recordDuration(attempt)

	if completion.Retry == nil {
		if err := h.store.UnlockRun(ctx, attempt.RunID); err != nil {
			return fmt.Errorf("unlock run: %w", err)
		}
		return h.queue.Ack(ctx, h.env.QueueKey(), attempt.RunID)
	}

	run, found, err := h.store.GetRunByID(ctx, attempt.RunID)
	if err != nil {
		return fmt.Errorf("get run for retry event: %w", err)
	}
	if found {
		h.recordRetryEvent(ctx, run, attempt)
	}

	if err := h.store.UnlockRun(ctx, attempt.RunID); err != nil {
		return fmt.Errorf("unlock run: %w", err)
	}

	return h.queue.Nack(ctx, h.env.QueueKey(), attempt.RunID, completion.Retry.Timestamp)
}

func (h *CompletionHandler) recordDuration(attempt *model.TaskRunAttempt) {
	if h.metrics == nil || attempt.CompletedAt == nil {
		return
	}
	d := attempt.CompletedAt.Sub(attempt.StartedAt).Seconds()
	if d < 0 {
		d = 0
	}
	h.metrics.AttemptDuration.WithLabelValues(h.env.EnvironmentID).Observe(d)
}

// recordRetryEvent formats the "Retry N/MAX delay" (or "Retry #N delay" when
// maxAttempts is unknown) message and records it against the run's own
// trace, using a deterministic span id seeded by "retry-<nextNumber>" so a
// redelivered completion can't double-record the event.
func (h *CompletionHandler) recordRetryEvent(ctx context.Context, run *model.TaskRun, attempt *model.TaskRunAttempt) {
	retryConfig := model.DefaultRetryConfig()
	if version, ok := h.registry.Lookup(attempt.BackgroundWorkerID); ok {
		if task := version.TaskByID(attempt.BackgroundWorkerTaskID); task != nil && task.RetryConfig != nil {
			retryConfig = task.RetryConfig.Merge(model.DefaultRetryConfig())
		}
	}

	nextNumber := attempt.Number + 1
	var message string
	if retryConfig.MaxAttempts > 0 {
		message = fmt.Sprintf("Retry %d/%d delay", attempt.Number, retryConfig.MaxAttempts-1)
	} else {
		message = fmt.Sprintf("Retry #%d delay", attempt.Number)
	}
	seed := fmt.Sprintf("retry-%d", nextNumber)

	completedAt := time.Now()
	if attempt.CompletedAt != nil {
		completedAt = *attempt.CompletedAt
	}

	if err := h.recorder.RecordRetryEvent(ctx, run.TraceContext, seed, message, completedAt, "schedule-attempt"); err != nil {
		logging.Error(ctx, "record retry event failed", zap.String("component", consts.CompSvcCompletion), zap.String("runId", run.RunID), zap.Error(err))
	}
}

// OnHeartbeat extends the visibility of the queue message backing
// friendlyAttemptID's run by extendSeconds (defaultHeartbeatExtendSeconds
// when extendSeconds is not positive). A missing attempt is a no-op.
func (h *CompletionHandler) OnHeartbeat(ctx context.Context, friendlyAttemptID string, extendSeconds int) error {
	if extendSeconds <= 0 {
		extendSeconds = defaultHeartbeatExtendSeconds
	}
	attempt, found, err := h.store.GetAttemptByFriendlyID(ctx, friendlyAttemptID)
	if err != nil {
		return fmt.Errorf("get attempt for heartbeat: %w", err)
	}
	if !found {
		return nil
	}
	return h.queue.Heartbeat(ctx, h.env.QueueKey(), attempt.RunID, extendSeconds)
}

// retrySpanIDSeed returns sha1(traceContext||seed), the digest the OTel
// recorder truncates to 8 bytes for a retry event's span id. Nothing in this
// package, tests included, calls it.
func retrySpanIDSeed(traceContext, seed string) [20]byte {
	return sha1.Sum([]byte(traceContext + seed))
}
