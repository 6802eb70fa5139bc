// Package store defines the Store contract (spec §4, component B): the
// relational CRUD surface the Dispatch Loop and Completion Handler use to
// persist runs, attempts, workers, queues and tags. The concrete Postgres
// adapter lives in postgres_store.go.
package store

import (
	"context"

	"github.com/minyoung/trigger.dev/internal/model"
)

// Store is consumed as an external collaborator; callers never see SQL or
// transaction handles, only the narrow operations the dispatcher needs.
type Store interface {
	// GetRunByID loads a TaskRun by its internal id (== the queue message
	// id). found is false if the row does not exist.
	GetRunByID(ctx context.Context, runID string) (run *model.TaskRun, found bool, err error)

	// LockRun atomically sets lockedAt=now, lockedByTaskId=taskID on an
	// unlocked run, and in the same read returns the last attempt's number
	// (0 if the run has never been attempted) and the run's tags. ok is
	// false if the run was already locked or no longer exists.
	LockRun(ctx context.Context, runID string, taskID string) (ok bool, lastAttemptNumber int, tags []string, err error)

	// GetQueueByName loads a TaskQueue scoped to one environment.
	GetQueueByName(ctx context.Context, environmentID string, name string) (queue *model.TaskQueue, found bool, err error)

	// CreateAttempt inserts a new executing attempt. Callers are expected to
	// have already computed attempt.Number under the lock taken by LockRun.
	CreateAttempt(ctx context.Context, attempt *model.TaskRunAttempt) error

	// UnlockRun clears lockedAt/lockedByTaskId on runID, leaving
	// lockedToVersionId untouched. Invariant 3 (spec §8) requires a run to
	// be locked only while an iteration holds it without having yet ack'd
	// or nack'd; the Completion Handler calls this on both dispositions.
	UnlockRun(ctx context.Context, runID string) error

	// UnlockAndDeleteAttempt reverses LockRun+CreateAttempt transactionally:
	// it clears lockedAt/lockedByTaskId on runID and deletes attemptID. Used
	// on transport-send failure (spec §4.F step 11) to keep the locking
	// invariant intact.
	UnlockAndDeleteAttempt(ctx context.Context, runID string, attemptID string) error

	// CompleteAttempt marks the attempt identified by friendlyAttemptID
	// completed, stamping output/outputType, completedAt=now and the
	// worker-reported usageDurationMs (nil if the worker didn't report one),
	// and returns the updated row.
	CompleteAttempt(ctx context.Context, friendlyAttemptID string, output string, outputType string, usageDurationMs *int64) (*model.TaskRunAttempt, error)

	// FailAttempt marks the attempt failed, stamping error and
	// completedAt=now, and returns the updated row.
	FailAttempt(ctx context.Context, friendlyAttemptID string, errMsg string) (*model.TaskRunAttempt, error)

	// GetAttemptByFriendlyID loads an attempt by its external id. found is
	// false if no such attempt exists (a missing attempt on heartbeat is a
	// no-op, not an error, per spec §4.G).
	GetAttemptByFriendlyID(ctx context.Context, friendlyAttemptID string) (attempt *model.TaskRunAttempt, found bool, err error)
}
