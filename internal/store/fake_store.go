package store

import (
	"context"
	"fmt"
	"time"

	"github.com/minyoung/trigger.dev/internal/model"
)

// FakeStore is an in-memory Store used by dispatch-loop and
// completion-handler tests. Not safe for concurrent use.
type FakeStore struct {
	Runs     map[string]*model.TaskRun
	Attempts map[string]*model.TaskRunAttempt // keyed by AttemptID
	Queues   map[string]*model.TaskQueue      // keyed by environmentID+"/"+name
	NextSeq  int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Runs:     make(map[string]*model.TaskRun),
		Attempts: make(map[string]*model.TaskRunAttempt),
		Queues:   make(map[string]*model.TaskQueue),
	}
}

func (f *FakeStore) PutRun(r *model.TaskRun)     { f.Runs[r.RunID] = r }
func (f *FakeStore) PutQueue(q *model.TaskQueue) { f.Queues[q.EnvironmentID+"/"+q.Name] = q }

func (f *FakeStore) GetRunByID(ctx context.Context, runID string) (*model.TaskRun, bool, error) {
	r, ok := f.Runs[runID]
	return r, ok, nil
}

func (f *FakeStore) LockRun(ctx context.Context, runID string, taskID string) (bool, int, []string, error) {
	r, ok := f.Runs[runID]
	if !ok {
		return false, 0, nil, nil
	}
	if r.IsLocked() {
		return false, 0, nil, nil
	}
	now := time.Now()
	r.LockedAt = &now
	r.LockedByTaskID = taskID

	lastNumber := 0
	for _, a := range f.Attempts {
		if a.RunID == runID && a.Number > lastNumber {
			lastNumber = a.Number
		}
	}
	return true, lastNumber, r.Tags, nil
}

func (f *FakeStore) GetQueueByName(ctx context.Context, environmentID string, name string) (*model.TaskQueue, bool, error) {
	q, ok := f.Queues[environmentID+"/"+name]
	return q, ok, nil
}

func (f *FakeStore) CreateAttempt(ctx context.Context, attempt *model.TaskRunAttempt) error {
	if attempt.AttemptID == "" {
		f.NextSeq++
		attempt.AttemptID = fmt.Sprintf("attempt-internal-%d", f.NextSeq)
	}
	f.Attempts[attempt.AttemptID] = attempt
	return nil
}

func (f *FakeStore) UnlockRun(ctx context.Context, runID string) error {
	if r, ok := f.Runs[runID]; ok {
		r.LockedAt = nil
		r.LockedByTaskID = ""
	}
	return nil
}

func (f *FakeStore) UnlockAndDeleteAttempt(ctx context.Context, runID string, attemptID string) error {
	if r, ok := f.Runs[runID]; ok {
		r.LockedAt = nil
		r.LockedByTaskID = ""
	}
	delete(f.Attempts, attemptID)
	return nil
}

func (f *FakeStore) CompleteAttempt(ctx context.Context, friendlyAttemptID string, output string, outputType string, usageDurationMs *int64) (*model.TaskRunAttempt, error) {
	a, ok := f.findByFriendlyID(friendlyAttemptID)
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", friendlyAttemptID)
	}
	now := time.Now()
	a.Status = model.AttemptCompleted
	a.Output = output
	a.OutputType = outputType
	a.CompletedAt = &now
	a.UsageDurationMs = usageDurationMs
	return a, nil
}

func (f *FakeStore) FailAttempt(ctx context.Context, friendlyAttemptID string, errMsg string) (*model.TaskRunAttempt, error) {
	a, ok := f.findByFriendlyID(friendlyAttemptID)
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", friendlyAttemptID)
	}
	now := time.Now()
	a.Status = model.AttemptFailed
	a.Error = errMsg
	a.CompletedAt = &now
	return a, nil
}

func (f *FakeStore) GetAttemptByFriendlyID(ctx context.Context, friendlyAttemptID string) (*model.TaskRunAttempt, bool, error) {
	a, ok := f.findByFriendlyID(friendlyAttemptID)
	return a, ok, nil
}

func (f *FakeStore) findByFriendlyID(friendlyAttemptID string) (*model.TaskRunAttempt, bool) {
	for _, a := range f.Attempts {
		if a.FriendlyAttemptID == friendlyAttemptID {
			return a, true
		}
	}
	return nil, false
}
