package model

import "time"

type AttemptStatus string

const (
	AttemptExecuting AttemptStatus = "EXECUTING"
	AttemptCompleted AttemptStatus = "COMPLETED"
	AttemptFailed    AttemptStatus = "FAILED"
)

// TaskRunAttempt is one execution try of a run. Invariant: for any run, at
// most one attempt has Status == AttemptExecuting.
type TaskRunAttempt struct {
	AttemptID              string     `gorm:"column:attempt_id;primaryKey"`
	FriendlyAttemptID      string     `gorm:"column:friendly_attempt_id"`
	RunID                  string     `gorm:"column:run_id"`
	Number                 int        `gorm:"column:number"` // 1-based, strictly increasing per run
	Status                 AttemptStatus `gorm:"column:status"`
	StartedAt              time.Time  `gorm:"column:started_at"`
	CompletedAt            *time.Time `gorm:"column:completed_at"`
	Output                 string     `gorm:"column:output"`
	OutputType             string     `gorm:"column:output_type"`
	Error                  string     `gorm:"column:error"`
	QueueID                string     `gorm:"column:queue_id"`
	BackgroundWorkerID     string     `gorm:"column:background_worker_id"`
	BackgroundWorkerTaskID string     `gorm:"column:background_worker_task_id"`
	UsageDurationMs        *int64     `gorm:"column:usage_duration_ms"`
}

func (TaskRunAttempt) TableName() string { return "task_run_attempts" }
