package model

import "time"

// TaskRun is the persistent row the dispatcher locks, attempts against, and
// eventually lets the Completion Handler finalize. runId doubles as the
// queue message id.
//
// Invariant: (LockedAt == nil) iff (LockedByTaskID == "").
// Invariant: once LockedToVersionID is set it never changes.
type TaskRun struct {
	RunID             string     `gorm:"column:run_id;primaryKey"`
	FriendlyRunID     string     `gorm:"column:friendly_run_id"`
	EnvironmentID     string     `gorm:"column:environment_id"`
	OrganizationID    string     `gorm:"column:organization_id"`
	ProjectID         string     `gorm:"column:project_id"`
	TaskIdentifier    string     `gorm:"column:task_identifier"` // slug
	QueueName         string     `gorm:"column:queue_name"`
	Payload           string     `gorm:"column:payload"`
	PayloadType       string     `gorm:"column:payload_type"`
	Context           string     `gorm:"column:context"`
	TraceContext      string     `gorm:"column:trace_context"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	Tags              []string   `gorm:"column:tags;serializer:json"`
	LockedAt          *time.Time `gorm:"column:locked_at"`
	LockedByTaskID    string     `gorm:"column:locked_by_task_id"`
	LockedToVersionID string     `gorm:"column:locked_to_version_id"` // optional pin
}

func (TaskRun) TableName() string { return "task_runs" }

func (r *TaskRun) IsLocked() bool { return r.LockedAt != nil }
