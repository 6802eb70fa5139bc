package model

// RetryConfig is the backoff shape a task may carry. The dispatcher never
// computes a retry delay itself (spec Non-goal) — it only merges this with
// defaults to label tracing events and to read maxAttempts for the "N/MAX"
// message format.
type RetryConfig struct {
	MaxAttempts  int
	Factor       float64
	MinTimeoutMs int
	MaxTimeoutMs int
	Randomize    bool
}

// DefaultRetryConfig mirrors what a worker-less task run falls back to when
// no retryConfig was registered for the matched task.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 0, Factor: 2, MinTimeoutMs: 1000, MaxTimeoutMs: 60000, Randomize: false}
}

// Merge fills any zero-valued field of r with the corresponding default.
func (r RetryConfig) Merge(def RetryConfig) RetryConfig {
	out := r
	if out.Factor == 0 {
		out.Factor = def.Factor
	}
	if out.MinTimeoutMs == 0 {
		out.MinTimeoutMs = def.MinTimeoutMs
	}
	if out.MaxTimeoutMs == 0 {
		out.MaxTimeoutMs = def.MaxTimeoutMs
	}
	return out
}

// BackgroundWorkerTask is one task exported by a worker bundle. Immutable
// once registered.
type BackgroundWorkerTask struct {
	TaskID      string
	Slug        string
	FilePath    string
	ExportName  string
	RetryConfig *RetryConfig // optional
}

// BackgroundWorkerVersion is a versioned bundle the remote worker has loaded,
// held in memory only for the lifetime of one connection.
type BackgroundWorkerVersion struct {
	WorkerID         string
	FriendlyWorkerID string
	EnvironmentID    string
	Version          string // "YYYYMMDD.N", numerically comparable per-segment
	Tasks            []BackgroundWorkerTask
}

// TaskBySlug finds the task in this version whose slug matches, or nil.
func (v *BackgroundWorkerVersion) TaskBySlug(slug string) *BackgroundWorkerTask {
	for i := range v.Tasks {
		if v.Tasks[i].Slug == slug {
			return &v.Tasks[i]
		}
	}
	return nil
}

// TaskByID finds the task in this version whose TaskID matches, or nil. Used
// by the Completion Handler to recover a finished attempt's retryConfig.
func (v *BackgroundWorkerVersion) TaskByID(taskID string) *BackgroundWorkerTask {
	for i := range v.Tasks {
		if v.Tasks[i].TaskID == taskID {
			return &v.Tasks[i]
		}
	}
	return nil
}

// BackgroundWorkerVersionRow and BackgroundWorkerTaskRow are the persistent
// rows the Postgres-backed registry.Loader reads. BackgroundWorkerVersion
// itself stays a plain in-memory value type (it's rebuilt fresh on every
// REGISTER and held only for a connection's lifetime), so only the rows
// carry gorm tags.
type BackgroundWorkerVersionRow struct {
	WorkerID         string `gorm:"column:worker_id;primaryKey"`
	FriendlyWorkerID string `gorm:"column:friendly_worker_id"`
	EnvironmentID    string `gorm:"column:environment_id"`
	Version          string `gorm:"column:version"`
}

func (BackgroundWorkerVersionRow) TableName() string { return "background_worker_versions" }

type BackgroundWorkerTaskRow struct {
	TaskID           string `gorm:"column:task_id;primaryKey"`
	WorkerID         string `gorm:"column:worker_id"`
	Slug             string `gorm:"column:slug"`
	FilePath         string `gorm:"column:file_path"`
	ExportName       string `gorm:"column:export_name"`
	RetryMaxAttempts int    `gorm:"column:retry_max_attempts"`
	RetryFactor      float64 `gorm:"column:retry_factor"`
	RetryMinTimeoutMs int    `gorm:"column:retry_min_timeout_ms"`
	RetryMaxTimeoutMs int    `gorm:"column:retry_max_timeout_ms"`
	RetryRandomize   bool   `gorm:"column:retry_randomize"`
}

func (BackgroundWorkerTaskRow) TableName() string { return "background_worker_tasks" }

// ToTask converts a persisted row into the in-memory shape the registry
// holds.
func (t BackgroundWorkerTaskRow) ToTask() BackgroundWorkerTask {
	task := BackgroundWorkerTask{TaskID: t.TaskID, Slug: t.Slug, FilePath: t.FilePath, ExportName: t.ExportName}
	if t.RetryMaxAttempts > 0 {
		task.RetryConfig = &RetryConfig{
			MaxAttempts:  t.RetryMaxAttempts,
			Factor:       t.RetryFactor,
			MinTimeoutMs: t.RetryMinTimeoutMs,
			MaxTimeoutMs: t.RetryMaxTimeoutMs,
			Randomize:    t.RetryRandomize,
		}
	}
	return task
}
