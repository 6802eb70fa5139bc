package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
	"github.com/minyoung/trigger.dev/internal/model"
)

// Config covers the connection-pool knobs gorm's postgres driver exposes.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// PostgresStore is the gorm/postgres-backed Store: conditional WHERE-guarded
// Updates() calls used as optimistic locks (RowsAffected tells the caller
// whether the guard held), gorm.Expr for server-side NOW(), and
// db.Transaction for the rollback path.
type PostgresStore struct {
	*core.BaseComponent
	cfg Config
	db  *gorm.DB
}

func NewPostgresStore(cfg Config) *PostgresStore {
	return &PostgresStore{BaseComponent: core.NewBaseComponent(consts.CompStorePostgres), cfg: cfg}
}

func (s *PostgresStore) Start(ctx context.Context) error {
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	db, err := gorm.Open(postgres.Open(s.cfg.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return fmt.Errorf("gorm open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("gorm db handle: %w", err)
	}
	if s.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	s.db = db
	return nil
}

func (s *PostgresStore) Stop(ctx context.Context) error {
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return s.BaseComponent.Stop(ctx)
}

func (s *PostgresStore) HealthCheck() error {
	if err := s.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if s.db == nil {
		return errors.New("postgres db nil")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) GetRunByID(ctx context.Context, runID string) (*model.TaskRun, bool, error) {
	var run model.TaskRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &run, true, nil
}

// LockRun guards the update with "locked_at IS NULL" so a concurrently
// racing iteration (shouldn't happen under this module's single-owner
// model, but the guard is cheap and matches the invariant literally) can
// never double-lock a run. RowsAffected==1 is the signal the lock held.
func (s *PostgresStore) LockRun(ctx context.Context, runID string, taskID string) (bool, int, []string, error) {
	res := s.db.WithContext(ctx).Model(&model.TaskRun{}).
		Where("run_id = ? AND locked_at IS NULL", runID).
		Updates(map[string]any{"locked_at": gorm.Expr("NOW()"), "locked_by_task_id": taskID})
	if res.Error != nil {
		return false, 0, nil, res.Error
	}
	if res.RowsAffected != 1 {
		return false, 0, nil, nil
	}

	var run model.TaskRun
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		return false, 0, nil, err
	}

	var lastAttempt model.TaskRunAttempt
	lastNumber := 0
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("number DESC").Limit(1).First(&lastAttempt).Error
	if err == nil {
		lastNumber = lastAttempt.Number
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, 0, nil, err
	}

	return true, lastNumber, run.Tags, nil
}

func (s *PostgresStore) GetQueueByName(ctx context.Context, environmentID string, name string) (*model.TaskQueue, bool, error) {
	var q model.TaskQueue
	err := s.db.WithContext(ctx).Where("environment_id = ? AND name = ?", environmentID, name).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &q, true, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt *model.TaskRunAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

func (s *PostgresStore) UnlockRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Model(&model.TaskRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"locked_at": nil, "locked_by_task_id": ""}).Error
}

// UnlockAndDeleteAttempt runs both writes inside one transaction so a crash
// between them can never leave a deleted attempt with the run still locked
// (or vice versa) — grounded on the transactional-rollback requirement of
// spec §4.F step 11.
func (s *PostgresStore) UnlockAndDeleteAttempt(ctx context.Context, runID string, attemptID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.TaskRun{}).Where("run_id = ?", runID).
			Updates(map[string]any{"locked_at": nil, "locked_by_task_id": ""}).Error; err != nil {
			return err
		}
		return tx.Where("attempt_id = ?", attemptID).Delete(&model.TaskRunAttempt{}).Error
	})
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, friendlyAttemptID string, output string, outputType string, usageDurationMs *int64) (*model.TaskRunAttempt, error) {
	if err := s.db.WithContext(ctx).Model(&model.TaskRunAttempt{}).
		Where("friendly_attempt_id = ?", friendlyAttemptID).
		Updates(map[string]any{
			"status":            model.AttemptCompleted,
			"output":            output,
			"output_type":       outputType,
			"completed_at":      gorm.Expr("NOW()"),
			"usage_duration_ms": usageDurationMs,
		}).Error; err != nil {
		return nil, err
	}
	return s.getAttemptByFriendlyIDTx(ctx, s.db, friendlyAttemptID)
}

func (s *PostgresStore) FailAttempt(ctx context.Context, friendlyAttemptID string, errMsg string) (*model.TaskRunAttempt, error) {
	if err := s.db.WithContext(ctx).Model(&model.TaskRunAttempt{}).
		Where("friendly_attempt_id = ?", friendlyAttemptID).
		Updates(map[string]any{
			"status":       model.AttemptFailed,
			"error":        errMsg,
			"completed_at": gorm.Expr("NOW()"),
		}).Error; err != nil {
		return nil, err
	}
	return s.getAttemptByFriendlyIDTx(ctx, s.db, friendlyAttemptID)
}

func (s *PostgresStore) GetAttemptByFriendlyID(ctx context.Context, friendlyAttemptID string) (*model.TaskRunAttempt, bool, error) {
	attempt, err := s.getAttemptByFriendlyIDTx(ctx, s.db, friendlyAttemptID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return attempt, true, nil
}

func (s *PostgresStore) getAttemptByFriendlyIDTx(ctx context.Context, db *gorm.DB, friendlyAttemptID string) (*model.TaskRunAttempt, error) {
	var attempt model.TaskRunAttempt
	if err := db.WithContext(ctx).Where("friendly_attempt_id = ?", friendlyAttemptID).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// LoadWorkerVersion implements registry.Loader directly on PostgresStore:
// the registry's lookup is read-only and scoped by the same environment_id
// filter every other Store method uses, so it doesn't earn a separate
// adapter type. friendlyWorkerID identifies one specific deployed bundle
// version (what READY_FOR_TASKS.backgroundWorkerId carries), not a worker
// name spanning many versions, so the match is exact.
func (s *PostgresStore) LoadWorkerVersion(environmentID, friendlyWorkerID string) (*model.BackgroundWorkerVersion, bool, error) {
	var row model.BackgroundWorkerVersionRow
	err := s.db.Where("environment_id = ? AND friendly_worker_id = ?", environmentID, friendlyWorkerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var taskRows []model.BackgroundWorkerTaskRow
	if err := s.db.Where("worker_id = ?", row.WorkerID).Find(&taskRows).Error; err != nil {
		return nil, false, err
	}
	tasks := make([]model.BackgroundWorkerTask, 0, len(taskRows))
	for _, tr := range taskRows {
		tasks = append(tasks, tr.ToTask())
	}

	return &model.BackgroundWorkerVersion{
		WorkerID:         row.WorkerID,
		FriendlyWorkerID: row.FriendlyWorkerID,
		EnvironmentID:    row.EnvironmentID,
		Version:          row.Version,
		Tasks:            tasks,
	}, true, nil
}
