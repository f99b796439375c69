package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRunListLimit = 20
	maxRunListLimit     = 200
)

// SyncRun is the ledger row written for every finished leg.
type SyncRun struct {
	LegID       string     `gorm:"column:leg_id;primaryKey;size:64;not null" json:"leg_id"`
	RunID       string     `gorm:"column:run_id;size:64;not null;index" json:"run_id"`
	TriggerKind string     `gorm:"column:trigger_kind;size:32;not null" json:"trigger"`
	Feed        string     `gorm:"column:feed;size:32;not null" json:"feed"`
	Outcome     string     `gorm:"column:outcome;size:32;not null;index" json:"outcome"`
	Fetched     int        `gorm:"column:fetched;not null" json:"fetched"`
	Filtered    int        `gorm:"column:filtered;not null" json:"filtered"`
	Stored      int        `gorm:"column:stored;not null" json:"stored"`
	Error       string     `gorm:"column:error;type:text" json:"error,omitempty"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt  time.Time  `gorm:"column:finished_at;not null" json:"finished_at"`
	ScheduledAt *time.Time `gorm:"column:scheduled_at" json:"scheduled_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunStore persists the sync ledger.
type RunStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRunStore constructs a RunStore backed by db.
func NewRunStore(db *gorm.DB, logger *zap.Logger) (*RunStore, error) {
	if db == nil {
		return nil, newServiceError(opRunStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStore{db: db, logger: logger}, nil
}

func (s *RunStore) RecordLeg(ctx context.Context, run SyncRun) error {
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return newServiceError(opRecordLeg, "insert_failed", err)
	}
	return nil
}

// ListRecent returns ledger rows, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	var runs []SyncRun
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		s.logger.Error("sync run query failed",
			zap.String("operation", opListRuns),
			zap.Error(err))
		return nil, newServiceError(opListRuns, "query_failed", err)
	}
	return runs, nil
}
