package toots

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the toot store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists toots keyed by toot_id.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newPersistenceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Upsert writes the batch in one statement and returns the rows as stored,
// one per distinct toot_id in batch order. Existing rows are overwritten
// column by column, except toot_id and first_synced_at.
func (s *Store) Upsert(ctx context.Context, batch []Toot) ([]Toot, error) {
	if s.db == nil {
		s.logError(opUpsert, "missing_database", errMissingDatabase)
		return nil, newPersistenceError(opUpsert, "missing_database", errMissingDatabase)
	}
	rows := dedupeByID(batch)
	if len(rows) == 0 {
		return []Toot{}, nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: conflictColumn}},
			UpdateAll: true,
		}).
		Create(&rows).Error
	if err != nil {
		s.logError(opUpsert, "statement_failed", err, zap.Int("rows", len(rows)))
		return nil, newPersistenceError(opUpsert, "statement_failed", err)
	}

	// On conflict the in-memory first_synced_at is the statement time, not the
	// stored one, so the written rows are read back.
	ids := make([]string, len(rows))
	positions := make(map[string]int, len(rows))
	for index, row := range rows {
		ids[index] = row.TootID
		positions[row.TootID] = index
	}
	var stored []Toot
	if err := s.db.WithContext(ctx).Where("toot_id IN ?", ids).Find(&stored).Error; err != nil {
		s.logError(opUpsert, "reload_failed", err, zap.Int("rows", len(rows)))
		return nil, newPersistenceError(opUpsert, "reload_failed", err)
	}
	for _, row := range stored {
		if index, ok := positions[row.TootID]; ok {
			rows[index] = row
		}
	}
	return rows, nil
}

// ListRecent returns stored toots ordered by creation time, newest first.
// A nil liked filter returns both provenances.
func (s *Store) ListRecent(ctx context.Context, limit int, liked *bool) ([]Toot, error) {
	if s.db == nil {
		s.logError(opListRecent, "missing_database", errMissingDatabase)
		return nil, newPersistenceError(opListRecent, "missing_database", errMissingDatabase)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if liked != nil {
		query = query.Where("liked_toot = ?", *liked)
	}

	var stored []Toot
	if err := query.Find(&stored).Error; err != nil {
		s.logError(opListRecent, "query_failed", err)
		return nil, newPersistenceError(opListRecent, "query_failed", err)
	}
	return stored, nil
}

// dedupeByID keeps the last occurrence of each id so a single statement
// never touches the same row twice.
func dedupeByID(batch []Toot) []Toot {
	positions := make(map[string]int, len(batch))
	rows := make([]Toot, 0, len(batch))
	for _, toot := range batch {
		if position, ok := positions[toot.TootID]; ok {
			rows[position] = toot
			continue
		}
		positions[toot.TootID] = len(rows)
		rows = append(rows, toot)
	}
	return rows
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("toot store error", attrs...)
}
