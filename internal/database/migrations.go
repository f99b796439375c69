package database

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationQualifyBareUserIDs = "2024-06-01_qualify_bare_user_ids"
	migrationBackfillEmptyMedia = "2024-06-01_backfill_empty_media"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, sourceInstance string, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEmptyMedia, apply: backfillEmptyMedia},
	}
	// Without a known instance bare handles cannot be qualified; the migration
	// stays pending until one is configured.
	if instance := strings.TrimSpace(sourceInstance); instance != "" {
		migrations = append(migrations, migrationDefinition{
			name: migrationQualifyBareUserIDs,
			apply: func(db *gorm.DB) error {
				return qualifyBareUserIDs(db, instance)
			},
		})
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// qualifyBareUserIDs rewrites handles stored before qualification was applied.
func qualifyBareUserIDs(db *gorm.DB, instance string) error {
	return db.Exec("UPDATE toots SET user_id = user_id || '@' || ? WHERE user_id NOT LIKE ?", instance, "%@%").Error
}

func backfillEmptyMedia(db *gorm.DB) error {
	return db.Exec("UPDATE toots SET media = ? WHERE media IS NULL", "[]").Error
}
