package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/tootsync/internal/toots"
)

// Options selects and configures the backing database.
type Options struct {
	Driver string
	Path   string
	DSN    string
	// SourceInstance qualifies legacy rows during data migrations.
	SourceInstance string
	Logger         *zap.Logger
}

// Open establishes a database connection and performs schema and data migrations.
func Open(options Options) (*gorm.DB, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if options.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, options.SourceInstance, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", options.Driver),
		zap.String("target", target))

	return db, nil
}

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, sourceInstance string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&toots.Toot{}, &pipeline.SyncRun{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, sourceInstance, logger)
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch options.Driver {
	case "sqlite", "":
		path := strings.TrimSpace(options.Path)
		if path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(path), path, nil
	case "postgres":
		dsn := strings.TrimSpace(options.DSN)
		if dsn == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(dsn), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}
