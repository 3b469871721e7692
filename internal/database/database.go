package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/config"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/projection"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const postgresMaxOpenConns = 10

// Open connects to the configured database and performs schema migrations.
func Open(cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == config.DatabaseDriverSQLite {
		// A single connection serializes writers; row locks are no-ops on sqlite.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
	}

	if err := Migrate(db, zapLogger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("driver", cfg.Driver))
	}
	return db, nil
}

// Migrate creates or updates every table and applies the named data migrations.
func Migrate(db *gorm.DB, zapLogger *zap.Logger) error {
	models := append([]interface{}{&checkpoint.Checkpoint{}, &migrationRecord{}}, projection.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("database: auto migrate: %w", err)
	}
	return applyMigrations(db, zapLogger)
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DatabaseDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(cfg.Path), nil
	case config.DatabaseDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("database driver %q is not supported", cfg.Driver)
	}
}
