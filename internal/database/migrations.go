package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/projection"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeReviewStatus = "2026-02-10_normalize_argument_review_status"
	migrationClearNegativePosition = "2026-02-12_clear_negative_checkpoint_positions"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeReviewStatus, apply: normalizeReviewStatus},
		{name: migrationClearNegativePosition, apply: clearNegativePositions},
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before review tracking existed carry an empty status.
func normalizeReviewStatus(db *gorm.DB) error {
	return db.Model(&projection.Argument{}).
		Where("review_status = ? OR review_status IS NULL", "").
		Update("review_status", string(quorum.Preliminary)).Error
}

func clearNegativePositions(db *gorm.DB) error {
	return db.Exec("UPDATE checkpoints SET position = NULL WHERE position < 0").Error
}
