package database

import (
	"errors"
	"time"

	"github.com/superteam-academy/backend/internal/ledger"
	"github.com/superteam-academy/backend/internal/relay"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeNonLessonReceipts = "2026-07-01_normalize_non_lesson_receipt_index"

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
		{name: migrationNormalizeNonLessonReceipts, apply: normalizeNonLessonReceipts},
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

// normalizeNonLessonReceipts repairs rows written before enroll and finalize
// receipts settled on -1 as the lesson index sentinel.
func normalizeNonLessonReceipts(db *gorm.DB) error {
	return db.Model(&relay.TxReceipt{}).
		Where("action IN ? AND lesson_index <> ?", []string{string(ledger.ActionEnroll), string(ledger.ActionFinalize)}, -1).
		Update("lesson_index", -1).Error
}
