package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/superteam-academy/backend/internal/catalog"
	"github.com/superteam-academy/backend/internal/leaderboard"
	"github.com/superteam-academy/backend/internal/relay"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations
// for the mirror store.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&catalog.Course{}, &relay.TxReceipt{}, &leaderboard.DisplayProfile{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := migrateWalletKeys(db); err != nil && logger != nil {
		logger.Warn("wallet key migration failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// migrateWalletKeys strips the legacy "wallet:" key prefix that early mirror
// snapshots stored before wallets became the bare key.
func migrateWalletKeys(db *gorm.DB) error {
	const prefix = "wallet:"
	start := len(prefix) + 1
	updateProfiles := fmt.Sprintf("UPDATE display_profiles SET wallet = substr(wallet, %d) WHERE wallet LIKE '%s%%';", start, prefix)
	if err := db.Exec(updateProfiles).Error; err != nil {
		return err
	}
	updateReceipts := fmt.Sprintf("UPDATE tx_receipts SET learner = substr(learner, %d) WHERE learner LIKE '%s%%';", start, prefix)
	return db.Exec(updateReceipts).Error
}
