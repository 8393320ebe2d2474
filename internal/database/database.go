package database

import (
	"fmt"

	"github.com/ksred/klear-ledger/internal/database/migrations"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notification"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tweaks how the database is opened
type Options struct {
	// Quiet silences the gorm query logger (used by tests)
	Quiet bool
}

// NewDatabase opens the sqlite database at dsn, runs migrations and returns
// the GORM handle. A single connection is used so writers never race on the
// sqlite file lock; optimistic version checks still guard every balance.
func NewDatabase(dsn string, opts Options) (*gorm.DB, error) {
	logLevel := logger.Warn
	if opts.Quiet {
		logLevel = logger.Silent
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddCopyTradingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&ledger.ReferralBonus{},
		&ledger.ProfitCredit{},
		&notification.Notification{},
		&notification.Message{},
		&notification.MessageRecipient{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
