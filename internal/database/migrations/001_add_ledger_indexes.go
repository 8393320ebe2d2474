package migrations

import (
	"github.com/ksred/klear-ledger/internal/ledger"
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the account and transaction tables and the
// indexes used by the approval queue and admin listings
func AddLedgerIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Account{}, &ledger.Transaction{}); err != nil {
		return err
	}

	indexes := []string{
		// Pending queue per account
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_status
		 ON transactions(account_id, status)`,

		// Admin filters and dashboard sums
		`CREATE INDEX IF NOT EXISTS idx_transactions_kind_status
		 ON transactions(kind, status)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at
		 ON transactions(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
