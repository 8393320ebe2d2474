package migrations

import (
	"github.com/ksred/klear-ledger/internal/ledger"
	"gorm.io/gorm"
)

// AddCopyTradingIndexes creates the trader, trade, follow and copy trade
// tables. Uniqueness of (trade, follower) and (account, trader) is declared
// on the models; the indexes here serve the reconciler and history queries.
func AddCopyTradingIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ledger.TraderProfile{},
		&ledger.Trade{},
		&ledger.Follow{},
		&ledger.CopyTrade{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Reconciler scan for executed trades with failed followers
		`CREATE INDEX IF NOT EXISTS idx_trades_status_failed
		 ON trades(status, failed_copies)`,

		// Copy trade history per follower
		`CREATE INDEX IF NOT EXISTS idx_copy_trades_follower_executed
		 ON copy_trades(follower_account_id, executed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
