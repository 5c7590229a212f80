package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes adds the indexes behind the ledger's listing queries
func AddLedgerIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Reverse-chronological order listing per user
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created
		 ON orders(user_id, created_at)`,

		// Status filter on order listing
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		// Symbol filter on order listing
		`CREATE INDEX IF NOT EXISTS idx_orders_user_symbol
		 ON orders(user_id, symbol)`,

		// Trade history listing per user, optionally by symbol
		`CREATE INDEX IF NOT EXISTS idx_trade_history_user_timestamp
		 ON trade_history(user_id, timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_trade_history_user_symbol
		 ON trade_history(user_id, symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
