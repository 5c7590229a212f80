package migrations

import (
	"github.com/ksred/nextrade-api/internal/ledger"
	"gorm.io/gorm"
)

// CreateLedgerTables creates orders, portfolio_positions and trade_history.
func CreateLedgerTables(db *gorm.DB) error {
	return ledger.AutoMigrate(db)
}
