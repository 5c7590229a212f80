package database

import (
	"path/filepath"
	"testing"
)

func TestNewDatabase_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	first, err := NewDatabase(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Exec(
		`INSERT INTO orders (order_id, user_id, symbol, action, shares, price, total_amount, order_type, status, created_at, updated_at)
		 VALUES ('o-1', 'alice', 'AAPL', 'buy', 1, 10, 10, 'limit', 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
	).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	sqlDB, _ := first.DB()
	sqlDB.Close()

	second, err := NewDatabase(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() {
		if s, err := second.DB(); err == nil {
			s.Close()
		}
	})

	for _, table := range []string{"orders", "portfolio_positions", "trade_history", "checkpoints"} {
		if !second.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
	for _, idx := range []string{"idx_orders_user_created", "idx_trade_history_user_timestamp"} {
		var n int64
		second.Raw(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, idx).Scan(&n)
		if n != 1 {
			t.Errorf("index %s count = %d, want 1", idx, n)
		}
	}

	var orders int64
	second.Table("orders").Count(&orders)
	if orders != 1 {
		t.Fatalf("orders after reopen = %d, want 1", orders)
	}
}
