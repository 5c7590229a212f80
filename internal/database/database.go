package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/nextrade-api/internal/database/migrations"
)

// NewDatabase opens the sqlite file at path and runs every migration. It can
// be called any number of times against the same file.
func NewDatabase(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// One connection serialises writers, which the position read-modify-write
	// relies on.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("path", path).Msg("database ready")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	steps := []struct {
		name string
		fn   func(*gorm.DB) error
	}{
		{"create_ledger_tables", migrations.CreateLedgerTables},
		{"add_ledger_indexes", migrations.AddLedgerIndexes},
		{"create_checkpoints", migrations.CreateCheckpoints},
	}
	for _, step := range steps {
		if err := step.fn(db); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}
