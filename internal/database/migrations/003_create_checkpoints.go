package migrations

import (
	"github.com/ksred/nextrade-api/internal/checkpoint"
	"gorm.io/gorm"
)

// CreateCheckpoints creates the table backing durable thread and approval state.
func CreateCheckpoints(db *gorm.DB) error {
	return checkpoint.AutoMigrate(db)
}
