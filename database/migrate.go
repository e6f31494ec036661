package database

import (
	"fmt"

	"careconnect-backend/models"

	"gorm.io/gorm"
)

// Migrate applies (idempotent) migrations for the ledger and consent tables:
// - AutoMigrate (tables/columns/unique composite key)
// - lookup indexes used by the purge and consent queries
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.IdempotencyRecord{},
			&models.ConsentGrant{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records (expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_consent_grants_subject_status ON consent_grants (subject_id, status)`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}
		return nil
	})
}
