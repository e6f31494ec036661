package database

import (
	"context"
	"errors"
	"time"

	"careconnect-backend/ledger"
	"careconnect-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore keeps idempotency records in Postgres.
type LedgerStore struct {
	db *gorm.DB
}

func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Get(ctx context.Context, key ledger.CompositeKey) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint = ? AND key = ?", key.TenantID, key.Endpoint, key.Key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert writes the record; an existing row for the same composite key is replaced, which
// only happens after the previous row expired.
func (s *LedgerStore) Upsert(ctx context.Context, rec *models.IdempotencyRecord) error {
	row := *rec
	row.ID = 0
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "endpoint"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"payload_hash", "result_fingerprint", "status_code", "body", "created_at", "expires_at",
		}),
	}).Create(&row).Error
}

// Claim inserts a pending row under the composite unique index. Losing the insert means
// another process already holds or finished the key.
func (s *LedgerStore) Claim(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	row := *rec
	row.ID = 0
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *LedgerStore) Delete(ctx context.Context, key ledger.CompositeKey) error {
	return s.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint = ? AND key = ?", key.TenantID, key.Endpoint, key.Key).
		Delete(&models.IdempotencyRecord{}).Error
}

func (s *LedgerStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.IdempotencyRecord{})
	return int(res.RowsAffected), res.Error
}
