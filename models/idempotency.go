package models

import "time"

// IdempotencyRecord stores the first successful response for a (tenant, endpoint, key).
// PayloadHash and ExpiresAt are fixed when the record is written; a replay never touches them.
// A row with StatusCode 0 is a pending claim held by a caller that is still executing.
type IdempotencyRecord struct {
	ID                uint      `json:"-" gorm:"primaryKey"`
	TenantID          string    `json:"tenant_id" gorm:"size:128;not null;uniqueIndex:ux_idem_tenant_endpoint_key,priority:1"`
	Endpoint          string    `json:"endpoint" gorm:"size:255;not null;uniqueIndex:ux_idem_tenant_endpoint_key,priority:2"`
	Key               string    `json:"key" gorm:"size:128;not null;uniqueIndex:ux_idem_tenant_endpoint_key,priority:3"`
	PayloadHash       string    `json:"payload_hash" gorm:"size:64;not null"`       // sha256 of raw request body
	ResultFingerprint string    `json:"result_fingerprint" gorm:"size:64;not null"` // sha256 of response body
	StatusCode        int       `json:"status_code" gorm:"not null;default:0"`
	Body              []byte    `json:"-" gorm:"type:bytea"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at" gorm:"not null;index"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// ExpiredAt reports whether the record is no longer valid at now.
func (r *IdempotencyRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Pending reports whether the row is a claim whose result is not recorded yet.
func (r *IdempotencyRecord) Pending() bool {
	return r.StatusCode == 0
}
