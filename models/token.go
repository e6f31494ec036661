package models

import "time"

type TokenState string

const (
	TokenPending  TokenState = "pending"
	TokenConsumed TokenState = "consumed"
	TokenExpired  TokenState = "expired"
)

// OneTimeToken is a single-use credential bound to a resource and scope.
// Only the pending -> consumed transition is ever stored; expired is derived from ExpiresAt.
type OneTimeToken struct {
	ID         string     `json:"token"`
	ResourceID string     `json:"patient_id"`
	Scope      Scope      `json:"consent_scope"`
	State      TokenState `json:"state"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

func (t *OneTimeToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// StateAt is the state observed at now.
func (t *OneTimeToken) StateAt(now time.Time) TokenState {
	if t.ExpiredAt(now) {
		return TokenExpired
	}
	if t.State == TokenConsumed {
		return TokenConsumed
	}
	return TokenPending
}

func (t *OneTimeToken) Clone() *OneTimeToken {
	out := *t
	out.Scope = t.Scope.Clone()
	if t.ConsumedAt != nil {
		at := *t.ConsumedAt
		out.ConsumedAt = &at
	}
	return &out
}
