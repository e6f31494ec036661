package models

import "time"

const (
	ConsentActive  = "active"
	ConsentExpired = "expired"
	ConsentRevoked = "revoked"
)

// ConsentGrant permits a grantee (or anyone, when GranteeID is nil) to read a subject's data
// within Scope until ExpiresAt.
type ConsentGrant struct {
	ID        string    `json:"consent_id" gorm:"primaryKey;size:64"`
	SubjectID string    `json:"patient_id" gorm:"size:128;not null;index"`
	GranteeID *string   `json:"grantee_id" gorm:"size:128"`
	Scope     Scope     `json:"scope" gorm:"type:jsonb;not null"`
	Purpose   string    `json:"purpose" gorm:"size:255"`
	Status    string    `json:"status" gorm:"size:16;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (ConsentGrant) TableName() string { return "consent_grants" }

// IsActive reports whether the grant is usable at now. Time-based expiry is evaluated here,
// never written back to Status.
func (g *ConsentGrant) IsActive(now time.Time) bool {
	return g.Status == ConsentActive && now.Before(g.ExpiresAt)
}

// AllowsGrantee is true for a wildcard grant or a grant issued to requesterID.
func (g *ConsentGrant) AllowsGrantee(requesterID string) bool {
	return g.GranteeID == nil || *g.GranteeID == requesterID
}

// Clone returns a deep copy.
func (g *ConsentGrant) Clone() *ConsentGrant {
	out := *g
	out.Scope = g.Scope.Clone()
	if g.GranteeID != nil {
		id := *g.GranteeID
		out.GranteeID = &id
	}
	return &out
}
