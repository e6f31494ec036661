// Package consent decides whether a requester holds an active grant for a subject's data.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"careconnect-backend/models"
	"careconnect-backend/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrConsentDenied    = errors.New("consent required")
	ErrStoreUnavailable = errors.New("consent store unavailable")
	ErrInvalidGrant     = errors.New("invalid consent grant")
)

// DeniedError carries the subject a read was refused for.
type DeniedError struct {
	SubjectID string
	Message   string
}

func (e *DeniedError) Error() string { return e.Message }

func (e *DeniedError) Is(target error) bool { return target == ErrConsentDenied }

type Gate struct {
	store Store
	locks *utils.KeyLock
	log   logrus.FieldLogger
	now   func() time.Time
}

type Option func(*Gate)

func WithLogger(log logrus.FieldLogger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{
		store: store,
		locks: utils.NewKeyLock(),
		log:   logrus.StandardLogger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check is true iff a currently active grant for subjectID names requesterID (or any grantee)
// and covers every category in scope. Any evaluation failure is a denial.
func (g *Gate) Check(ctx context.Context, subjectID, requesterID string, scope models.Scope) bool {
	ok, err := g.evaluate(ctx, subjectID, requesterID, scope)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"patient_id": subjectID,
			"error":      err.Error(),
		}).Error("consent_check_failed")
		return false
	}
	return ok
}

// Require returns nil when Check would be true. A denial is a *DeniedError; a store
// failure is returned wrapped in ErrStoreUnavailable and is never treated as allowed.
func (g *Gate) Require(ctx context.Context, subjectID, requesterID string, scope models.Scope) error {
	ok, err := g.evaluate(ctx, subjectID, requesterID, scope)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"patient_id": subjectID,
			"error":      err.Error(),
		}).Error("consent_check_failed")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		g.log.WithFields(logrus.Fields{
			"patient_id":   subjectID,
			"requester_id": requesterID,
			"scope":        []string(scope),
		}).Info("consent_denied")
		return &DeniedError{
			SubjectID: subjectID,
			Message:   fmt.Sprintf("Active consent required for patient %s", subjectID),
		}
	}
	return nil
}

func (g *Gate) evaluate(ctx context.Context, subjectID, requesterID string, scope models.Scope) (bool, error) {
	if strings.TrimSpace(subjectID) == "" || len(scope.Normalize()) == 0 {
		return false, nil
	}
	grants, err := g.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return false, err
	}
	now := g.now()
	for _, grant := range grants {
		if grant.SubjectID == subjectID &&
			grant.IsActive(now) &&
			grant.AllowsGrantee(requesterID) &&
			grant.Scope.Covers(scope) {
			return true, nil
		}
	}
	return false, nil
}

// Store upserts a grant by id. Missing id, status and created_at are filled in.
func (g *Gate) Store(ctx context.Context, grant *models.ConsentGrant) error {
	if grant == nil {
		return ErrInvalidGrant
	}
	grant.SubjectID = strings.TrimSpace(grant.SubjectID)
	grant.Scope = grant.Scope.Normalize()
	if grant.SubjectID == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidGrant)
	}
	if len(grant.Scope) == 0 {
		return fmt.Errorf("%w: scope must not be empty", ErrInvalidGrant)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	switch grant.Status {
	case "":
		grant.Status = models.ConsentActive
	case models.ConsentActive, models.ConsentExpired, models.ConsentRevoked:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidGrant, grant.Status)
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = g.now()
	}
	if grant.GranteeID != nil && strings.TrimSpace(*grant.GranteeID) == "" {
		grant.GranteeID = nil
	}
	unlock, err := g.locks.Lock(ctx, grant.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := g.store.Upsert(ctx, grant); err != nil {
		return fmt.Errorf("store consent: %w", err)
	}
	g.log.WithFields(logrus.Fields{
		"consent_id": grant.ID,
		"patient_id": grant.SubjectID,
		"expires_at": grant.ExpiresAt.UTC().Format(time.RFC3339),
	}).Info("consent_stored")
	return nil
}

func (g *Gate) Get(ctx context.Context, id string) (*models.ConsentGrant, error) {
	return g.store.Get(ctx, id)
}

// Revoke marks a grant revoked. Revoking twice is not an error.
func (g *Gate) Revoke(ctx context.Context, id string) (*models.ConsentGrant, error) {
	unlock, err := g.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	grant, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if grant.Status == models.ConsentRevoked {
		return grant, nil
	}
	grant.Status = models.ConsentRevoked
	if err := g.store.Upsert(ctx, grant); err != nil {
		return nil, fmt.Errorf("revoke consent: %w", err)
	}
	g.log.WithField("consent_id", id).Info("consent_revoked")
	return grant, nil
}
