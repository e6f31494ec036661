// Package tokens issues single-use, scope-bound tokens and consumes each at most once.
package tokens

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

const (
	DefaultMinTTL = 60 * time.Second
	DefaultMaxTTL = 600 * time.Second
	DefaultTTL    = 300 * time.Second
)

var (
	ErrNotFound        = errors.New("token not found or expired")
	ErrAlreadyConsumed = errors.New("token already consumed")
	ErrInvalidRequest  = errors.New("invalid token request")
)

// Policy bounds the ttl a caller may ask for. Out of range requests are rejected.
type Policy struct {
	MinTTL time.Duration
	MaxTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MinTTL: DefaultMinTTL, MaxTTL: DefaultMaxTTL}
}

// Issued is what the issuer hands back to the patient.
type Issued struct {
	Token     string
	Payload   string
	ExpiresAt time.Time
}

// Binding is the session created by a successful consume.
type Binding struct {
	SessionID  string
	ResourceID string
	Scope      models.Scope
}

type Registry struct {
	store    Store
	renderer Renderer
	policy   Policy
	locks    *utils.KeyLock
	log      logrus.FieldLogger
	now      func() time.Time
	newID    func() string
}

type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		if p.MinTTL > 0 && p.MaxTTL >= p.MinTTL {
			r.policy = p
		}
	}
}

func WithRenderer(rd Renderer) Option {
	return func(r *Registry) {
		if rd != nil {
			r.renderer = rd
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		renderer: NewQRRenderer(),
		policy:   DefaultPolicy(),
		locks:    utils.NewKeyLock(),
		log:      logrus.StandardLogger(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Policy() Policy { return r.policy }

// Issue creates a pending token for resourceID. ttl must lie within the policy bounds.
func (r *Registry) Issue(ctx context.Context, resourceID string, scope models.Scope, ttl time.Duration) (*Issued, error) {
	resourceID = strings.TrimSpace(resourceID)
	scope = scope.Normalize()
	switch {
	case resourceID == "":
		return nil, fmt.Errorf("%w: resource is required", ErrInvalidRequest)
	case len(scope) == 0:
		return nil, fmt.Errorf("%w: scope must not be empty", ErrInvalidRequest)
	case ttl < r.policy.MinTTL || ttl > r.policy.MaxTTL:
		return nil, fmt.Errorf("%w: ttl %s outside [%s, %s]", ErrInvalidRequest, ttl, r.policy.MinTTL, r.policy.MaxTTL)
	}

	id := r.newID()
	payload, err := r.renderer.Render(id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	tok := &models.OneTimeToken{
		ID:         id,
		ResourceID: resourceID,
		Scope:      scope,
		State:      models.TokenPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := r.store.Upsert(ctx, tok); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"token":      id,
		"patient_id": resourceID,
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
	}).Info("qr_session_created")

	return &Issued{Token: id, Payload: payload, ExpiresAt: tok.ExpiresAt}, nil
}

// Consume moves a pending token to consumed and binds it to consumerID. Exactly one caller
// wins per token; the rest see ErrAlreadyConsumed. Unknown and expired tokens are
// indistinguishable (ErrNotFound) and expired ones are purged on the way.
func (r *Registry) Consume(ctx context.Context, tokenID, consumerID string) (*Binding, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil, ErrNotFound
	}
	if strings.TrimSpace(consumerID) == "" {
		return nil, fmt.Errorf("%w: consumer is required", ErrInvalidRequest)
	}

	unlock, err := r.locks.Lock(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, err := r.store.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if tok.ExpiredAt(now) {
		if err := r.store.Delete(ctx, tokenID); err != nil {
			r.log.WithField("token", tokenID).WithError(err).Warn("qr_session_purge_failed")
		}
		return nil, ErrNotFound
	}
	if tok.State == models.TokenConsumed {
		return nil, ErrAlreadyConsumed
	}

	tok.State = models.TokenConsumed
	tok.ConsumedBy = consumerID
	tok.SessionID = r.newID()
	tok.ConsumedAt = &now
	if err := r.save(ctx, tok); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"token":        tokenID,
		"clinician_id": consumerID,
		"session_id":   tok.SessionID,
	}).Info("qr_session_consumed")

	return &Binding{SessionID: tok.SessionID, ResourceID: tok.ResourceID, Scope: tok.Scope.Clone()}, nil
}

// save records the consumed token. Shared stores get a compare-and-set so that a replica
// racing on the same token cannot also win.
func (r *Registry) save(ctx context.Context, tok *models.OneTimeToken) error {
	sw, ok := r.store.(Swapper)
	if !ok {
		if err := r.store.Upsert(ctx, tok); err != nil {
			return fmt.Errorf("consume token: %w", err)
		}
		return nil
	}
	swapped, err := sw.CompareAndSwap(ctx, tok, models.TokenPending)
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("consume token: %w", err)
	case !swapped:
		return ErrAlreadyConsumed
	}
	return nil
}

// Peek reports the token as seen now without consuming or purging it.
func (r *Registry) Peek(ctx context.Context, tokenID string) (*models.OneTimeToken, error) {
	unlock, err := r.locks.Lock(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, err := r.store.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	tok.State = tok.StateAt(r.now())
	return tok, nil
}

// Sweep purges expired tokens when the store supports it. Consume and Peek never rely on it.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	p, ok := r.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, r.now())
}
