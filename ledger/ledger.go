// Package ledger deduplicates retried mutations keyed by (tenant, endpoint, idempotency key).
//
// A call goes through Begin, which either replays a stored result, rejects a conflicting
// payload, or admits the call. An admitted call holds the key until Commit or Abort, so two
// callers can never both execute the same mutation. Within a process the key is held by a
// lock; stores that implement Claimer extend this across processes with a pending row, and a
// caller that finds another process's pending row gets ErrInFlight.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"careconnect-backend/models"
	"careconnect-backend/utils"

	"github.com/sirupsen/logrus"
)

const DefaultTTL = 24 * time.Hour

// DefaultClaimLease bounds how long a pending claim blocks its key when the process that
// wrote it never commits.
const DefaultClaimLease = 5 * time.Minute

// MaxKeyLength bounds the client supplied Idempotency-Key.
const MaxKeyLength = 128

var (
	ErrKeyMissing  = errors.New("idempotency key required")
	ErrKeyTooLong  = errors.New("idempotency key too long")
	ErrConflict    = errors.New("idempotency key reused with different payload")
	ErrNotAdmitted = errors.New("admission is not a new mutation")
	ErrInFlight    = errors.New("idempotency key is being processed")
)

type Outcome int

const (
	OutcomeNew Outcome = iota + 1
	OutcomeReplay
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Ledger owns the store and the per-key locks.
type Ledger struct {
	store      Store
	ttl        time.Duration
	claimLease time.Duration
	locks      *utils.KeyLock
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Ledger)

// WithTTL sets how long committed records are replayed. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClaimLease sets how long a pending claim in a shared store survives its writer.
func WithClaimLease(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.claimLease = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		ttl:        DefaultTTL,
		claimLease: DefaultClaimLease,
		locks:      utils.NewKeyLock(),
		log:        logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) TTL() time.Duration { return l.ttl }

// HashPayload is the sha256 hex digest of the raw request body.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks a client supplied key before Begin is called.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyMissing
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// Admission is the result of Begin. For OutcomeNew it holds the composite key until Commit
// or Abort is called; the other outcomes hold nothing.
type Admission struct {
	Outcome     Outcome
	Key         CompositeKey
	PayloadHash string
	// Record is the stored result for OutcomeReplay.
	Record *models.IdempotencyRecord

	ledger  *Ledger
	release func()
	claimed bool
	done    bool
}

// Begin looks up the composite key and decides whether the caller may execute.
// On OutcomeNew the caller must later call Commit or Abort exactly once.
func (l *Ledger) Begin(ctx context.Context, tenantID, endpoint, key string, payload []byte) (*Admission, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	// callers may hand in strings backed by reused request buffers; the key outlives the call
	ck := CompositeKey{
		TenantID: strings.Clone(tenantID),
		Endpoint: strings.Clone(endpoint),
		Key:      strings.Clone(strings.TrimSpace(key)),
	}
	hash := HashPayload(payload)

	release, err := l.locks.Lock(ctx, ck.String())
	if err != nil {
		return nil, fmt.Errorf("wait for idempotency key: %w", err)
	}

	rec, err := l.lookup(ctx, ck)
	if err != nil {
		release()
		return nil, err
	}

	claimed := false
	if rec == nil {
		if c, ok := l.store.(Claimer); ok {
			won, err := c.Claim(ctx, l.pendingRecord(ck, hash))
			if err != nil {
				release()
				return nil, fmt.Errorf("idempotency claim: %w", err)
			}
			if won {
				claimed = true
			} else if rec, err = l.lookup(ctx, ck); err != nil {
				release()
				return nil, err
			} else if rec == nil {
				// the winner already gave the key back; let the client retry
				release()
				return nil, ErrInFlight
			}
		}
	}

	adm := &Admission{Key: ck, PayloadHash: hash, ledger: l}
	switch {
	case rec == nil:
		adm.Outcome = OutcomeNew
		adm.release = release
		adm.claimed = claimed
		return adm, nil
	case rec.PayloadHash != hash:
		release()
		adm.Outcome = OutcomeConflict
		adm.done = true
		l.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"endpoint":  endpoint,
		}).Warn("idempotency_conflict")
		return adm, ErrConflict
	case rec.Pending():
		release()
		l.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"endpoint":  endpoint,
		}).Info("idempotency_in_flight")
		return nil, ErrInFlight
	default:
		release()
		adm.Outcome = OutcomeReplay
		adm.Record = rec
		adm.done = true
		l.log.WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"endpoint":    endpoint,
			"status_code": rec.StatusCode,
		}).Info("idempotency_replay")
		return adm, nil
	}
}

// lookup returns the live record for ck, or nil. Expired records are deleted on the way.
func (l *Ledger) lookup(ctx context.Context, ck CompositeKey) (*models.IdempotencyRecord, error) {
	rec, err := l.store.Get(ctx, ck)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.ExpiredAt(l.now()) {
		if err := l.store.Delete(ctx, ck); err != nil {
			return nil, fmt.Errorf("idempotency purge: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

func (l *Ledger) pendingRecord(ck CompositeKey, hash string) *models.IdempotencyRecord {
	now := l.now()
	return &models.IdempotencyRecord{
		TenantID:    ck.TenantID,
		Endpoint:    ck.Endpoint,
		Key:         ck.Key,
		PayloadHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.claimLease),
	}
}

// Commit stores the result of an admitted mutation and releases the key. Only 2xx results
// are stored; anything else leaves the key free for a retry. The write is not cancelled
// with ctx: once the mutation ran, its result is recorded.
func (a *Admission) Commit(ctx context.Context, statusCode int, body []byte) error {
	if a.Outcome != OutcomeNew {
		return ErrNotAdmitted
	}
	if a.done {
		return nil
	}
	defer a.finish()
	ctx = context.WithoutCancel(ctx)

	if statusCode < 200 || statusCode > 299 {
		return a.dropClaim(ctx)
	}

	now := a.ledger.now()
	rec := &models.IdempotencyRecord{
		TenantID:          a.Key.TenantID,
		Endpoint:          a.Key.Endpoint,
		Key:               a.Key.Key,
		PayloadHash:       a.PayloadHash,
		ResultFingerprint: HashPayload(body),
		StatusCode:        statusCode,
		Body:              append([]byte(nil), body...),
		CreatedAt:         now,
		ExpiresAt:         now.Add(a.ledger.ttl),
	}
	if err := a.ledger.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("idempotency commit: %w", err)
	}
	return nil
}

// Abort releases the key without storing anything. Safe to call after Commit.
func (a *Admission) Abort() {
	if a.done {
		return
	}
	defer a.finish()
	if err := a.dropClaim(context.Background()); err != nil {
		a.ledger.log.WithError(err).WithField("endpoint", a.Key.Endpoint).Warn("idempotency_claim_release_failed")
	}
}

// dropClaim removes the pending row written by Begin, if any. A row left behind by a crash
// expires after the claim lease.
func (a *Admission) dropClaim(ctx context.Context) error {
	if !a.claimed {
		return nil
	}
	if err := a.ledger.store.Delete(ctx, a.Key); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func (a *Admission) finish() {
	a.done = true
	if a.release != nil {
		a.release()
	}
}

// Request describes one mutating call for Execute.
type Request struct {
	TenantID string
	Endpoint string
	Key      string
	Payload  []byte
}

// Response is the status code and body produced by a mutation or replayed from the ledger.
type Response struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

// Execute runs fn at most once per composite key. It either replays the stored response
// without calling fn, or calls fn and commits what it returned. If fn fails the key is
// released with nothing stored.
func (l *Ledger) Execute(ctx context.Context, req Request, fn func(ctx context.Context) (Response, error)) (Response, error) {
	adm, err := l.Begin(ctx, req.TenantID, req.Endpoint, req.Key, req.Payload)
	if err != nil {
		return Response{}, err
	}
	if adm.Outcome == OutcomeReplay {
		return Response{StatusCode: adm.Record.StatusCode, Body: adm.Record.Body, Replayed: true}, nil
	}

	resp, err := func() (resp Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				adm.Abort()
				panic(r)
			}
		}()
		return fn(ctx)
	}()
	if err != nil {
		adm.Abort()
		return Response{}, err
	}
	if err := adm.Commit(ctx, resp.StatusCode, resp.Body); err != nil {
		return resp, err
	}
	return resp, nil
}

// Sweep drops expired records when the store supports bulk purging.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	p, ok := l.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, l.now())
}
