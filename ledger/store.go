package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"careconnect-backend/models"
)

// ErrRecordNotFound is returned by a Store when no record exists for the composite key.
var ErrRecordNotFound = errors.New("idempotency record not found")

// CompositeKey identifies a record: one per (tenant, endpoint, key).
type CompositeKey struct {
	TenantID string
	Endpoint string
	Key      string
}

func (k CompositeKey) String() string {
	return k.TenantID + ":" + k.Endpoint + ":" + k.Key
}

// Store is the backing store for idempotency records. Implementations need no locking of
// their own for correctness per key; the Ledger serializes access to each composite key.
type Store interface {
	Get(ctx context.Context, key CompositeKey) (*models.IdempotencyRecord, error)
	Upsert(ctx context.Context, rec *models.IdempotencyRecord) error
	Delete(ctx context.Context, key CompositeKey) error
}

// Claimer is implemented by stores shared between processes. Claim inserts rec only when no
// row exists for its composite key and reports whether this caller inserted it. The Ledger
// uses it so that exactly one process executes a key, not just one goroutine.
type Claimer interface {
	Claim(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
}

// Purger is implemented by stores that can drop expired records in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[CompositeKey]*models.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[CompositeKey]*models.IdempotencyRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key CompositeKey) (*models.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec *models.IdempotencyRecord) error {
	key := CompositeKey{TenantID: rec.TenantID, Endpoint: rec.Endpoint, Key: rec.Key}
	s.mu.Lock()
	s.records[key] = copyRecord(rec)
	s.mu.Unlock()
	return nil
}

// Claim lets several Ledgers share one MemoryStore the way replicas share a database.
func (s *MemoryStore) Claim(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	key := CompositeKey{TenantID: rec.TenantID, Endpoint: rec.Endpoint, Key: rec.Key}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = copyRecord(rec)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key CompositeKey) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.ExpiredAt(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyRecord(rec *models.IdempotencyRecord) *models.IdempotencyRecord {
	out := *rec
	out.Body = append([]byte(nil), rec.Body...)
	return &out
}
