package tokens

import (
	"context"
	"sync"
	"time"

	"careconnect-backend/models"
)

// Store persists one-time tokens. The Registry serializes access per token id.
// Get returns ErrNotFound when the id is unknown.
type Store interface {
	Get(ctx context.Context, id string) (*models.OneTimeToken, error)
	Upsert(ctx context.Context, tok *models.OneTimeToken) error
	Delete(ctx context.Context, id string) error
}

// Swapper is implemented by stores shared between processes. CompareAndSwap writes next only
// while the stored token is still in state from, and reports whether it did. A missing token
// is ErrNotFound.
type Swapper interface {
	CompareAndSwap(ctx context.Context, next *models.OneTimeToken, from models.TokenState) (bool, error)
}

// Purger is implemented by stores that can drop expired tokens in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*models.OneTimeToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*models.OneTimeToken)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.OneTimeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tok.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, tok *models.OneTimeToken) error {
	s.mu.Lock()
	s.tokens[tok.ID] = tok.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *models.OneTimeToken, from models.TokenState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.State != from {
		return false, nil
	}
	s.tokens[next.ID] = next.Clone()
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.tokens, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tok := range s.tokens {
		if tok.ExpiredAt(now) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
