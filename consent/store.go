package consent

import (
	"context"
	"errors"
	"sync"

	"careconnect-backend/models"
)

var ErrGrantNotFound = errors.New("consent grant not found")

// Store holds consent grants. ListBySubject backs every gated read.
type Store interface {
	Get(ctx context.Context, id string) (*models.ConsentGrant, error)
	Upsert(ctx context.Context, grant *models.ConsentGrant) error
	Delete(ctx context.Context, id string) error
	ListBySubject(ctx context.Context, subjectID string) ([]*models.ConsentGrant, error)
}

// MemoryStore is a read-mostly grant store indexed by id and by subject.
type MemoryStore struct {
	mu        sync.RWMutex
	grants    map[string]*models.ConsentGrant
	bySubject map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:    make(map[string]*models.ConsentGrant),
		bySubject: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ConsentGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return g.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, grant *models.ConsentGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.grants[grant.ID]; ok && prev.SubjectID != grant.SubjectID {
		s.unindexLocked(prev)
	}
	s.grants[grant.ID] = grant.Clone()
	ids, ok := s.bySubject[grant.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		s.bySubject[grant.SubjectID] = ids
	}
	ids[grant.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grants[id]; ok {
		s.unindexLocked(g)
		delete(s.grants, id)
	}
	return nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID string) ([]*models.ConsentGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySubject[subjectID]
	out := make([]*models.ConsentGrant, 0, len(ids))
	for id := range ids {
		out = append(out, s.grants[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) unindexLocked(g *models.ConsentGrant) {
	ids := s.bySubject[g.SubjectID]
	delete(ids, g.ID)
	if len(ids) == 0 {
		delete(s.bySubject, g.SubjectID)
	}
}
