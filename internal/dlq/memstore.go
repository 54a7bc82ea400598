package dlq

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store for dev mode and tests.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CaseID] = rec
	s.order = append(s.order, rec.CaseID)
	return nil
}

func (s *MemStore) Get(_ context.Context, caseID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids, nil
}

func (s *MemStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.order)), nil
}

func (s *MemStore) Remove(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, caseID)
	for i, id := range s.order {
		if id == caseID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
