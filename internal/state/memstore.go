package state

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used in dev mode and in tests. It mirrors
// the RedisStore semantics (whole-record overwrite, correlation index cleanup
// on delete) without the TTL behaviour — dev processes are short-lived.
type MemStore struct {
	mu     sync.RWMutex
	states map[string]*ProcessingState
	corr   map[string]string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		states: make(map[string]*ProcessingState),
		corr:   make(map[string]string),
	}
}

func (s *MemStore) Save(_ context.Context, st *ProcessingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.CaseID] = st.Clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, caseID string) (*ProcessingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemStore) Delete(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[caseID]; ok {
		if st.QueryCorrID != "" {
			delete(s.corr, st.QueryCorrID)
		}
		if st.UpdateCorrID != "" {
			delete(s.corr, st.UpdateCorrID)
		}
	}
	delete(s.states, caseID)
	return nil
}

func (s *MemStore) MapCorrelation(_ context.Context, correlationID, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corr[correlationID] = caseID
	return nil
}

func (s *MemStore) ResolveCorrelation(_ context.Context, correlationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caseID, ok := s.corr[correlationID]
	if !ok {
		return "", ErrNotFound
	}
	return caseID, nil
}

func (s *MemStore) ScanCaseIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}
