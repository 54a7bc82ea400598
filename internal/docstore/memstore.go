package docstore

import (
	"context"
	"sync"
)

// MemStore serves documents from memory, for tests and dev mode.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]byte)}
}

// Put stores a decompressed document under caseID.
func (s *MemStore) Put(caseID string, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[caseID] = doc
}

// Fetch implements Store.
func (s *MemStore) Fetch(_ context.Context, caseID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}
