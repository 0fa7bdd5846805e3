package state

import (
	"context"
	"sync"

	"github.com/agentbus-dev/agentbus/agent"
)

// MemoryStore is the in-process default backend: a map from agent id to
// blob, guarded by a RWMutex. Suitable for tests and single-binary use.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[agent.ID][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[agent.ID][]byte),
	}
}

// Save upserts the blob for an agent id.
func (s *MemoryStore) Save(ctx context.Context, id agent.ID, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Copy so later caller mutations don't leak into the store.
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.blobs[id] = stored
	return nil
}

// Load retrieves the blob for an agent id.
func (s *MemoryStore) Load(ctx context.Context, id agent.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	blob, exists := s.blobs[id]
	if !exists {
		return nil, ErrStateNotFound
	}

	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Delete removes the blob for an agent id.
func (s *MemoryStore) Delete(ctx context.Context, id agent.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.blobs, id)
	return nil
}

// Close marks the store closed; further operations fail ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
