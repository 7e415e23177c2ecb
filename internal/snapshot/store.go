package snapshot

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

func errNotFound(sessionID string) error {
	return fmt.Errorf("snapshot: no summary stored for session %q", sessionID)
}

// Store persists Summary values keyed by session ID.
type Store interface {
	Save(ctx context.Context, s Summary) error
	Load(ctx context.Context, sessionID string) (Summary, error)
	Close() error
}

// MemoryStore is an in-process Store, used for tests and single-cycle runs
// with no persistence requirement.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Summary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Summary)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.SessionID] = s
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, sessionID string) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return Summary{}, errNotFound(sessionID)
	}
	return s, nil
}

// Close implements Store; it is a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }

// YAML renders s in the alternate human-readable form an operator can
// request instead of JSON, byte-identical for the same logical state.
func YAML(s Summary) ([]byte, error) {
	return yaml.Marshal(s)
}
