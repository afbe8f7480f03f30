package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, projectID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[projectID] = append([]byte(nil), data...)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, projectID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[projectID]
	if !ok {
		return nil, ErrNotFound.WithContext("project_id", projectID)
	}
	return append([]byte(nil), d...), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[projectID]; !ok {
		return ErrNotFound.WithContext("project_id", projectID)
	}
	delete(m.data, projectID)
	return nil
}
