package cachestore

import (
	"context"
	"sync"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

// MemoryBackend is an in-process Backend for tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*wire.CacheEntry
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*wire.CacheEntry)}
}

func (m *MemoryBackend) Get(_ context.Context, contentHash string) (*wire.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[contentHash], nil
}

func (m *MemoryBackend) Put(_ context.Context, entry *wire.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Fingerprint.ContentHash] = entry
	return nil
}

func (m *MemoryBackend) MarkRevoked(_ context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[contentHash]; ok {
		e.Revoked = true
	}
	return nil
}

func (m *MemoryBackend) Evict(_ context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, contentHash)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
