// Package cachestore implements the CacheStore collaborator: a durable
// content_hash -> CacheEntry map, scoped by partition_key, fronted by an
// in-memory LRU (hashicorp/golang-lru/v2) that promotes from the
// persistent backing store on miss.
package cachestore

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

var log = logging.Component("cachestore")

// Backend is the durable half of a two-tier CacheStore. SQLiteBackend is
// the production implementation; tests may substitute an in-memory one.
type Backend interface {
	Get(ctx context.Context, contentHash string) (*wire.CacheEntry, error)
	Put(ctx context.Context, entry *wire.CacheEntry) error
	MarkRevoked(ctx context.Context, contentHash string) error
	Evict(ctx context.Context, contentHash string) error
}

// Store is the CacheStore contract, layered over an
// in-memory LRU and a durable Backend.
type Store struct {
	memory  *lru.Cache[string, *wire.CacheEntry]
	backend Backend
}

// New constructs a Store. maxMemoryEntries bounds the in-memory LRU tier;
// backend persists everything durably (may be nil for a memory-only store,
// useful in tests).
func New(backend Backend, maxMemoryEntries int) (*Store, error) {
	if maxMemoryEntries <= 0 {
		maxMemoryEntries = 10_000
	}
	mem, err := lru.New[string, *wire.CacheEntry](maxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("cachestore: creating LRU: %w", err)
	}
	return &Store{memory: mem, backend: backend}, nil
}

// Get returns the entry for contentHash, or nil if absent. It checks the
// in-memory tier first, falling through to the backend and promoting on
// hit.
func (s *Store) Get(ctx context.Context, contentHash string) (*wire.CacheEntry, error) {
	if entry, ok := s.memory.Get(contentHash); ok {
		return entry, nil
	}

	if s.backend == nil {
		return nil, nil
	}

	entry, err := s.backend.Get(ctx, contentHash)
	if err != nil {
		return nil, fmt.Errorf("cachestore: backend get: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	s.memory.Add(contentHash, entry)
	return entry, nil
}

// Put writes entry to both tiers. Following the two-phase write
// protocol, the caller is responsible for calling VectorIndex.upsert
// before Put; Put itself only persists the CacheStore side.
func (s *Store) Put(ctx context.Context, entry *wire.CacheEntry) error {
	if s.backend != nil {
		if err := s.backend.Put(ctx, entry); err != nil {
			return fmt.Errorf("cachestore: backend put: %w", err)
		}
	}
	s.memory.Add(entry.Fingerprint.ContentHash, entry)
	return nil
}

// MarkRevoked sets the revocation bit without removing the entry from the
// VectorIndex: subsequent Get calls return the entry with
// Revoked=true.
func (s *Store) MarkRevoked(ctx context.Context, contentHash string) error {
	if s.backend != nil {
		if err := s.backend.MarkRevoked(ctx, contentHash); err != nil {
			return fmt.Errorf("cachestore: backend mark_revoked: %w", err)
		}
	}
	if entry, ok := s.memory.Get(contentHash); ok {
		entry.Revoked = true
	}
	return nil
}

// Evict physically removes the entry from both tiers. It does not touch
// the VectorIndex: the Store holds no index reference, and removing the
// index entry is left to the caller.
func (s *Store) Evict(ctx context.Context, contentHash string) error {
	if s.backend != nil {
		if err := s.backend.Evict(ctx, contentHash); err != nil {
			return fmt.Errorf("cachestore: backend evict: %w", err)
		}
	}
	s.memory.Remove(contentHash)
	return nil
}

// Purge deletes from the backing store every entry whose last_verified_at
// is older than olderThanSeconds, and drops those entries (and any revoked
// ones) from the in-memory tier. It takes no partition key: one call
// applies the same age cutoff to all partitions. With a backend that has
// no age sweep it does nothing. Left to the caller to schedule on a ticker.
func (s *Store) Purge(ctx context.Context, olderThanSeconds int64) (int64, error) {
	purger, ok := s.backend.(interface {
		DeleteOlderThan(ctx context.Context, olderThanSeconds int64) (int64, error)
	})
	if !ok {
		return 0, nil
	}
	n, err := purger.DeleteOlderThan(ctx, olderThanSeconds)
	if err != nil {
		log.Error().Err(err).Msg("cachestore purge failed")
		return 0, fmt.Errorf("cachestore: purge: %w", err)
	}
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	for _, key := range s.memory.Keys() {
		if entry, ok := s.memory.Peek(key); ok && (entry.Revoked || entry.LastVerifiedAt.Before(cutoff)) {
			s.memory.Remove(key)
		}
	}
	return n, nil
}
