package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/allaspectsdev/c3voit/internal/embedding"
)

// MemoryIndex is an in-process Index used by tests and by small
// single-process deployments that don't need durability across restarts.
type MemoryIndex struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]float32
}

// NewMemory constructs an empty MemoryIndex.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{partitions: make(map[string]map[string][]float32)}
}

func (m *MemoryIndex) Upsert(_ context.Context, partition, contentHash string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		p = make(map[string][]float32)
		m.partitions[partition] = p
	}
	p[contentHash] = vec
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, partition string, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		k = 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.partitions[partition]
	neighbors := make([]Neighbor, 0, len(p))
	for hash, candidate := range p {
		neighbors = append(neighbors, Neighbor{
			ContentHash: hash,
			Similarity:  embedding.CosineSimilarity(vec, candidate),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Similarity > neighbors[j].Similarity
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func (m *MemoryIndex) Remove(_ context.Context, partition, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.partitions[partition]; ok {
		delete(p, contentHash)
	}
	return nil
}

var _ Index = (*MemoryIndex)(nil)
