package calibration

import (
	"context"
	"sort"
	"sync"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

// MemoryLog is an in-process Log used by tests and by C3Engine unit tests
// that don't need durability.
type MemoryLog struct {
	mu      sync.Mutex
	samples map[string][]wire.CalibrationSample // ordered by append time
}

// NewMemory constructs an empty MemoryLog.
func NewMemory() *MemoryLog {
	return &MemoryLog{samples: make(map[string][]wire.CalibrationSample)}
}

func (m *MemoryLog) Append(_ context.Context, sample wire.CalibrationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sample.PartitionKey] = append(m.samples[sample.PartitionKey], sample)
	return nil
}

func (m *MemoryLog) Quantile(_ context.Context, partition string, delta float64, window, nMin int) (float64, error) {
	m.mu.Lock()
	all := m.samples[partition]
	m.mu.Unlock()

	if len(all) > window {
		all = all[len(all)-window:]
	}
	scores := make([]float64, len(all))
	for i, s := range all {
		scores[i] = s.Nonconformity
	}
	sort.Float64s(scores)
	return computeQuantile(scores, delta, nMin), nil
}

func (m *MemoryLog) WindowSize(_ context.Context, partition string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[partition]), nil
}

var _ Log = (*MemoryLog)(nil)
