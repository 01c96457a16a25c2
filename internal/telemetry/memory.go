package telemetry

import (
	"context"
	"sync"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

// MemorySink records every emitted Telemetry record in memory, for tests
// and for the CLI's offline demo mode.
type MemorySink struct {
	mu      sync.Mutex
	records []wire.Telemetry
}

// NewMemory constructs an empty MemorySink.
func NewMemory() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, t wire.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, t)
}

// Records returns a copy of every Telemetry record emitted so far.
func (s *MemorySink) Records() []wire.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Telemetry, len(s.records))
	copy(out, s.records)
	return out
}

var _ Sink = (*MemorySink)(nil)
