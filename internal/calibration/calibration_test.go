package calibration

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/allaspectsdev/c3voit/internal/testutil"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

func TestComputeQuantile_BelowNMinReturnsNegativeInfinity(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.3}
	got := computeQuantile(scores, 0.01, 100)
	if !math.IsInf(got, -1) {
		t.Fatalf("expected -Inf below n_min, got %v", got)
	}
}

func TestComputeQuantile_MatchesSpecExample(t *testing.T) {
	// worked example: window=500, 1-delta=0.99 quantile tau=0.12.
	// We can't reproduce their exact dataset, but verify the finite-sample
	// correction picks the expected rank for a simple synthetic case.
	scores := make([]float64, 100)
	for i := range scores {
		scores[i] = float64(i) / 100 // 0.00 .. 0.99
	}
	got := computeQuantile(scores, 0.01, 50)
	// rank = ceil((100+1)*0.99) = ceil(99.99) = 100, clamped to n=100.
	if got != scores[99] {
		t.Fatalf("expected top score %v, got %v", scores[99], got)
	}
}

func TestComputeQuantile_RankClampedToN(t *testing.T) {
	scores := []float64{0.1, 0.2}
	// rank = ceil((2+1)*0.9) = 3 > n=2, so it is clamped to 2.
	got := computeQuantile(scores, 0.1, 1)
	if got != scores[len(scores)-1] {
		t.Fatalf("expected rank clamp to last score, got %v", got)
	}
}

func TestMemoryLog_AppendAndQuantile(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		log.Append(ctx, wire.CalibrationSample{
			Nonconformity: float64(i) / 150,
			Label:         wire.LabelAccepted,
			PartitionKey:  "sales",
			Timestamp:     time.Now(),
		})
	}

	n, err := log.WindowSize(ctx, "sales")
	if err != nil {
		t.Fatalf("WindowSize: %v", err)
	}
	if n != 150 {
		t.Fatalf("expected 150 samples, got %d", n)
	}

	tau, err := log.Quantile(ctx, "sales", 0.01, 100, 100)
	if err != nil {
		t.Fatalf("Quantile: %v", err)
	}
	if tau <= 0 {
		t.Fatalf("expected positive quantile with enough samples, got %v", tau)
	}
}

func TestMemoryLog_PartitionIsolation(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	log.Append(ctx, wire.CalibrationSample{Nonconformity: 0.5, PartitionKey: "sales", Timestamp: time.Now()})

	n, _ := log.WindowSize(ctx, "support")
	if n != 0 {
		t.Fatalf("expected support partition untouched, got %d samples", n)
	}
}

func TestSQLiteLog_AppendAndQuantile(t *testing.T) {
	log := New(testutil.NewTestStore(t))
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		if err := log.Append(ctx, wire.CalibrationSample{
			Nonconformity: float64(i) / 120,
			Label:         wire.LabelAccepted,
			PartitionKey:  "sales",
			Timestamp:     time.Now().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := log.WindowSize(ctx, "sales")
	if err != nil {
		t.Fatalf("WindowSize: %v", err)
	}
	if n != 120 {
		t.Fatalf("expected 120 samples, got %d", n)
	}

	tau, err := log.Quantile(ctx, "sales", 0.01, 100, 100)
	if err != nil {
		t.Fatalf("Quantile: %v", err)
	}
	if tau <= 0 || tau > 1 {
		t.Fatalf("expected quantile in (0,1], got %v", tau)
	}
}

func TestSQLiteLog_BelowNMin(t *testing.T) {
	log := New(testutil.NewTestStore(t))
	ctx := context.Background()
	log.Append(ctx, wire.CalibrationSample{Nonconformity: 0.1, PartitionKey: "sales", Timestamp: time.Now()})

	tau, err := log.Quantile(ctx, "sales", 0.01, 1000, 100)
	if err != nil {
		t.Fatalf("Quantile: %v", err)
	}
	if !math.IsInf(tau, -1) {
		t.Fatalf("expected -Inf below n_min, got %v", tau)
	}
}
