package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

func sampleTelemetry() wire.Telemetry {
	return wire.Telemetry{
		RequestID:     "req-1",
		Decision:      wire.DecisionReuse,
		Similarity:    0.95,
		Nonconformity: 0.1,
		RiskBound:     0.2,
		TierUsed:      wire.TierCached,
		CostActual:    0,
		CostSaved:     1.0,
		Quality:       0.9,
		Flags:         map[string]bool{"c3_degraded": false},
		Latency:       15 * time.Millisecond,
	}
}

func TestMemorySink_RecordsEmittedTelemetry(t *testing.T) {
	sink := NewMemory()
	sink.Emit(context.Background(), sampleTelemetry())
	sink.Emit(context.Background(), sampleTelemetry())

	records := sink.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RequestID != "req-1" {
		t.Fatalf("expected request id req-1, got %q", records[0].RequestID)
	}
}

func TestMemorySink_RecordsAreIndependentCopies(t *testing.T) {
	sink := NewMemory()
	sink.Emit(context.Background(), sampleTelemetry())

	first := sink.Records()
	first[0].RequestID = "mutated"

	second := sink.Records()
	if second[0].RequestID != "req-1" {
		t.Fatalf("expected internal record to be unaffected by caller mutation, got %q", second[0].RequestID)
	}
}

func TestNewExporter_RejectsUnknownName(t *testing.T) {
	_, err := newExporter(context.Background(), "otlp-http", "", true)
	if err == nil {
		t.Fatal("expected error for unsupported otlp-http exporter")
	}
}

func TestNewExporter_Stdout(t *testing.T) {
	exp, err := newExporter(context.Background(), "stdout", "", false)
	if err != nil {
		t.Fatalf("newExporter(stdout): %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}
