package vectorindex

import (
	"context"
	"testing"

	"github.com/allaspectsdev/c3voit/internal/testutil"
)

func TestMemoryIndex_UpsertAndQuery(t *testing.T) {
	idx := NewMemory()
	ctx := context.Background()

	if err := idx.Upsert(ctx, "sales", "h1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "sales", "h2", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	neighbors, err := idx.Query(ctx, "sales", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].ContentHash != "h1" {
		t.Fatalf("expected h1 as closest neighbor, got %+v", neighbors)
	}
}

func TestMemoryIndex_PartitionIsolation(t *testing.T) {
	idx := NewMemory()
	ctx := context.Background()

	idx.Upsert(ctx, "sales", "h1", []float32{1, 0})
	idx.Upsert(ctx, "support", "h2", []float32{1, 0})

	neighbors, _ := idx.Query(ctx, "sales", []float32{1, 0}, 5)
	if len(neighbors) != 1 || neighbors[0].ContentHash != "h1" {
		t.Fatalf("expected only sales partition neighbor, got %+v", neighbors)
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx := NewMemory()
	ctx := context.Background()
	idx.Upsert(ctx, "sales", "h1", []float32{1, 0})
	idx.Remove(ctx, "sales", "h1")

	neighbors, _ := idx.Query(ctx, "sales", []float32{1, 0}, 5)
	if len(neighbors) != 0 {
		t.Fatalf("expected no neighbors after remove, got %+v", neighbors)
	}
}

func TestSQLiteIndex_UpsertQueryRemove(t *testing.T) {
	idx := New(testutil.NewTestStore(t))
	ctx := context.Background()

	if err := idx.Upsert(ctx, "sales", "h1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "sales", "h2", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	neighbors, err := idx.Query(ctx, "sales", []float32{0.9, 0.1, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(neighbors) != 2 || neighbors[0].ContentHash != "h1" {
		t.Fatalf("expected h1 ranked first, got %+v", neighbors)
	}

	// Upsert is idempotent on content_hash.
	if err := idx.Upsert(ctx, "sales", "h1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	neighbors, _ = idx.Query(ctx, "sales", []float32{1, 0, 0}, 10)
	count := 0
	for _, n := range neighbors {
		if n.ContentHash == "h1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one h1 row after re-upsert, got %d", count)
	}

	if err := idx.Remove(ctx, "sales", "h1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	neighbors, _ = idx.Query(ctx, "sales", []float32{1, 0, 0}, 10)
	for _, n := range neighbors {
		if n.ContentHash == "h1" {
			t.Fatal("expected h1 removed")
		}
	}
}
