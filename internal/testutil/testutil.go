// Package testutil holds shared helpers and fixtures for c3voit's tests:
// a temp-dir sqlite store, a default config, and sample wire objects.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/store"
)

// NewTestStore opens a sqlite store in a per-test temp directory and closes
// it when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "c3voit-test.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns the default config with its data dir pointed at a
// per-test temp directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return cfg
}
