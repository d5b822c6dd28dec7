package testutil

import (
	"path/filepath"
	"testing"

	"rv-go/internal/config"
	"rv-go/internal/database"
	"rv-go/internal/kvstore"
	"rv-go/internal/rv"
)

// NewTestStore creates a migrated SQLite store in a temp dir.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) rv.Store {
	t.Helper()

	s, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "rv.db"), 0)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// NewTestMemoryStore creates the store a "memory" database config opens.
// The store is automatically closed when the test completes.
func NewTestMemoryStore(t *testing.T) rv.Store {
	t.Helper()

	s, err := database.NewStoreFromConfig(config.DatabaseConfig{Type: "memory"}, "test-host", nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// NewTestBadgerStore creates a migrated in-memory badger store.
// The store is automatically closed when the test completes.
func NewTestBadgerStore(t *testing.T) rv.Store {
	t.Helper()

	s, err := kvstore.NewBadgerStore(kvstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Backends lists the store constructors ledger tests run against.
var Backends = map[string]func(t *testing.T) rv.Store{
	"sqlite": NewTestStore,
	"memory": NewTestMemoryStore,
	"badger": NewTestBadgerStore,
}
