package database

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rv-go/internal/config"
	"rv-go/internal/kvstore"
	"rv-go/internal/model"
)

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "memory"}
		got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}

		if got == nil {
			t.Fatal("NewStoreFromConfig() returned nil")
		}
		defer got.Close()

		// In-memory stores come up migrated
		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("memory database is removed on close", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.DatabaseConfig{Type: "memory"}, "test-host-123", nil)
		if err != nil {
			t.Fatalf("NewStoreFromConfig() error = %v", err)
		}
		s, ok := got.(*SQLiteStore)
		if !ok {
			t.Fatalf("NewStoreFromConfig() = %T, want *SQLiteStore", got)
		}
		dir := filepath.Dir(s.Path())
		if _, err := os.Stat(s.Path()); err != nil {
			t.Fatalf("database file: %v", err)
		}

		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("temporary directory %s still exists after Close (err = %v)", dir, err)
		}
	})

	t.Run("sqlite database", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Type:    "sqlite",
			DataDir: t.TempDir(),
		}
		got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}

		if got == nil {
			t.Error("NewStoreFromConfig() returned nil")
		}

		if got != nil {
			got.Close()
		}
	})

	t.Run("badger database", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Type:    "badger",
			DataDir: t.TempDir(),
		}
		got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}

		if got == nil {
			t.Error("NewStoreFromConfig() returned nil")
		}

		if got != nil {
			got.Close()
		}
	})

	t.Run("in-memory badger database", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "badger-memory"}
		got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	for _, typ := range []string{"sqlite", "badger"} {
		t.Run(typ+" database without data_dir", func(t *testing.T) {
			cfg := config.DatabaseConfig{Type: typ}
			got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

			if err == nil {
				t.Error("NewStoreFromConfig() expected error for missing data_dir, got nil")
			}

			if got != nil {
				t.Error("NewStoreFromConfig() should return nil on error")
				got.Close()
			}
		})
	}

	t.Run("unknown database type", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "unknown"}
		got, err := NewStoreFromConfig(cfg, "test-host-123", nil)

		if err == nil {
			t.Error("NewStoreFromConfig() expected error for unknown type, got nil")
		}

		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})
}

func TestRestoreStoreFromConfig(t *testing.T) {
	for _, typ := range []string{"sqlite", "badger"} {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.DatabaseConfig{Type: typ, DataDir: t.TempDir()}

			src, err := NewStoreFromConfig(cfg, "source", nil)
			if err != nil {
				t.Fatalf("NewStoreFromConfig() error = %v", err)
			}
			if err := src.Migrate(); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			repo := &model.Repository{ID: "repo-1", Name: "fedora", CreatedAt: time.Now().UTC()}
			if err := src.CreateRepository(ctx, repo); err != nil {
				t.Fatalf("CreateRepository() error = %v", err)
			}

			var buf bytes.Buffer
			if err := src.BackupTo(ctx, &buf); err != nil {
				t.Fatalf("BackupTo() error = %v", err)
			}
			src.Close()

			if err := RestoreStoreFromConfig(cfg, "target", &buf); err != nil {
				t.Fatalf("RestoreStoreFromConfig() error = %v", err)
			}

			dst, err := NewStoreFromConfig(cfg, "target", nil)
			if err != nil {
				t.Fatalf("opening restored store: %v", err)
			}
			defer dst.Close()

			if err := dst.CheckMigrations(); err != nil {
				t.Errorf("CheckMigrations() on restored store error = %v", err)
			}
			got, err := dst.FindRepository(ctx, "fedora")
			if err != nil {
				t.Fatalf("FindRepository() error = %v", err)
			}
			if got == nil {
				t.Error("restored store does not contain the repository")
			}
		})
	}

	t.Run("rejects in-memory types", func(t *testing.T) {
		err := RestoreStoreFromConfig(config.DatabaseConfig{Type: "memory"}, "h", bytes.NewReader(nil))
		if err == nil {
			t.Error("RestoreStoreFromConfig() expected error for memory type")
		}
	})
}

func TestBadgerConfig(t *testing.T) {
	tests := []struct {
		name string
		mb   int
		want int64
	}{
		{"unset keeps default", 0, kvstore.DefaultMemTableSize},
		{"explicit size", 32, 32 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DatabaseConfig{Type: "badger", DataDir: "/data/rv", MemTableSizeMB: tt.mb}
			got := badgerConfig(cfg, kvstore.DefaultConfig(BadgerPath(cfg, "h1")))
			if got.MemTableSize != tt.want {
				t.Errorf("MemTableSize = %d, want %d", got.MemTableSize, tt.want)
			}
		})
	}
}
