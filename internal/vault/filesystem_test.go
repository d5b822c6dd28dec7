package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rv-go/internal/rv"
)

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates directory structure", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "snapshots")); err != nil {
			t.Errorf("snapshots directory not created: %v", err)
		}

		if v.name != "test" {
			t.Errorf("name = %q, want %q", v.name, "test")
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemVault("test", t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
	})
}

func TestFileSystemVault(t *testing.T) {
	testVault(t, func(t *testing.T) rv.Vault {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		return v
	})
}

func TestFileSystemVault_Layout(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	ctx := context.Background()

	if err := v.PutSnapshot(ctx, "host-1", strings.NewReader("data"), 4, 12); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "snapshots", "host-1.generation"))
	if err != nil {
		t.Fatalf("reading generation file: %v", err)
	}
	if string(data) != "12" {
		t.Errorf("generation file = %q, want %q", data, "12")
	}

	// Failed writes leave no temp files behind
	v.PutSnapshot(ctx, "host-1", strings.NewReader("data"), 99, 13)
	entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("snapshots dir has %d entries, want 2", len(entries))
	}
	if gen, _ := v.SnapshotGeneration(ctx, "host-1"); gen != 12 {
		t.Errorf("SnapshotGeneration() after failed put = %d, want 12", gen)
	}
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "snapshots")); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for missing snapshots dir")
	}
}
