package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"rv-go/internal/rv"
)

// testVault runs the behaviour every Vault implementation shares.
func testVault(t *testing.T, newVault func(t *testing.T) rv.Vault) {
	ctx := context.Background()

	t.Run("put and get snapshot", func(t *testing.T) {
		v := newVault(t)
		data := strings.Repeat("snapshot-bytes", 1000)

		if err := v.PutSnapshot(ctx, "host-1", strings.NewReader(data), int64(len(data)), 7); err != nil {
			t.Fatalf("PutSnapshot() error = %v", err)
		}

		var buf bytes.Buffer
		if err := v.GetSnapshot(ctx, "host-1", &buf); err != nil {
			t.Fatalf("GetSnapshot() error = %v", err)
		}
		if buf.String() != data {
			t.Errorf("GetSnapshot() returned %d bytes, want %d", buf.Len(), len(data))
		}

		gen, err := v.SnapshotGeneration(ctx, "host-1")
		if err != nil {
			t.Fatalf("SnapshotGeneration() error = %v", err)
		}
		if gen != 7 {
			t.Errorf("SnapshotGeneration() = %d, want 7", gen)
		}
	})

	t.Run("put replaces previous snapshot", func(t *testing.T) {
		v := newVault(t)

		for i, data := range []string{"first", "second"} {
			if err := v.PutSnapshot(ctx, "host-1", strings.NewReader(data), int64(len(data)), int64(i+1)); err != nil {
				t.Fatalf("PutSnapshot(%s) error = %v", data, err)
			}
		}

		var buf bytes.Buffer
		if err := v.GetSnapshot(ctx, "host-1", &buf); err != nil {
			t.Fatalf("GetSnapshot() error = %v", err)
		}
		if buf.String() != "second" {
			t.Errorf("GetSnapshot() = %q, want %q", buf.String(), "second")
		}
		if gen, _ := v.SnapshotGeneration(ctx, "host-1"); gen != 2 {
			t.Errorf("SnapshotGeneration() = %d, want 2", gen)
		}
	})

	t.Run("hosts are isolated", func(t *testing.T) {
		v := newVault(t)

		if err := v.PutSnapshot(ctx, "host-1", strings.NewReader("one"), 3, 1); err != nil {
			t.Fatalf("PutSnapshot() error = %v", err)
		}

		gen, err := v.SnapshotGeneration(ctx, "host-2")
		if err != nil {
			t.Fatalf("SnapshotGeneration() error = %v", err)
		}
		if gen != 0 {
			t.Errorf("SnapshotGeneration() for unknown host = %d, want 0", gen)
		}

		var buf bytes.Buffer
		if err := v.GetSnapshot(ctx, "host-2", &buf); err == nil {
			t.Error("GetSnapshot() expected error for unknown host")
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		v := newVault(t)

		if err := v.PutSnapshot(ctx, "host-1", strings.NewReader("short"), 100, 1); err == nil {
			t.Error("PutSnapshot() expected error for size mismatch")
		}
	})
}

func TestMemoryVault(t *testing.T) {
	testVault(t, func(t *testing.T) rv.Vault { return NewMemoryVault("test") })

	t.Run("honours cancelled context", func(t *testing.T) {
		v := NewMemoryVault("test")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := v.PutSnapshot(ctx, "host-1", strings.NewReader("x"), 1, 1); err == nil {
			t.Error("PutSnapshot() expected error for cancelled context")
		}
	})
}
