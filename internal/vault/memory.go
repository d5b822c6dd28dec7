package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"rv-go/internal/rv"
)

type memorySnapshot struct {
	data       []byte
	generation int64
}

// MemoryVault is an in-memory implementation of the Vault interface.
// It keeps every host's snapshot in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name      string
	snapshots map[string]memorySnapshot // hostID -> snapshot
	mu        sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		snapshots: make(map[string]memorySnapshot),
	}
}

// PutSnapshot stores the snapshot for hostID, replacing any previous one.
func (m *MemoryVault) PutSnapshot(ctx context.Context, hostID string, r io.Reader, size int64, generation int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[hostID] = memorySnapshot{data: data, generation: generation}
	return nil
}

// GetSnapshot writes the stored snapshot for hostID to w.
func (m *MemoryVault) GetSnapshot(ctx context.Context, hostID string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[hostID]
	if !ok {
		return fmt.Errorf("snapshot not found for host: %s", hostID)
	}

	if _, err := io.Copy(w, bytes.NewReader(s.data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// SnapshotGeneration returns the generation of hostID's snapshot.
// Returns 0 if no snapshot has been stored for this host.
func (m *MemoryVault) SnapshotGeneration(ctx context.Context, hostID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshots[hostID].generation, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements rv.Vault interface
var _ rv.Vault = (*MemoryVault)(nil)
