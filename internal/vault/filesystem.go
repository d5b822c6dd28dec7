package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rv-go/internal/rv"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores snapshots as files in a directory structure:
//
//	<root>/
//	  snapshots/
//	    <hostID>.snapshot     (encrypted store snapshot)
//	    <hostID>.generation   (generation the snapshot was taken at)
type FileSystemVault struct {
	name         string
	root         string
	snapshotsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	snapshotsDir := filepath.Join(root, "snapshots")

	if err := os.MkdirAll(snapshotsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	return &FileSystemVault{
		name:         name,
		root:         root,
		snapshotsDir: snapshotsDir,
	}, nil
}

// PutSnapshot stores the snapshot for hostID along with its generation.
// The snapshot file is replaced atomically; the generation file is written
// after it, so a reader never sees a generation newer than its snapshot.
func (v *FileSystemVault) PutSnapshot(ctx context.Context, hostID string, r io.Reader, size int64, generation int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := v.writeFile(v.snapshotPath(hostID), r, size); err != nil {
		return err
	}

	data := strings.NewReader(strconv.FormatInt(generation, 10))
	return v.writeFile(v.generationPath(hostID), data, data.Size())
}

// GetSnapshot retrieves the snapshot for hostID and writes it to w.
func (v *FileSystemVault) GetSnapshot(ctx context.Context, hostID string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.readFile(v.snapshotPath(hostID), w, fmt.Sprintf("snapshot not found for host: %s", hostID))
}

// SnapshotGeneration returns the generation of hostID's snapshot.
// Returns 0 if no generation file exists.
func (v *FileSystemVault) SnapshotGeneration(ctx context.Context, hostID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := os.ReadFile(v.generationPath(hostID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading generation file: %w", err)
	}

	generation, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing generation: %w", err)
	}
	return generation, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	for _, dir := range []string{v.root, v.snapshotsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	// Writable?
	f, err := os.CreateTemp(v.snapshotsDir, ".writable-*")
	if err != nil {
		return fmt.Errorf("vault directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func (v *FileSystemVault) snapshotPath(hostID string) string {
	return filepath.Join(v.snapshotsDir, hostID+".snapshot")
}

func (v *FileSystemVault) generationPath(hostID string) string {
	return filepath.Join(v.snapshotsDir, hostID+".generation")
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// Compile-time check that FileSystemVault implements rv.Vault interface
var _ rv.Vault = (*FileSystemVault)(nil)
