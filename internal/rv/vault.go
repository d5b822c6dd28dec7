package rv

import (
	"context"
	"io"
)

// Vault keeps off-host copies of a ledger's store. Snapshots are streamed
// so a large store is never held in memory.
type Vault interface {
	// PutSnapshot stores the snapshot for hostID, replacing any previous one.
	// size is the number of bytes that will be read from r. generation is
	// the ledger generation the snapshot was taken at.
	PutSnapshot(ctx context.Context, hostID string, r io.Reader, size int64, generation int64) error

	// GetSnapshot writes the stored snapshot for hostID to w.
	GetSnapshot(ctx context.Context, hostID string, w io.Writer) error

	// SnapshotGeneration returns the generation of the stored snapshot, or 0
	// if hostID has none.
	SnapshotGeneration(ctx context.Context, hostID string) (int64, error)

	// ValidateSetup verifies the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor seals snapshots before they leave the host. Encryption needs
// only the public key; decryption needs the passphrase-protected private key.
type Encryptor interface {
	// Setup generates the key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock opens the private key for the rest of the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
