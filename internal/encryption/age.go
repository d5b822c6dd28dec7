package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"rv-go/internal/config"
	"rv-go/internal/rv"
)

// AgeEncryptor seals ledger snapshots to an X25519 key pair.
//
// Pushing a snapshot needs only the public key, which is kept in plaintext.
// The private key is sealed to the passphrase with age's scrypt recipient and
// ASCII-armored, so it can be printed and kept offline; it is read only when a
// snapshot is restored.
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ rv.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor over the key files named in cfg.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates the key pair. It never replaces existing key files:
// snapshots already in a vault would become unrestorable. If writing either
// file fails, both are removed so Setup can be run again.
func (e *AgeEncryptor) Setup(passphrase string) (err error) {
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}
	for _, path := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, statErr := os.Stat(path); statErr == nil {
			return fmt.Errorf("key file %s already exists", path)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	defer func() {
		if err != nil {
			os.Remove(e.publicKeyPath)
			os.Remove(e.privateKeyPath)
		}
	}()

	if err := writeKeyFile(e.publicKeyPath, 0644, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, identity.Recipient().String())
		return err
	}); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	if err := writeKeyFile(e.privateKeyPath, 0600, func(w io.Writer) error {
		return sealIdentity(w, identity, passphrase)
	}); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// writeKeyFile creates path exclusively and fills it with fill.
func writeKeyFile(path string, perm os.FileMode, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sealIdentity writes identity to w, encrypted to passphrase and armored.
func sealIdentity(w io.Writer, identity *age.X25519Identity, passphrase string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving key from passphrase: %w", err)
	}

	aw := armor.NewWriter(w)
	sw, err := age.Encrypt(aw, recipient)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(sw, identity.String()); err != nil {
		return err
	}
	if err := sw.Close(); err != nil {
		return err
	}
	return aw.Close()
}

// Encrypt seals the snapshot read from r to the public key and writes it to w.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.recipient()
	if err != nil {
		return err
	}

	sw, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("starting encryption: %w", err)
	}
	if _, err := io.Copy(sw, r); err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("finishing encryption: %w", err)
	}
	return nil
}

// Unlock opens the private key with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (rv.DecryptionContext, error) {
	sealed, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving key from passphrase: %w", err)
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(sealed)), scrypt)
	if err != nil {
		return nil, fmt.Errorf("opening private key (wrong passphrase?): %w", err)
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}

	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AgeDecryptionContext{identity: identity}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, path := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Recipient returns the public key snapshots are sealed to.
func (e *AgeEncryptor) Recipient() (string, error) {
	recipient, err := e.recipient()
	if err != nil {
		return "", err
	}
	return recipient.String(), nil
}

func (e *AgeEncryptor) recipient() (*age.X25519Recipient, error) {
	data, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", e.publicKeyPath, err)
	}
	return recipient, nil
}

// AgeDecryptionContext holds an unlocked private key for the rest of a
// restore.
type AgeDecryptionContext struct {
	identity age.Identity
}

var _ rv.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt opens the sealed snapshot read from r and writes it to w.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	pr, err := age.Decrypt(r, c.identity)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	if _, err := io.Copy(w, pr); err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}
	return nil
}
