package encryption

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"rv-go/internal/rv"
)

// testHeader frames snapshots sealed by TestEncryptor so a sealed snapshot can
// never be mistaken for a raw store file.
var testHeader = []byte("RVSNAP\x00\x01")

// TestEncryptor frames snapshots with testHeader instead of encrypting them.
// Once Setup has run, Unlock only accepts the same passphrase; a fresh
// TestEncryptor accepts any.
type TestEncryptor struct {
	passphrase string
	setup      bool
}

var _ rv.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	e.setup = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(testHeader), r)); err != nil {
		return fmt.Errorf("framing snapshot: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (rv.DecryptionContext, error) {
	if e.setup && passphrase != e.passphrase {
		return nil, errors.New("wrong passphrase")
	}
	return TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

// TestDecryptionContext removes the frame added by TestEncryptor.
type TestDecryptionContext struct{}

var _ rv.DecryptionContext = TestDecryptionContext{}

func (TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	header, err := br.Peek(len(testHeader))
	if err != nil || !bytes.Equal(header, testHeader) {
		return errors.New("snapshot is not framed by the test encryptor")
	}
	if _, err := br.Discard(len(testHeader)); err != nil {
		return err
	}
	if _, err := io.Copy(w, br); err != nil {
		return fmt.Errorf("copying snapshot: %w", err)
	}
	return nil
}
