package encryption

import (
	"bytes"
	"fmt"
	"testing"

	"rv-go/internal/config"
	"rv-go/internal/rv"
)

func roundTrip(t *testing.T, e rv.Encryptor, input []byte) []byte {
	t.Helper()

	var encrypted bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(input), &encrypted); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	dc, err := e.Unlock("any-passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	var decrypted bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), input) {
		t.Errorf("round-trip failed: got %q, want %q", decrypted.Bytes(), input)
	}
	return encrypted.Bytes()
}

func TestTestEncryptor(t *testing.T) {
	t.Parallel()

	if _, err := NewTestEncryptor().Unlock("anything"); err != nil {
		t.Errorf("Unlock() before Setup error = %v", err)
	}

	e := NewTestEncryptor()
	if err := e.Setup("any-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("other-passphrase"); err == nil {
		t.Error("Unlock() accepted a passphrase other than the one given to Setup")
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}

	for _, input := range [][]byte{[]byte("SQLite format 3\x00"), {}, bytes.Repeat([]byte("abcdef"), 10000)} {
		encrypted := roundTrip(t, e, input)
		if !bytes.HasPrefix(encrypted, testHeader) {
			t.Error("encrypted output does not start with test header")
		}
	}
}

func TestTestDecryptionContext_RejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"invalid header", []byte("NOT_VALID_HEADER_data")},
		{"truncated header", []byte("RV")},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := (TestDecryptionContext{}).Decrypt(bytes.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() should return error")
			}
		})
	}
}

func TestNoneEncryptor(t *testing.T) {
	t.Parallel()

	input := []byte("plain snapshot")
	if encrypted := roundTrip(t, NoneEncryptor{}, input); !bytes.Equal(encrypted, input) {
		t.Error("NoneEncryptor changed the snapshot")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{"", "*encryption.AgeEncryptor", false},
		{"age", "*encryption.AgeEncryptor", false},
		{"test", "*encryption.TestEncryptor", false},
		{"none", "encryption.NoneEncryptor", false},
		{"rot13", "", true},
	}

	for _, tt := range tests {
		got, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: tt.typ})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewEncryptorFromConfig(%q) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if name := typeName(got); name != tt.want {
			t.Errorf("NewEncryptorFromConfig(%q) = %s, want %s", tt.typ, name, tt.want)
		}
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
