package testutil

import (
	"rv-go/internal/encryption"
	"rv-go/internal/rv"
)

// NewTestEncryptor creates a deterministic, keyless encryptor for testing.
func NewTestEncryptor() rv.Encryptor {
	return encryption.NewTestEncryptor()
}
