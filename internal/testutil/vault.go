package testutil

import (
	"rv-go/internal/rv"
	"rv-go/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() rv.Vault {
	return vault.NewMemoryVault("test-vault")
}
