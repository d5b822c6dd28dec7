package testutil

import (
	"testing"

	"rv-go/internal/rv"
)

// NewTestLedger creates a ledger over store with a ticking clock, sequential
// IDs and no metrics. The ledger is closed when the test completes, which
// also closes store.
func NewTestLedger(t *testing.T, store rv.Store) *rv.Ledger {
	t.Helper()
	return NewTestLedgerWithConfig(t, store, rv.LedgerConfig{})
}

// NewTestLedgerWithConfig is NewTestLedger with explicit collaborators. Nil
// clock and ID generator fields are replaced by test stubs.
func NewTestLedgerWithConfig(t *testing.T, store rv.Store, cfg rv.LedgerConfig) *rv.Ledger {
	t.Helper()

	if cfg.Clock == nil {
		cfg.Clock = TickingClock()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = NewStubIDGenerator()
	}

	l, err := rv.NewLedger(store, cfg)
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}

	t.Cleanup(func() {
		l.Close()
	})

	return l
}
