package app

import "time"

// Operation tracks the CLI command an RVApp was opened for. Commands that
// write to the ledger mark it mutating; only mutating operations push a
// snapshot on Close.
type Operation struct {
	ID       string // start time, used to correlate log lines
	Name     string
	Status   string // "success" or "error"
	mutating bool
}

// NewOperation creates an operation named after the command being run.
func NewOperation(name string, started time.Time) *Operation {
	return &Operation{
		ID:     started.UTC().Format("20060102T150405Z"),
		Name:   name,
		Status: "success",
	}
}

// MarkMutating records that the operation changed the ledger.
func (op *Operation) MarkMutating() {
	op.mutating = true
}

// Mutating returns true if the operation changed the ledger.
func (op *Operation) Mutating() bool {
	return op.mutating
}

// Fail records that the operation did not complete.
func (op *Operation) Fail() {
	op.Status = "error"
}
