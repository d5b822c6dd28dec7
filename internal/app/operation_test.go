package app

import (
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	started := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)
	op := NewOperation("CreateVersion", started)

	if op.ID != "20240615T143045Z" {
		t.Errorf("ID = %q, want %q", op.ID, "20240615T143045Z")
	}
	if op.Name != "CreateVersion" {
		t.Errorf("Name = %q, want %q", op.Name, "CreateVersion")
	}
	if op.Status != "success" {
		t.Errorf("Status = %q, want %q", op.Status, "success")
	}
	if op.Mutating() {
		t.Error("Mutating() = true for new operation")
	}
}

func TestOperation_MarkMutating(t *testing.T) {
	op := NewOperation("CreateRepository", time.Now())
	op.MarkMutating()
	if !op.Mutating() {
		t.Error("Mutating() = false after MarkMutating()")
	}

	op.Fail()
	if op.Status != "error" {
		t.Errorf("Status = %q after Fail(), want %q", op.Status, "error")
	}
}
