package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"rv-go/internal/model"
	"rv-go/internal/rv"
	"rv-go/internal/rv/storetest"
)

// newTestStore creates a migrated SQLite store backed by a file in a temp dir.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rv.db"), 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) rv.Store { return newTestStore(t) })
	})

	t.Run("temporary", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) rv.Store {
			s, err := NewTempSQLiteStore(0)
			if err != nil {
				t.Fatalf("failed to create store: %v", err)
			}
			if err := s.Migrate(); err != nil {
				t.Fatalf("failed to migrate: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		})
	})
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, rv.ErrDuplicateAssociation},
		{"primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, rv.ErrDuplicateAssociation},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, rv.ErrStorageUnavailable},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, rv.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(fmt.Errorf("exec: %w", tt.err))
			if !errors.Is(got, tt.want) {
				t.Errorf("translate() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("passes other errors through", func(t *testing.T) {
		other := errors.New("disk on fire")
		if got := translate(other); got != other {
			t.Errorf("translate() = %v, want %v", got, other)
		}
	})
}

func TestSQLiteStore_ReadersSeeCommittedStateOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &model.Repository{ID: "repo-1", Name: "r", CreatedAt: time.Now().UTC()}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository() error = %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: "repo-1", Number: 1, CreatedAt: time.Now().UTC(), Action: model.ActionUpload}); err != nil {
		t.Fatalf("InsertVersion() error = %v", err)
	}
	if _, err := tx.Add(ctx, "repo-1", "c1", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// WAL readers do not wait for the open write transaction.
	associations, err := s.AssociationsFor(ctx, "repo-1")
	if err != nil {
		t.Fatalf("AssociationsFor() error = %v", err)
	}
	if len(associations) != 0 {
		t.Errorf("AssociationsFor() during write = %d associations, want 0", len(associations))
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	associations, err = s.AssociationsFor(ctx, "repo-1")
	if err != nil {
		t.Fatalf("AssociationsFor() error = %v", err)
	}
	if len(associations) != 1 {
		t.Errorf("AssociationsFor() after commit = %d associations, want 1", len(associations))
	}
}

func TestSQLiteStore_ConcurrentWritersQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 4
	for i := 0; i < writers; i++ {
		repo := &model.Repository{ID: fmt.Sprintf("repo-%d", i), Name: fmt.Sprintf("r%d", i), CreatedAt: time.Now().UTC()}
		if err := s.CreateRepository(ctx, repo); err != nil {
			t.Fatalf("CreateRepository() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback()

			id := fmt.Sprintf("repo-%d", i)
			if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: id, Number: 1, CreatedAt: time.Now().UTC(), Action: model.ActionUpload}); err != nil {
				errs <- err
				return
			}
			if _, err := tx.Add(ctx, id, "shared", 1); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("writer error = %v", err)
		}
	}
}

func TestSQLiteStore_BackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &model.Repository{ID: "repo-1", Name: "fedora", CreatedAt: time.Now().UTC()}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository() error = %v", err)
	}

	var buf bytes.Buffer
	if err := s.BackupTo(ctx, &buf); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "restored", "rv.db")
	if err := RestoreSQLite(&buf, destPath); err != nil {
		t.Fatalf("RestoreSQLite() error = %v", err)
	}

	restored, err := NewSQLiteStore(destPath, 0)
	if err != nil {
		t.Fatalf("opening restored store: %v", err)
	}
	defer restored.Close()

	if err := restored.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() on restored store error = %v", err)
	}
	got, err := restored.FindRepository(ctx, "fedora")
	if err != nil {
		t.Fatalf("FindRepository() error = %v", err)
	}
	if got == nil {
		t.Error("restored store does not contain the repository")
	}
}

func TestSQLiteStore_CheckMigrations(t *testing.T) {
	t.Run("fails on DB without migrations applied", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", 0)
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		defer s.Close()

		// No schema at all
		if err := s.CheckMigrations(); err == nil {
			t.Error("CheckMigrations() expected error for missing schema")
		}
	})

	t.Run("reports status after migration", func(t *testing.T) {
		s := newTestStore(t)

		st, err := s.MigrationStatus()
		if err != nil {
			t.Fatalf("MigrationStatus() error = %v", err)
		}
		if st.Current != st.Latest {
			t.Errorf("MigrationStatus() = %+v, want Current == Latest", st)
		}
	})
}
