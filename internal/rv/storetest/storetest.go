// Package storetest checks that an rv.Store implementation honours the
// storage contract the ledger relies on.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rv-go/internal/model"
	"rv-go/internal/rv"
)

// Factory returns a new, empty, migrated store. The store is closed by the
// test's cleanup.
type Factory func(t *testing.T) rv.Store

var created = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// Run runs the contract tests against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("repositories", func(t *testing.T) { testRepositories(t, newStore) })
	t.Run("add", func(t *testing.T) { testAdd(t, newStore) })
	t.Run("end", func(t *testing.T) { testEnd(t, newStore) })
	t.Run("find open", func(t *testing.T) { testFindOpen(t, newStore) })
	t.Run("associations", func(t *testing.T) { testAssociations(t, newStore) })
	t.Run("changed between", func(t *testing.T) { testChangedBetween(t, newStore) })
	t.Run("versions", func(t *testing.T) { testVersions(t, newStore) })
	t.Run("advance", func(t *testing.T) { testAdvance(t, newStore) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore) })
	t.Run("generation", func(t *testing.T) { testGeneration(t, newStore) })
	t.Run("backup", func(t *testing.T) { testBackup(t, newStore) })
	t.Run("migrations", func(t *testing.T) { testMigrations(t, newStore) })
}

func newRepository(t *testing.T, s rv.Store, name string) *model.Repository {
	t.Helper()
	repo := &model.Repository{ID: "id-" + name, Name: name, CreatedAt: created}
	if err := s.CreateRepository(context.Background(), repo); err != nil {
		t.Fatalf("CreateRepository(%s) error = %v", name, err)
	}
	return repo
}

// commit writes version latest+1 of repo, adding and ending the given content.
func commit(t *testing.T, s rv.Store, name string, adds []model.ContentID, ends []model.ContentID) int64 {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	repo, err := tx.FindRepository(ctx, name)
	if err != nil || repo == nil {
		t.Fatalf("FindRepository(%s) = %v, %v", name, repo, err)
	}
	n := repo.LatestVersion + 1
	if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: n, CreatedAt: created, Action: model.ActionSync}); err != nil {
		t.Fatalf("InsertVersion(%d) error = %v", n, err)
	}
	for _, c := range adds {
		if _, err := tx.Add(ctx, repo.ID, c, n); err != nil {
			t.Fatalf("Add(%s, %d) error = %v", c, n, err)
		}
	}
	for _, c := range ends {
		a, err := tx.FindOpen(ctx, repo.ID, c)
		if err != nil || a == nil {
			t.Fatalf("FindOpen(%s) = %v, %v", c, a, err)
		}
		if err := tx.End(ctx, a, n); err != nil {
			t.Fatalf("End(%s, %d) error = %v", c, n, err)
		}
	}
	previous := repo.LatestVersion
	repo.LatestVersion = n
	if err := tx.AdvanceRepository(ctx, repo, previous); err != nil {
		t.Fatalf("AdvanceRepository() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return n
}

func ids(c ...string) []model.ContentID {
	out := make([]model.ContentID, len(c))
	for i, s := range c {
		out[i] = model.ContentID(s)
	}
	return out
}

func format(associations []*model.Association) []string {
	out := make([]string, len(associations))
	for i, a := range associations {
		if a.VRemoved == nil {
			out[i] = fmt.Sprintf("%s[%d,)", a.ContentID, a.VAdded)
			continue
		}
		out[i] = fmt.Sprintf("%s[%d,%d)", a.ContentID, a.VAdded, *a.VRemoved)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testRepositories(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("returns nil when repository not found", func(t *testing.T) {
		s := newStore(t)

		repo, err := s.FindRepository(ctx, "missing")
		if err != nil {
			t.Fatalf("FindRepository() error = %v", err)
		}
		if repo != nil {
			t.Errorf("FindRepository() = %v, want nil", repo)
		}
	})

	t.Run("creates and finds repository", func(t *testing.T) {
		s := newStore(t)
		want := &model.Repository{ID: "id-1", Name: "fedora", Description: "Fedora 40", CreatedAt: created}
		if err := s.CreateRepository(ctx, want); err != nil {
			t.Fatalf("CreateRepository() error = %v", err)
		}

		got, err := s.FindRepository(ctx, "fedora")
		if err != nil {
			t.Fatalf("FindRepository() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindRepository() = nil, want repository")
		}
		if got.ID != "id-1" || got.Description != "Fedora 40" || got.LatestVersion != 0 {
			t.Errorf("FindRepository() = %+v", got)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
		if got.LastContentAdded != nil || got.LastContentRemoved != nil {
			t.Errorf("content timestamps = %v, %v, want nil", got.LastContentAdded, got.LastContentRemoved)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		s := newStore(t)
		newRepository(t, s, "fedora")

		err := s.CreateRepository(ctx, &model.Repository{ID: "id-other", Name: "fedora", CreatedAt: created})
		if !errors.Is(err, rv.ErrRepositoryExists) {
			t.Errorf("CreateRepository() error = %v, want ErrRepositoryExists", err)
		}
	})

	t.Run("lists repositories by name", func(t *testing.T) {
		s := newStore(t)
		newRepository(t, s, "zeta")
		newRepository(t, s, "alpha")
		newRepository(t, s, "mid")

		repos, err := s.ListRepositories(ctx)
		if err != nil {
			t.Fatalf("ListRepositories() error = %v", err)
		}
		var names []string
		for _, r := range repos {
			names = append(names, r.Name)
		}
		if !equal(names, []string{"alpha", "mid", "zeta"}) {
			t.Errorf("ListRepositories() names = %v", names)
		}
	})
}

func testAdd(t *testing.T, newStore Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (rv.Store, rv.Tx, *model.Repository) {
		t.Helper()
		s := newStore(t)
		repo := newRepository(t, s, "r")
		commit(t, s, "r", nil, nil)

		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		t.Cleanup(func() { tx.Rollback() })
		if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: 2, CreatedAt: created, Action: model.ActionUpload}); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		return s, tx, repo
	}

	t.Run("creates open association", func(t *testing.T) {
		_, tx, repo := setup(t)

		a, err := tx.Add(ctx, repo.ID, "c1", 1)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if a.ContentID != "c1" || a.VAdded != 1 || a.VRemoved != nil {
			t.Errorf("Add() = %+v", a)
		}

		open, err := tx.FindOpen(ctx, repo.ID, "c1")
		if err != nil {
			t.Fatalf("FindOpen() error = %v", err)
		}
		if open == nil || open.VAdded != 1 {
			t.Errorf("FindOpen() = %+v, want association added at 1", open)
		}
	})

	t.Run("rejects same content at same version", func(t *testing.T) {
		_, tx, repo := setup(t)

		if _, err := tx.Add(ctx, repo.ID, "c1", 2); err != nil {
			t.Fatalf("first Add() error = %v", err)
		}
		_, err := tx.Add(ctx, repo.ID, "c1", 2)
		if !errors.Is(err, rv.ErrDuplicateAssociation) {
			t.Errorf("second Add() error = %v, want ErrDuplicateAssociation", err)
		}
	})

	t.Run("rejects second open association", func(t *testing.T) {
		_, tx, repo := setup(t)

		if _, err := tx.Add(ctx, repo.ID, "c1", 1); err != nil {
			t.Fatalf("first Add() error = %v", err)
		}
		_, err := tx.Add(ctx, repo.ID, "c1", 2)
		if !errors.Is(err, rv.ErrDuplicateAssociation) {
			t.Errorf("second Add() error = %v, want ErrDuplicateAssociation", err)
		}
	})

	t.Run("find open returns nil for non-member", func(t *testing.T) {
		_, tx, repo := setup(t)

		open, err := tx.FindOpen(ctx, repo.ID, "never-added")
		if err != nil {
			t.Fatalf("FindOpen() error = %v", err)
		}
		if open != nil {
			t.Errorf("FindOpen() = %+v, want nil", open)
		}
	})
}

func testFindOpen(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	repo := newRepository(t, s, "r")
	commit(t, s, "r", ids("c1", "c2"), nil)
	commit(t, s, "r", ids("c3"), ids("c1"))

	tests := []struct {
		content model.ContentID
		want    int64 // VAdded of the open association; 0 for none
	}{
		{"c1", 0},
		{"c2", 1},
		{"c3", 2},
		{"never-added", 0},
	}
	for _, tt := range tests {
		open, err := s.FindOpen(ctx, repo.ID, tt.content)
		if err != nil {
			t.Fatalf("FindOpen(%s) error = %v", tt.content, err)
		}
		switch {
		case tt.want == 0 && open != nil:
			t.Errorf("FindOpen(%s) = %+v, want nil", tt.content, open)
		case tt.want != 0 && (open == nil || open.VAdded != tt.want || open.VRemoved != nil):
			t.Errorf("FindOpen(%s) = %+v, want open association added at %d", tt.content, open, tt.want)
		}
	}
}

func testEnd(t *testing.T, newStore Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (rv.Tx, *model.Repository) {
		t.Helper()
		s := newStore(t)
		repo := newRepository(t, s, "r")
		commit(t, s, "r", ids("c1"), nil)
		commit(t, s, "r", nil, nil)

		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		t.Cleanup(func() { tx.Rollback() })
		if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: 3, CreatedAt: created, Action: model.ActionDisassociate}); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		return tx, repo
	}

	t.Run("sets upper bound and closes association", func(t *testing.T) {
		tx, repo := setup(t)

		a, err := tx.FindOpen(ctx, repo.ID, "c1")
		if err != nil || a == nil {
			t.Fatalf("FindOpen() = %v, %v", a, err)
		}
		if err := tx.End(ctx, a, 3); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		if a.VRemoved == nil || *a.VRemoved != 3 {
			t.Errorf("VRemoved = %v, want 3", a.VRemoved)
		}

		open, err := tx.FindOpen(ctx, repo.ID, "c1")
		if err != nil {
			t.Fatalf("FindOpen() error = %v", err)
		}
		if open != nil {
			t.Errorf("FindOpen() after End = %+v, want nil", open)
		}
	})

	t.Run("rejects ending twice", func(t *testing.T) {
		tx, repo := setup(t)

		a, _ := tx.FindOpen(ctx, repo.ID, "c1")
		if err := tx.End(ctx, a, 3); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		if err := tx.End(ctx, a, 3); !errors.Is(err, rv.ErrAlreadyEnded) {
			t.Errorf("second End() error = %v, want ErrAlreadyEnded", err)
		}
	})

	t.Run("rejects stale copy of ended association", func(t *testing.T) {
		tx, repo := setup(t)

		a, _ := tx.FindOpen(ctx, repo.ID, "c1")
		stale := *a
		if err := tx.End(ctx, a, 3); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		if err := tx.End(ctx, &stale, 3); !errors.Is(err, rv.ErrAlreadyEnded) {
			t.Errorf("End() with stale copy error = %v, want ErrAlreadyEnded", err)
		}
	})

	t.Run("rejects empty or inverted interval", func(t *testing.T) {
		tx, repo := setup(t)

		a, _ := tx.FindOpen(ctx, repo.ID, "c1")
		for _, v := range []int64{1, 0} {
			if err := tx.End(ctx, a, v); !errors.Is(err, rv.ErrInvalidInterval) {
				t.Errorf("End(%d) error = %v, want ErrInvalidInterval", v, err)
			}
		}
		if a.VRemoved != nil {
			t.Errorf("VRemoved = %v after rejected End, want nil", *a.VRemoved)
		}
	})
}

func testAssociations(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	repo := newRepository(t, s, "r")
	other := newRepository(t, s, "other")

	commit(t, s, "r", ids("b", "a"), nil)
	commit(t, s, "r", ids("c"), ids("a"))
	commit(t, s, "r", ids("a"), nil)
	commit(t, s, "other", ids("x"), nil)

	got, err := s.AssociationsFor(ctx, repo.ID)
	if err != nil {
		t.Fatalf("AssociationsFor() error = %v", err)
	}
	want := []string{"a[1,2)", "b[1,)", "c[2,)", "a[3,)"}
	if !equal(format(got), want) {
		t.Errorf("AssociationsFor() = %v, want %v", format(got), want)
	}

	got, err = s.AssociationsFor(ctx, other.ID)
	if err != nil {
		t.Fatalf("AssociationsFor(other) error = %v", err)
	}
	if !equal(format(got), []string{"x[1,)"}) {
		t.Errorf("AssociationsFor(other) = %v", format(got))
	}
}

func testChangedBetween(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	repo := newRepository(t, s, "r")

	commit(t, s, "r", ids("a", "b", "c"), nil) // 1
	commit(t, s, "r", ids("d"), ids("a"))      // 2
	commit(t, s, "r", ids("a"), ids("d"))      // 3
	commit(t, s, "r", nil, ids("b"))           // 4

	tests := []struct {
		from, to int64
		want     []string
	}{
		{0, 1, []string{"a[1,2)", "b[1,4)", "c[1,)"}},
		{1, 2, []string{"a[1,2)", "d[2,3)"}},
		{1, 3, []string{"a[1,2)", "a[3,)", "d[2,3)"}},
		{2, 4, []string{"a[3,)", "b[1,4)", "d[2,3)"}},
		{4, 4, []string{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d..%d", tt.from, tt.to), func(t *testing.T) {
			got, err := s.ChangedBetween(ctx, repo.ID, tt.from, tt.to)
			if err != nil {
				t.Fatalf("ChangedBetween() error = %v", err)
			}
			if !equal(format(got), tt.want) {
				t.Errorf("ChangedBetween(%d, %d) = %v, want %v", tt.from, tt.to, format(got), tt.want)
			}
		})
	}
}

func testVersions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	repo := newRepository(t, s, "r")
	commit(t, s, "r", ids("a"), nil)
	commit(t, s, "r", nil, nil)

	t.Run("finds committed version", func(t *testing.T) {
		v, err := s.FindVersion(ctx, repo.ID, 2)
		if err != nil {
			t.Fatalf("FindVersion() error = %v", err)
		}
		if v == nil || v.Number != 2 || v.Action != model.ActionSync || !v.CreatedAt.Equal(created) {
			t.Errorf("FindVersion() = %+v", v)
		}
	})

	t.Run("returns nil for unknown version", func(t *testing.T) {
		v, err := s.FindVersion(ctx, repo.ID, 3)
		if err != nil {
			t.Fatalf("FindVersion() error = %v", err)
		}
		if v != nil {
			t.Errorf("FindVersion() = %+v, want nil", v)
		}
	})

	t.Run("lists versions oldest first", func(t *testing.T) {
		versions, err := s.ListVersions(ctx, repo.ID)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(versions) != 2 || versions[0].Number != 1 || versions[1].Number != 2 {
			t.Errorf("ListVersions() = %v", versions)
		}
	})

	t.Run("rejects duplicate version number", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer tx.Rollback()

		err = tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: 2, CreatedAt: created, Action: model.ActionSnapshot})
		if !errors.Is(err, rv.ErrVersionConflict) {
			t.Errorf("InsertVersion() error = %v, want ErrVersionConflict", err)
		}
	})
}

func testAdvance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	newRepository(t, s, "r")
	commit(t, s, "r", nil, nil)

	t.Run("rejects stale previous version", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer tx.Rollback()

		repo, _ := tx.FindRepository(ctx, "r")
		repo.LatestVersion = 2
		err = tx.AdvanceRepository(ctx, repo, 0)
		if !errors.Is(err, rv.ErrVersionConflict) {
			t.Errorf("AdvanceRepository() error = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("persists latest version and timestamps", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer tx.Rollback()

		repo, _ := tx.FindRepository(ctx, "r")
		if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: 2, CreatedAt: created, Action: model.ActionUpload}); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		stamp := created.Add(time.Hour)
		repo.LatestVersion = 2
		repo.LastContentAdded = &stamp
		if err := tx.AdvanceRepository(ctx, repo, 1); err != nil {
			t.Fatalf("AdvanceRepository() error = %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		got, err := s.FindRepository(ctx, "r")
		if err != nil {
			t.Fatalf("FindRepository() error = %v", err)
		}
		if got.LatestVersion != 2 {
			t.Errorf("LatestVersion = %d, want 2", got.LatestVersion)
		}
		if got.LastContentAdded == nil || !got.LastContentAdded.Equal(stamp) {
			t.Errorf("LastContentAdded = %v, want %v", got.LastContentAdded, stamp)
		}
		if got.LastContentRemoved != nil {
			t.Errorf("LastContentRemoved = %v, want nil", got.LastContentRemoved)
		}
	})
}

func testRollback(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	repo := newRepository(t, s, "r")
	commit(t, s, "r", ids("a"), nil)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.InsertVersion(ctx, &model.Version{RepositoryID: repo.ID, Number: 2, CreatedAt: created, Action: model.ActionSync}); err != nil {
		t.Fatalf("InsertVersion() error = %v", err)
	}
	if _, err := tx.Add(ctx, repo.ID, "b", 2); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	a, _ := tx.FindOpen(ctx, repo.ID, "a")
	if err := tx.End(ctx, a, 2); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("second Rollback() error = %v, want nil", err)
	}

	got, err := s.AssociationsFor(ctx, repo.ID)
	if err != nil {
		t.Fatalf("AssociationsFor() error = %v", err)
	}
	if !equal(format(got), []string{"a[1,)"}) {
		t.Errorf("AssociationsFor() after rollback = %v, want [a[1,)]", format(got))
	}
	v, err := s.FindVersion(ctx, repo.ID, 2)
	if err != nil {
		t.Fatalf("FindVersion() error = %v", err)
	}
	if v != nil {
		t.Errorf("FindVersion(2) after rollback = %+v, want nil", v)
	}
}

func testGeneration(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	g, err := s.Generation(ctx)
	if err != nil {
		t.Fatalf("Generation() error = %v", err)
	}
	if g != 0 {
		t.Errorf("Generation() of empty store = %d, want 0", g)
	}

	newRepository(t, s, "a")
	newRepository(t, s, "b")
	commit(t, s, "a", nil, nil)
	commit(t, s, "a", nil, nil)
	commit(t, s, "b", nil, nil)

	g, err = s.Generation(ctx)
	if err != nil {
		t.Fatalf("Generation() error = %v", err)
	}
	if g != 3 {
		t.Errorf("Generation() = %d, want 3", g)
	}
}

func testBackup(t *testing.T, newStore Factory) {
	s := newStore(t)
	newRepository(t, s, "r")
	commit(t, s, "r", ids("a"), nil)

	var buf bytes.Buffer
	if err := s.BackupTo(context.Background(), &buf); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if buf.Len() == 0 {
		t.Error("BackupTo() wrote nothing")
	}
}

func testMigrations(t *testing.T, newStore Factory) {
	s := newStore(t)
	if err := s.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Errorf("Migrate() on migrated store error = %v", err)
	}
}
