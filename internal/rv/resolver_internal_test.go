package rv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rv-go/internal/model"
)

func association(content model.ContentID, vadded int64, vremoved ...int64) *model.Association {
	a := &model.Association{RepositoryID: "r", ContentID: content, VAdded: vadded}
	if len(vremoved) > 0 {
		a.VRemoved = &vremoved[0]
	}
	return a
}

func TestMembers(t *testing.T) {
	associations := []*model.Association{
		association("c2", 1),
		association("c1", 1, 2),
		association("c3", 2, 4),
		association("c1", 3),
	}

	tests := []struct {
		n    int64
		want []model.ContentID
	}{
		{0, []model.ContentID{}},
		{1, []model.ContentID{"c1", "c2"}},
		{2, []model.ContentID{"c2", "c3"}},
		{3, []model.ContentID{"c1", "c2", "c3"}},
		{4, []model.ContentID{"c1", "c2"}},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, members(associations, tt.n)); diff != "" {
			t.Errorf("members(%d) mismatch (-want +got):\n%s", tt.n, diff)
		}
	}
}

func TestDiffChanged(t *testing.T) {
	t.Run("removed then re-added inside the range is unchanged", func(t *testing.T) {
		// Sorted by content then vadded, as ChangedBetween returns them.
		changed := []*model.Association{
			association("c1", 1, 2),
			association("c1", 3),
		}

		added, removed := diffChanged(changed, 1, 3)
		if len(added) != 0 || len(removed) != 0 {
			t.Errorf("diffChanged() = +%v -%v, want no change", added, removed)
		}
	})

	t.Run("added and removed inside the range is unchanged", func(t *testing.T) {
		changed := []*model.Association{association("c1", 2, 3)}

		added, removed := diffChanged(changed, 1, 4)
		if len(added) != 0 || len(removed) != 0 {
			t.Errorf("diffChanged() = +%v -%v, want no change", added, removed)
		}
	})

	t.Run("splits adds and removes", func(t *testing.T) {
		changed := []*model.Association{
			association("a", 1, 3),
			association("b", 2),
			association("c", 3),
			association("d", 1, 2),
		}

		added, removed := diffChanged(changed, 1, 3)
		if diff := cmp.Diff([]model.ContentID{"b", "c"}, added); diff != "" {
			t.Errorf("added mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]model.ContentID{"a", "d"}, removed); diff != "" {
			t.Errorf("removed mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSetCache(t *testing.T) {
	t.Run("disabled cache is nil and safe", func(t *testing.T) {
		c, err := newSetCache(0)
		if err != nil {
			t.Fatalf("newSetCache(0) error = %v", err)
		}
		if c != nil {
			t.Fatal("newSetCache(0) should return nil")
		}
		c.set("k", []model.ContentID{"c1"})
		if _, ok := c.get("k"); ok {
			t.Error("nil cache returned a hit")
		}
		c.close()
	})

	t.Run("returns copies", func(t *testing.T) {
		c, err := newSetCache(16)
		if err != nil {
			t.Fatalf("newSetCache() error = %v", err)
		}
		defer c.close()

		content := []model.ContentID{"c1", "c2"}
		c.set(setKey("r", 1), content)
		content[0] = "mutated"

		got, ok := c.get(setKey("r", 1))
		if !ok {
			t.Skip("entry not admitted by cache policy")
		}
		if diff := cmp.Diff([]model.ContentID{"c1", "c2"}, got); diff != "" {
			t.Errorf("get() mismatch (-want +got):\n%s", diff)
		}
		got[1] = "mutated"

		again, _ := c.get(setKey("r", 1))
		if again[1] != "c2" {
			t.Error("get() result aliases the cached slice")
		}
	})

	t.Run("keys are per repository and version", func(t *testing.T) {
		if setKey("r", 1) == setKey("r", 11) || setKey("r1", 1) == setKey("r", 11) {
			t.Error("setKey() collision")
		}
	})
}

// gatedStore holds AssociationsFor until release is closed.
type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	ctxErrs []error
}

func (s *gatedStore) AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	s.entered <- struct{}{}
	<-s.release

	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []*model.Association{association("c1", 1)}, nil
}

func TestResolver_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}, 2), release: make(chan struct{})}
	r, err := NewResolver(store, 0, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	defer r.Close()
	repo := &model.Repository{ID: "r", Name: "R", LatestVersion: 1}

	type result struct {
		content []model.ContentID
		err     error
	}
	resolve := func(ctx context.Context) <-chan result {
		ch := make(chan result, 1)
		go func() {
			content, err := r.ContentAt(ctx, repo, 1)
			ch <- result{content, err}
		}()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := resolve(ctx)
	<-store.entered
	second := resolve(context.Background())
	time.Sleep(20 * time.Millisecond)

	// The cancelled caller gives up without waiting for the read.
	cancel()
	if res := <-first; !errors.Is(res.err, context.Canceled) {
		t.Errorf("cancelled ContentAt() error = %v, want Canceled", res.err)
	}

	close(store.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("ContentAt() error = %v", res.err)
	}
	if diff := cmp.Diff([]model.ContentID{"c1"}, res.content); diff != "" {
		t.Errorf("ContentAt() mismatch (-want +got):\n%s", diff)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, err := range store.ctxErrs {
		if err != nil {
			t.Errorf("shared read saw ctx error %v", err)
		}
	}
}
