package rv

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"rv-go/internal/model"
)

// Diff is the membership change between two versions of a repository.
type Diff struct {
	From    int64
	To      int64
	Added   []model.ContentID // members at To that were not members at From
	Removed []model.ContentID // members at From that are not members at To
}

// Resolver computes the content of committed repository versions. It never
// takes the repository write lock and only sees committed associations.
type Resolver struct {
	store   Store
	cache   *setCache
	group   singleflight.Group
	metrics *Metrics
}

// NewResolver creates a Resolver over store. cacheEntries bounds the number
// of materialized versions kept in memory; 0 disables caching.
func NewResolver(store Store, cacheEntries int, metrics *Metrics) (*Resolver, error) {
	cache, err := newSetCache(cacheEntries)
	if err != nil {
		return nil, err
	}
	return &Resolver{store: store, cache: cache, metrics: metrics}, nil
}

// ContentAt returns the content that is a member of repo at version n,
// ordered by identity. Version 0 is always empty.
func (r *Resolver) ContentAt(ctx context.Context, repo *model.Repository, n int64) ([]model.ContentID, error) {
	if err := checkVersion(repo, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []model.ContentID{}, nil
	}

	started := time.Now()
	defer r.metrics.resolved("content_at", started)

	key := setKey(repo.ID, n)
	if content, ok := r.cache.get(key); ok {
		r.metrics.cacheLookup(true)
		return content, nil
	}
	r.metrics.cacheLookup(false)

	// The read is shared by every caller of key, so it must outlive any one
	// caller's cancellation. Each caller still stops waiting on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		associations, err := r.store.AssociationsFor(shared, repo.ID)
		if err != nil {
			return nil, fmt.Errorf("reading associations of %s: %w", repo.Name, err)
		}
		content := members(associations, n)
		r.cache.set(key, content)
		return content, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]model.ContentID)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("resolving version %d of %s: %w", n, repo.Name, ctx.Err())
	}
}

// Diff returns the content added and removed between versions from and to
// of repo. Only associations that start or end inside (from, to] are read.
func (r *Resolver) Diff(ctx context.Context, repo *model.Repository, from, to int64) (*Diff, error) {
	if from > to {
		return nil, fmt.Errorf("diff %d..%d of %s: %w", from, to, repo.Name, ErrInvalidRange)
	}
	if err := checkVersion(repo, from); err != nil {
		return nil, err
	}
	if err := checkVersion(repo, to); err != nil {
		return nil, err
	}

	started := time.Now()
	defer r.metrics.resolved("diff", started)

	d := &Diff{From: from, To: to, Added: []model.ContentID{}, Removed: []model.ContentID{}}
	if from == to {
		return d, nil
	}

	changed, err := r.store.ChangedBetween(ctx, repo.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading changes of %s: %w", repo.Name, err)
	}
	d.Added, d.Removed = diffChanged(changed, from, to)
	return d, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	r.cache.close()
}

func checkVersion(repo *model.Repository, n int64) error {
	if n < 0 || n > repo.LatestVersion {
		return fmt.Errorf("version %d of %s (latest %d): %w", n, repo.Name, repo.LatestVersion, ErrUnknownVersion)
	}
	return nil
}

// members applies the interval test to every association.
func members(associations []*model.Association, n int64) []model.ContentID {
	content := []model.ContentID{}
	for _, a := range associations {
		if a.Contains(n) {
			content = append(content, a.ContentID)
		}
	}
	slices.Sort(content)
	return slices.Compact(content)
}

// diffChanged compares membership at from and to using only associations
// with a boundary in (from, to], grouped by content. A content whose
// membership spans the whole range has no such association, and intervals of
// one content never overlap, so no other association of it can be changed.
func diffChanged(changed []*model.Association, from, to int64) (added, removed []model.ContentID) {
	added = []model.ContentID{}
	removed = []model.ContentID{}

	for i := 0; i < len(changed); {
		content := changed[i].ContentID
		inFrom, inTo := false, false
		for ; i < len(changed) && changed[i].ContentID == content; i++ {
			inFrom = inFrom || changed[i].Contains(from)
			inTo = inTo || changed[i].Contains(to)
		}
		switch {
		case inTo && !inFrom:
			added = append(added, content)
		case inFrom && !inTo:
			removed = append(removed, content)
		}
	}

	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}
