package rv

import (
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto/v2"

	"rv-go/internal/model"
)

// setCache holds materialized content sets of committed versions. Committed
// versions never change, so entries are never invalidated. A nil *setCache
// caches nothing.
type setCache struct {
	c *ristretto.Cache[string, []model.ContentID]
}

// newSetCache returns a cache holding up to maxEntries content sets, or nil
// when maxEntries is not positive.
func newSetCache(maxEntries int) (*setCache, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []model.ContentID]{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating resolver cache: %w", err)
	}
	return &setCache{c: c}, nil
}

func setKey(repositoryID string, number int64) string {
	return fmt.Sprintf("%s/%d", repositoryID, number)
}

func (s *setCache) get(key string) ([]model.ContentID, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false
	}
	return slices.Clone(v), true
}

func (s *setCache) set(key string, content []model.ContentID) {
	if s == nil {
		return
	}
	s.c.Set(key, slices.Clone(content), 1)
	s.c.Wait()
}

func (s *setCache) close() {
	if s == nil {
		return
	}
	s.c.Close()
}
