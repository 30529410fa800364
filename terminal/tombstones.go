package terminal

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTombstoneLimit bounds how many deleted ids are remembered
const DefaultTombstoneLimit = 4096

// tombstones remembers recently deleted entity ids so a late reference can be
// reported as stale instead of unknown. Old entries are evicted.
type tombstones struct {
	cache *lru.Cache[string, struct{}]
}

func newTombstones(size int) *tombstones {
	if size <= 0 {
		size = DefaultTombstoneLimit
	}
	cache, _ := lru.New[string, struct{}](size)
	return &tombstones{cache: cache}
}

func tombKey(entityType, id string) string {
	return entityType + ":" + id
}

func (t *tombstones) bury(entityType, id string) {
	t.cache.Add(tombKey(entityType, id), struct{}{})
}

func (t *tombstones) buried(entityType, id string) bool {
	return t.cache.Contains(tombKey(entityType, id))
}
