package storage

import (
	"context"
	"fmt"

	"threatwatch/core"
	"threatwatch/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache fronts an AlertStore with an LRU of dedup keys known to be persisted.
// Redelivered batches skip the store round trip for alerts already written.
// A miss always falls through to the store, so eviction never loses correctness.
type DedupCache struct {
	AlertStore
	known *lru.Cache[string, struct{}]
}

// NewDedupCache wraps store with a cache holding up to size keys
func NewDedupCache(store AlertStore, size int) (*DedupCache, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &DedupCache{AlertStore: store, known: cache}, nil
}

// InsertIfAbsent answers AlreadyExists from the cache or delegates to the store
func (c *DedupCache) InsertIfAbsent(ctx context.Context, alert *core.Alert) (InsertResult, error) {
	key := alert.DedupKey().String()
	if c.known.Contains(key) {
		metrics.DedupCacheHits.Inc()
		return AlreadyExists, nil
	}

	result, err := c.AlertStore.InsertIfAbsent(ctx, alert)
	if err != nil {
		return 0, err
	}
	c.known.Add(key, struct{}{})
	return result, nil
}

// Len returns the number of cached keys
func (c *DedupCache) Len() int {
	return c.known.Len()
}

var _ AlertStore = (*DedupCache)(nil)
