package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"threatwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAlertStore struct {
	AlertStore
	inserts int
	seen    map[string]bool
	err     error
}

func (c *countingAlertStore) InsertIfAbsent(ctx context.Context, alert *core.Alert) (InsertResult, error) {
	c.inserts++
	if c.err != nil {
		return 0, c.err
	}
	key := alert.DedupKey().String()
	if c.seen[key] {
		return AlreadyExists, nil
	}
	c.seen[key] = true
	return Inserted, nil
}

func TestDedupCache_ShortCircuitsKnownKeys(t *testing.T) {
	inner := &countingAlertStore{seen: map[string]bool{}}
	cache, err := NewDedupCache(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := cache.InsertIfAbsent(ctx, newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	result, err = cache.InsertIfAbsent(ctx, newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, result)
	assert.Equal(t, 1, inner.inserts, "second insert answered from cache")

	for i := 0; i < 3; i++ {
		_, err := cache.InsertIfAbsent(ctx, newAlert(t, core.RuleBruteForce, core.SeverityHigh, fmt.Sprintf("evt-x%d", i), baseTime))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())

	// evt-1 was evicted; the store still answers correctly
	result, err = cache.InsertIfAbsent(ctx, newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, result)
	assert.Equal(t, 5, inner.inserts)
}

func TestDedupCache_ErrorsAreNotCached(t *testing.T) {
	inner := &countingAlertStore{seen: map[string]bool{}, err: errors.New("disk full")}
	cache, err := NewDedupCache(inner, 8)
	require.NoError(t, err)

	_, err = cache.InsertIfAbsent(context.Background(), newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime))
	require.Error(t, err)
	assert.Zero(t, cache.Len())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))

	err := classify("query window", context.DeadlineExceeded)
	assert.True(t, core.IsTransient(err))
	assert.Contains(t, err.Error(), "query window")

	err = classify("query window", errors.New("no such table: events"))
	assert.False(t, core.IsTransient(err))

	assert.True(t, core.IsTransient(classifyRedis("insert", fmt.Errorf("LOADING Redis is loading the dataset in memory"))))
	assert.False(t, core.IsTransient(classifyRedis("insert", errors.New("WRONGTYPE"))))
}
