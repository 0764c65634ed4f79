package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"threatwatch/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAlert(t *testing.T, rule core.RuleID, sev core.Severity, eventID string, at time.Time) *core.Alert {
	t.Helper()
	event := &core.Event{EventID: eventID, Timestamp: at, SourceIP: "10.0.0.1", User: "alice"}
	alert, err := core.NewAlert(rule, sev, "test alert", map[string]interface{}{"attemptCount": 5}, event, at)
	require.NoError(t, err)
	return alert
}

func alertStores(t *testing.T) map[string]func(t *testing.T) AlertStore {
	return map[string]func(t *testing.T) AlertStore{
		"sqlite": func(t *testing.T) AlertStore {
			return NewSQLiteAlertStore(newTestSQLite(t), zap.NewNop().Sugar())
		},
		"redis": func(t *testing.T) AlertStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisAlertStore(client, "test", zap.NewNop().Sugar())
		},
		"cached-sqlite": func(t *testing.T) AlertStore {
			cache, err := NewDedupCache(NewSQLiteAlertStore(newTestSQLite(t), zap.NewNop().Sugar()), 16)
			require.NoError(t, err)
			return cache
		},
	}
}

func TestAlertStore_InsertIfAbsent(t *testing.T) {
	for name, factory := range alertStores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			first := newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime)
			result, err := store.InsertIfAbsent(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, Inserted, result)

			// Same dedup key, fresh alert id: the redelivery case
			again := newAlert(t, core.RuleBruteForce, core.SeverityHigh, "evt-1", baseTime.Add(time.Second))
			result, err = store.InsertIfAbsent(ctx, again)
			require.NoError(t, err)
			assert.Equal(t, AlreadyExists, result)

			otherRule := newAlert(t, core.RuleCredentialStuffing, core.SeverityHigh, "evt-1", baseTime)
			result, err = store.InsertIfAbsent(ctx, otherRule)
			require.NoError(t, err)
			assert.Equal(t, Inserted, result)

			got, err := store.Get(ctx, first.AlertID)
			require.NoError(t, err)
			assert.Equal(t, core.RuleBruteForce, got.Rule)
			assert.Equal(t, core.SeverityHigh, got.Severity)
			assert.Equal(t, core.AlertStatusOpen, got.Status)
			assert.Equal(t, "evt-1", got.SourceEventID)
			assert.Equal(t, "10.0.0.1", got.SourceEvent.SourceIP)
			assert.EqualValues(t, 5, got.Details["attemptCount"])

			_, err = store.Get(ctx, again.AlertID)
			assert.ErrorIs(t, err, ErrAlertNotFound)

			counts, err := store.CountBySeverity(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 2, counts[core.SeverityHigh])
			assert.Equal(t, 0, counts[core.SeverityLow])
		})
	}
}

func TestAlertStore_ConcurrentInsertSameKey(t *testing.T) {
	for name, factory := range alertStores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inserted int
			)
			for i := 0; i < 8; i++ {
				alert := newAlert(t, core.RuleSQLInjection, core.SeverityHigh, "evt-race", baseTime)
				wg.Add(1)
				go func() {
					defer wg.Done()
					result, err := store.InsertIfAbsent(ctx, alert)
					if err != nil {
						return
					}
					if result == Inserted {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, inserted)
		})
	}
}

func TestAlertStore_QueryBySeverity(t *testing.T) {
	for name, factory := range alertStores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			old := newAlert(t, core.RuleSuspiciousIP, core.SeverityMedium, "evt-old", baseTime.Add(-2*time.Hour))
			recent := newAlert(t, core.RuleNetworkScanning, core.SeverityMedium, "evt-new", baseTime)
			critical := newAlert(t, core.RulePrivilegeEscalation, core.SeverityCritical, "evt-crit", baseTime)
			for _, a := range []*core.Alert{old, recent, critical} {
				_, err := store.InsertIfAbsent(ctx, a)
				require.NoError(t, err)
			}

			all, err := store.QueryBySeverity(ctx, core.SeverityMedium, nil)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, recent.AlertID, all[0].AlertID, "newest first")

			since := baseTime.Add(-time.Hour)
			filtered, err := store.QueryBySeverity(ctx, core.SeverityMedium, &since)
			require.NoError(t, err)
			require.Len(t, filtered, 1)
			assert.Equal(t, recent.AlertID, filtered[0].AlertID)

			counts, err := store.CountBySeverity(ctx, &since)
			require.NoError(t, err)
			assert.Equal(t, 1, counts[core.SeverityMedium])
			assert.Equal(t, 1, counts[core.SeverityCritical])

			none, err := store.QueryBySeverity(ctx, core.SeverityLow, nil)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestAlertStore_UpdateStatus(t *testing.T) {
	for name, factory := range alertStores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			alert := newAlert(t, core.RuleDataExfiltration, core.SeverityHigh, "evt-1", baseTime)
			_, err := store.InsertIfAbsent(ctx, alert)
			require.NoError(t, err)

			updated, err := store.UpdateStatus(ctx, alert.AlertID, core.AlertStatusAcknowledged)
			require.NoError(t, err)
			assert.Equal(t, core.AlertStatusAcknowledged, updated.Status)
			assert.True(t, updated.UpdatedAt.After(alert.UpdatedAt) || updated.UpdatedAt.Equal(alert.UpdatedAt))

			updated, err = store.UpdateStatus(ctx, alert.AlertID, core.AlertStatusResolved)
			require.NoError(t, err)
			assert.Equal(t, core.AlertStatusResolved, updated.Status)

			_, err = store.UpdateStatus(ctx, alert.AlertID, core.AlertStatusOpen)
			assert.ErrorIs(t, err, core.ErrInvalidTransition)

			got, err := store.Get(ctx, alert.AlertID)
			require.NoError(t, err)
			assert.Equal(t, core.AlertStatusResolved, got.Status)

			_, err = store.UpdateStatus(ctx, "missing", core.AlertStatusResolved)
			assert.ErrorIs(t, err, ErrAlertNotFound)
		})
	}
}
