package detect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/storage"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// memEvents is an in-memory EventQuery
type memEvents struct {
	mu     sync.Mutex
	events []*core.Event
	err    error
}

func (m *memEvents) add(events ...*core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *memEvents) EventsInWindow(ctx context.Context, key core.CorrelationKey, value string, since, until time.Time, filter core.WindowFilter) ([]*core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*core.Event
	for _, e := range m.events {
		if e.KeyValue(key) != value || e.Timestamp.Before(since) || e.Timestamp.After(until) || !filter.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// memAlerts is an in-memory AlertStore keyed by dedup key
type memAlerts struct {
	mu       sync.Mutex
	byKey    map[core.DedupKey]*core.Alert
	failRule core.RuleID
}

func newMemAlerts() *memAlerts {
	return &memAlerts{byKey: make(map[core.DedupKey]*core.Alert)}
}

func (m *memAlerts) InsertIfAbsent(ctx context.Context, alert *core.Alert) (storage.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alert.Rule == m.failRule {
		return 0, core.ErrTransientStore
	}
	if _, ok := m.byKey[alert.DedupKey()]; ok {
		return storage.AlreadyExists, nil
	}
	m.byKey[alert.DedupKey()] = alert
	return storage.Inserted, nil
}

func (m *memAlerts) QueryBySeverity(ctx context.Context, severity core.Severity, since *time.Time) ([]*core.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Alert
	for _, a := range m.byKey {
		if a.Severity == severity {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAlerts) CountBySeverity(ctx context.Context, since *time.Time) (map[core.Severity]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[core.Severity]int)
	for _, a := range m.byKey {
		counts[a.Severity]++
	}
	return counts, nil
}

func (m *memAlerts) Get(ctx context.Context, alertID string) (*core.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byKey {
		if a.AlertID == alertID {
			return a, nil
		}
	}
	return nil, storage.ErrAlertNotFound
}

func (m *memAlerts) UpdateStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error) {
	return nil, errors.New("not implemented")
}

func (m *memAlerts) keys() map[core.DedupKey]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make(map[core.DedupKey]bool, len(m.byKey))
	for k := range m.byKey {
		keys[k] = true
	}
	return keys
}

func (m *memAlerts) countRule(rule core.RuleID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.byKey {
		if k.Rule == rule {
			n++
		}
	}
	return n
}

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []*core.Alert
}

func (r *recordingDispatcher) Dispatch(_ context.Context, alert *core.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func testSettings(t *testing.T, mutate func(d *config.Detection)) *Settings {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg.Detection)
	}
	s, err := NewSettings(cfg.Detection, 50*time.Millisecond)
	require.NoError(t, err)
	return s
}

func failedLogin(id, ip, user string, at time.Time) *core.Event {
	return &core.Event{
		EventID:   id,
		Timestamp: at,
		EventType: core.EventTypeAuthentication,
		SourceIP:  ip,
		User:      user,
		Action:    core.ActionLoginFailed,
		Resource:  "/login",
	}
}

func apiRequest(id, ip, resource string, status int, at time.Time) *core.Event {
	return &core.Event{
		EventID:    id,
		Timestamp:  at,
		EventType:  core.EventTypeAPIRequest,
		SourceIP:   ip,
		User:       "svc",
		Action:     "GET",
		Resource:   resource,
		StatusCode: status,
	}
}

func int64Ptr(v int64) *int64 { return &v }
