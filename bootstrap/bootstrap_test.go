package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "data", "threatwatch.db")
	cfg.Engine.FlushInterval = 50 * time.Millisecond
	return cfg
}

func TestSetLogLevel(t *testing.T) {
	_, _, level := InitLogger()
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	require.NoError(t, SetLogLevel(level, "debug"))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, SetLogLevel(level, ""))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	assert.Error(t, SetLogLevel(level, "loud"))
}

func TestInitStorage_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	sugar := zap.NewNop().Sugar()

	stores, err := InitStorage(context.Background(), cfg, sugar)
	require.NoError(t, err)
	defer stores.Close(sugar)

	assert.Nil(t, stores.Redis)
	assert.IsType(t, &storage.DedupCache{}, stores.Alerts)
	assert.NotNil(t, stores.DeadLetters)
	assert.NotNil(t, stores.Retention)
	assert.FileExists(t, cfg.Storage.SQLitePath)
}

func TestInitAlertStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.AlertBackend = AlertBackendRedis
	cfg.Storage.Redis.Addr = mr.Addr()
	sugar := zap.NewNop().Sugar()

	stores, err := InitStorage(context.Background(), cfg, sugar)
	require.NoError(t, err)
	defer stores.Close(sugar)
	require.NotNil(t, stores.Redis)

	event := &core.Event{
		EventID:   "evt-1",
		Timestamp: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		SourceIP:  "203.0.113.7",
		EventType: core.EventTypeAuthentication,
		Action:    core.ActionLoginFailed,
	}
	alert, err := core.NewAlert(core.RuleBruteForce, core.SeverityHigh, "test", nil, event, event.Timestamp)
	require.NoError(t, err)

	result, err := stores.Alerts.InsertIfAbsent(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, result)
	assert.NotEmpty(t, mr.Keys())
}

func TestInitAlertStore_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Storage.AlertBackend = AlertBackendRedis
	cfg.Storage.Redis.Addr = addr

	_, err := InitStorage(context.Background(), cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestInitEngine_ProcessesBatch(t *testing.T) {
	cfg := testConfig(t)
	sugar := zap.NewNop().Sugar()
	manager := config.NewStaticManager(cfg, sugar)

	stores, err := InitStorage(context.Background(), cfg, sugar)
	require.NoError(t, err)
	defer stores.Close(sugar)

	engine, err := InitEngine(manager, stores, nil, sugar)
	require.NoError(t, err)
	defer engine.Dispatcher.Stop()

	assert.Contains(t, engine.Dispatcher.Destinations(), config.DestinationLog)
	assert.Contains(t, engine.Dispatcher.Destinations(), config.DestinationSlack)

	event := &core.Event{
		EventID:   "evt-sqli",
		Timestamp: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		SourceIP:  "198.51.100.4",
		EventType: core.EventTypeAPIRequest,
		Resource:  "/search",
		Metadata:  map[string]interface{}{"query": "1 UNION SELECT password FROM users"},
	}
	result, err := engine.Pipeline.Handle(context.Background(), "test", []*core.Event{event}, 1)
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	assert.Equal(t, core.RuleSQLInjection, result.Alerts[0].Rule)

	stored, err := stores.Events.Get(context.Background(), "evt-sqli")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", stored.SourceIP)
}

func TestInitEngine_StreamHub(t *testing.T) {
	sugar := zap.NewNop().Sugar()
	stores, err := InitStorage(context.Background(), testConfig(t), sugar)
	require.NoError(t, err)
	defer stores.Close(sugar)

	cfg := testConfig(t)
	engine, err := InitEngine(config.NewStaticManager(cfg, sugar), stores, nil, sugar)
	require.NoError(t, err)
	assert.Nil(t, engine.Stream, "stream is disabled by default")
	engine.Dispatcher.Stop()

	cfg.Notifications.Stream.Enabled = true
	engine, err = InitEngine(config.NewStaticManager(cfg, sugar), stores, nil, sugar)
	require.NoError(t, err)
	defer engine.Dispatcher.Stop()
	require.NotNil(t, engine.Stream)
	assert.Contains(t, engine.Dispatcher.Destinations(), config.DestinationStream)
}
