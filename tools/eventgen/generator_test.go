package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var scenarioStart = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "eventgen.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	settings, err := detect.NewSettings(config.Defaults().Detection, 100*time.Millisecond)
	require.NoError(t, err)

	events := storage.NewSQLiteEventStore(db, 5000, logger)
	orchestrator := detect.NewOrchestrator(events, storage.NewSQLiteAlertStore(db, logger),
		detect.StaticSettings(settings), nil, detect.Options{MaxConcurrency: 4, QueryTimeout: 2 * time.Second}, logger)
	return ingest.NewPipeline(events, orchestrator, logger)
}

func rulesOf(alerts []*core.Alert) map[core.RuleID]int {
	out := make(map[core.RuleID]int)
	for _, a := range alerts {
		out[a.Rule]++
	}
	return out
}

func TestScenariosTriggerTheirRules(t *testing.T) {
	tests := []struct {
		scenario string
		rule     core.RuleID
	}{
		{"brute_force", core.RuleBruteForce},
		{"credential_stuffing", core.RuleCredentialStuffing},
		{"scan", core.RuleNetworkScanning},
		{"sql_injection", core.RuleSQLInjection},
		{"exfiltration", core.RuleDataExfiltration},
		{"privilege_escalation", core.RulePrivilegeEscalation},
		{"off_hours", core.RuleAnomalousTimeAccess},
		{"rate_limit", core.RuleAPIRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			gen := NewEventGenerator(42, scenarioStart, 100*time.Millisecond)
			events, err := buildScenario(gen, tt.scenario, "203.0.113.66")
			require.NoError(t, err)
			require.NotEmpty(t, events)

			result, err := newTestPipeline(t).Handle(context.Background(), "eventgen", events, 1)
			require.NoError(t, err)
			assert.Empty(t, result.Rejected)
			assert.Contains(t, rulesOf(result.Alerts), tt.rule)
		})
	}
}

func TestNoiseIsBenign(t *testing.T) {
	gen := NewEventGenerator(7, scenarioStart, 30*time.Second)
	events := gen.GenerateNoise(50)
	require.Len(t, events, 50)

	result, err := newTestPipeline(t).Handle(context.Background(), "eventgen", events, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, result.Evaluated)
	assert.Empty(t, result.Alerts)
}

func TestUnknownScenario(t *testing.T) {
	_, err := buildScenario(NewEventGenerator(1, scenarioStart, time.Second), "teleport", "203.0.113.66")
	assert.Error(t, err)
}

func TestWriteBatchRoundTrips(t *testing.T) {
	gen := NewEventGenerator(3, scenarioStart, time.Second)
	events := gen.GenerateBruteForceScenario("203.0.113.66", 3)

	var buf bytes.Buffer
	require.NoError(t, writeBatch(&buf, events))

	decoded, err := ingest.DecodeBatch(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 4)
	assert.Equal(t, events[0].EventID, decoded[0].EventID)
	assert.True(t, decoded[3].Timestamp.Equal(scenarioStart.Add(3*time.Second)))
}

func TestBatches(t *testing.T) {
	events := make([]*core.Event, 7)
	assert.Len(t, batches(events, 0), 1)
	assert.Len(t, batches(events, 3), 3)
}

func TestSendToAPI_Encodings(t *testing.T) {
	gen := NewEventGenerator(5, scenarioStart, time.Second)
	events := gen.GenerateSQLInjectionScenario("192.0.2.99")

	for _, encoding := range []string{"json", "msgpack"} {
		t.Run(encoding, func(t *testing.T) {
			var (
				contentType string
				auth        string
				decoded     []*core.Event
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contentType = r.Header.Get("Content-Type")
				auth = r.Header.Get("Authorization")
				body, _ := io.ReadAll(r.Body)
				var err error
				decoded, err = ingest.DecodePayload(body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(`{"evaluated":1}`))
			}))
			defer srv.Close()

			require.NoError(t, sendToAPI(context.Background(), srv.URL, "tkn", encoding, events))
			assert.Equal(t, "application/"+encoding, contentType)
			assert.Equal(t, "Bearer tkn", auth)
			require.Len(t, decoded, len(events))
			assert.Equal(t, events[0].EventID, decoded[0].EventID)
		})
	}
}
