package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/ingest"
	"threatwatch/notify"
	"threatwatch/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type recordingNotifier struct {
	mu       sync.Mutex
	resolved []string
}

func (n *recordingNotifier) NotifyResolved(_ context.Context, alert *core.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, alert.AlertID)
}

type queueingBatcher struct {
	mu     sync.Mutex
	events []*core.Event
	err    error
}

func (b *queueingBatcher) Add(_ context.Context, e *core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, e)
	return nil
}

type testEnv struct {
	api         *API
	alerts      storage.AlertStore
	deadLetters *storage.DeadLetterStore
	notifier    *recordingNotifier
	batcher     *queueingBatcher
}

func newTestEnv(t *testing.T, opts Options, withDeps ...func(*Deps)) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := storage.NewSQLiteEventStore(db, 5000, logger)
	alerts := storage.NewSQLiteAlertStore(db, logger)
	settings, err := detect.NewSettingsHolder(config.Defaults())
	require.NoError(t, err)
	orch := detect.NewOrchestrator(events, alerts, settings, nil, detect.Options{QueryTimeout: time.Second}, logger)

	env := &testEnv{
		alerts:      alerts,
		deadLetters: storage.NewDeadLetterStore(db, logger),
		notifier:    &recordingNotifier{},
		batcher:     &queueingBatcher{},
	}
	deps := Deps{
		Pipeline:    ingest.NewPipeline(events, orch, logger),
		Batcher:     env.batcher,
		Alerts:      alerts,
		Notifier:    env.notifier,
		DeadLetters: env.deadLetters,
		Health:      db,
	}
	for _, fn := range withDeps {
		fn(&deps)
	}
	env.api = NewAPI(deps, opts, logger)
	t.Cleanup(func() { _ = env.api.Stop(context.Background()) })
	return env
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func bruteForceBatch(n int) string {
	var b bytes.Buffer
	b.WriteString(`{"events":[`)
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"eventId":"bf-%d","timestamp":%d,"eventType":"authentication","sourceIp":"198.51.100.23","user":"alice","action":"login_failed","resource":"/login"}`,
			i, base+int64(i*10))
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestPostBatch_BruteForceProducesOneAlert(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/api/v1/batches", bruteForceBatch(8), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.DeliveryAttempt)
	assert.Equal(t, 8, resp.Evaluated)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, core.RuleBruteForce, resp.Alerts[0].Rule)
	assert.Equal(t, "bf-7", resp.Alerts[0].SourceEventID)
	assert.EqualValues(t, 8, resp.Alerts[0].Details["attemptCount"])

	redelivered := env.do(http.MethodPost, "/api/v1/batches", bruteForceBatch(8), map[string]string{deliveryAttemptHeader: "2"})
	require.Equal(t, http.StatusOK, redelivered.Code)
	var again batchResponse
	require.NoError(t, json.Unmarshal(redelivered.Body.Bytes(), &again))
	assert.Empty(t, again.Alerts, "redelivery creates no new alerts")
	assert.Equal(t, 1, again.Duplicates)
	assert.Equal(t, 2, again.DeliveryAttempt)
}

func TestPostBatch_AcceptsMsgpack(t *testing.T) {
	env := newTestEnv(t, Options{})

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	events := make([]*core.Event, 6)
	for i := range events {
		events[i] = &core.Event{
			EventID:   fmt.Sprintf("mp-%d", i),
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			EventType: core.EventTypeAuthentication,
			SourceIP:  "198.51.100.90",
			User:      "carol",
			Action:    core.ActionLoginFailed,
			Resource:  "/login",
		}
	}
	body, err := ingest.EncodeMsgpackBatch(events)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/v1/batches", string(body), map[string]string{"Content-Type": "application/msgpack"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Evaluated)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, core.RuleBruteForce, resp.Alerts[0].Rule)
}

func TestPostBatch_ReportsMalformedEvents(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/api/v1/batches", `{"events":[{"eventId":"ok","timestamp":1736935200},{"timestamp":1736935200}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Evaluated)
	require.Len(t, resp.Rejected, 1)
	assert.Contains(t, resp.Rejected[0].Fields, "EventID")
}

func TestPostBatch_UndecodableIsDeadLettered(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/api/v1/batches", `{"events":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	letters, err := env.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "http", letters[0].Source)
	assert.Equal(t, []byte(`{"events":`), letters[0].Payload)
}

func TestPostBatch_RejectsBadAttemptHeaderAndLargeBodies(t *testing.T) {
	env := newTestEnv(t, Options{MaxBodyBytes: 64})

	rec := env.do(http.MethodPost, "/api/v1/batches", `{"events":[]}`, map[string]string{deliveryAttemptHeader: "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/batches", bruteForceBatch(3), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPostEvent(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/api/v1/events", `{"eventId":"e1","timestamp":"2025-01-15T10:00:00Z","eventType":"api_request"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, env.batcher.events, 1)
	assert.Equal(t, "e1", env.batcher.events[0].EventID)

	rec = env.do(http.MethodPost, "/api/v1/events", `{"eventId":"e2"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Timestamp")

	env.batcher.err = detect.ErrBatcherClosed
	rec = env.do(http.MethodPost, "/api/v1/events", `{"eventId":"e3","timestamp":1736935200}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAlertQueries(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/batches", bruteForceBatch(6), nil).Code)

	rec := env.do(http.MethodGet, "/api/v1/alerts?severity=high", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []*core.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	rec = env.do(http.MethodGet, "/api/v1/alerts?severity=LOW", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/alerts?severity=HIGH&since=2199-01-01T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/alerts?severity=HIGH&since=2025-01-01T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	assert.Len(t, alerts, 1)

	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodGet, "/api/v1/alerts?severity=HIGH&since=2999-01-01T00:00:00Z", "", nil).Code,
		"a since beyond the storable range is rejected rather than wrapping")
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodGet, "/api/v1/alerts?severity=HIGH&since=1600-01-01T00:00:00Z", "", nil).Code)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/alerts?severity=urgent", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/alerts?severity=HIGH&since=yesterday", "", nil).Code)

	rec = env.do(http.MethodGet, "/api/v1/alerts/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bySeverity":{"LOW":0,"MEDIUM":0,"HIGH":1,"CRITICAL":0},"total":1}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/alerts/"+alerts[0].AlertID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/alerts/missing", "", nil).Code)
}

func TestUpdateAlertStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/batches", bruteForceBatch(5), nil).Code)
	alerts, err := env.alerts.QueryBySeverity(context.Background(), core.SeverityHigh, nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	path := "/api/v1/alerts/" + alerts[0].AlertID + "/status"

	rec := env.do(http.MethodPost, path, `{"action":"acknowledge"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ACKNOWLEDGED"`)
	assert.Empty(t, env.notifier.resolved)

	rec = env.do(http.MethodPost, path, `{"action":"resolve"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{alerts[0].AlertID}, env.notifier.resolved)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, path, `{"action":"acknowledge"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, path, `{"action":"reopen"}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/v1/alerts/nope/status", `{"action":"resolve"}`, nil).Code)
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, Options{TokenHash: string(hash)})

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/alerts/summary", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/alerts/summary", "",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", nil).Code, "health is not authenticated")
}

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func TestJWTAuth(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: testJWTSecret, JWTIssuer: "threatwatch"})
	now := time.Now()
	bearer := func(token string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}

	valid, err := IssueToken(testJWTSecret, "threatwatch", "ingest-bot", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "", bearer(valid)).Code)

	expired, err := IssueToken(testJWTSecret, "threatwatch", "ingest-bot", time.Minute, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/alerts/summary", "", bearer(expired)).Code)

	forged, err := IssueToken("ffffffffffffffffffffffffffffffff", "threatwatch", "ingest-bot", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/alerts/summary", "", bearer(forged)).Code)

	otherIssuer, err := IssueToken(testJWTSecret, "someone-else", "ingest-bot", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/alerts/summary", "", bearer(otherIssuer)).Code)
}

func TestJWTAndStaticTokenTogether(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, Options{TokenHash: string(hash), JWTSecret: testJWTSecret})

	token, err := IssueToken(testJWTSecret, "", "cli", time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "",
		map[string]string{"Authorization": "Bearer " + token}).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestIssueToken_Validation(t *testing.T) {
	_, err := IssueToken("", "threatwatch", "bot", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = IssueToken(testJWTSecret, "threatwatch", "", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = IssueToken(testJWTSecret, "threatwatch", "bot", 0, time.Now())
	assert.Error(t, err)
}

func TestAlertStream(t *testing.T) {
	hub := notify.NewStreamHub(8, zap.NewNop().Sugar())
	t.Cleanup(hub.Close)
	env := newTestEnv(t, Options{}, func(d *Deps) { d.Stream = hub })

	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/alerts/stream", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	event := &core.Event{EventID: "e-1", Timestamp: time.Now(), SourceIP: "198.51.100.23", User: "root"}
	alert, err := core.NewAlert(core.RuleFailedPrivilegedAuth, core.SeverityHigh, "Failed privileged login", nil, event, time.Now())
	require.NoError(t, err)
	require.NoError(t, hub.Send(context.Background(), notify.NewPayload(alert, notify.KindAlert)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame notify.StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, alert.AlertID, frame.AlertID)
	assert.Equal(t, core.SeverityHigh, frame.Severity)
}

func TestAlertStream_NotRoutedWithoutHub(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/alerts/stream", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RequestsPerSecond: 0.001, Burst: 2})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/alerts/summary", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/api/v1/alerts/summary", "", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threatwatch_")
}
