package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"threatwatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/stretchr/testify/require"
)

// mockWebhookServer captures Slack webhook posts
type mockWebhookServer struct {
	*httptest.Server
	mu         sync.Mutex
	bodies     [][]byte
	failStatus int
}

func newMockWebhookServer(t *testing.T) *mockWebhookServer {
	m := &mockWebhookServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.bodies = append(m.bodies, body)
		status := m.failStatus
		m.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mockWebhookServer) setFailStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
}

func (m *mockWebhookServer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

func (m *mockWebhookServer) lastMessage(t *testing.T) slackMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.bodies)
	var msg slackMessage
	require.NoError(t, json.Unmarshal(m.bodies[len(m.bodies)-1], &msg))
	return msg
}

// fakeSNS records publish calls
type fakeSNS struct {
	snsiface.SNSAPI
	mu       sync.Mutex
	inputs   []*sns.PublishInput
	failFor  string
	failWith error
}

func (f *fakeSNS) PublishWithContext(_ aws.Context, in *sns.PublishInput, _ ...request.Option) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.failWith != nil && (f.failFor == "" || aws.StringValue(in.PhoneNumber) == f.failFor) {
		return nil, f.failWith
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

// recordingTransport collects payloads and optionally fails the first n sends
type recordingTransport struct {
	name     string
	mu       sync.Mutex
	payloads []Payload
	failures int
	block    chan struct{}
	started  chan struct{}
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Send(ctx context.Context, p Payload) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return io.ErrUnexpectedEOF
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingTransport) received() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

func testAlert(t *testing.T, rule core.RuleID, severity core.Severity, details map[string]interface{}) *core.Alert {
	t.Helper()
	event := &core.Event{
		EventID:   "evt-42",
		Timestamp: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		EventType: core.EventTypeAuthentication,
		SourceIP:  "203.0.113.7",
		User:      "alice",
		Action:    core.ActionLoginFailed,
		Resource:  "/login",
	}
	alert, err := core.NewAlert(rule, severity, "Multiple failed login attempts", details, event,
		time.Date(2025, 3, 10, 14, 0, 5, 0, time.UTC))
	require.NoError(t, err)
	return alert
}

type panicTransport struct{}

func (panicTransport) Name() string { return "broken" }

func (panicTransport) Send(context.Context, Payload) error { panic("transport exploded") }
