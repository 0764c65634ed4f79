package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlert(t *testing.T) {
	event := &Event{
		EventID:   "evt-42",
		Timestamp: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		EventType: EventTypeAuthentication,
		SourceIP:  "192.168.1.100",
		User:      "admin",
		Resource:  "/login",
	}
	now := time.Date(2025, 1, 15, 10, 0, 5, 0, time.FixedZone("X", 3600))

	alert, err := NewAlert(RuleBruteForce, SeverityHigh, "5 failed logins", map[string]interface{}{"failed_attempts": 5}, event, now)
	require.NoError(t, err)

	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, AlertStatusOpen, alert.Status)
	assert.Equal(t, "evt-42", alert.SourceEventID)
	assert.Equal(t, "192.168.1.100", alert.SourceEvent.SourceIP)
	assert.Equal(t, time.UTC, alert.Timestamp.Location())
	assert.Equal(t, alert.CreatedAt, alert.UpdatedAt)
	assert.Equal(t, DedupKey{Rule: RuleBruteForce, SourceEventID: "evt-42"}, alert.DedupKey())
	assert.Equal(t, "BRUTE_FORCE:evt-42", alert.DedupKey().String())

	other, err := NewAlert(RuleBruteForce, SeverityHigh, "again", nil, event, now)
	require.NoError(t, err)
	assert.NotEqual(t, alert.AlertID, other.AlertID)
	assert.Equal(t, alert.DedupKey(), other.DedupKey())
	assert.NotNil(t, other.Details)
}

func TestNewAlert_RejectsInvalidInput(t *testing.T) {
	event := &Event{EventID: "evt-1", Timestamp: time.Now()}

	_, err := NewAlert("NOT_A_RULE", SeverityLow, "", nil, event, time.Now())
	assert.Error(t, err)

	_, err = NewAlert(RuleSQLInjection, SeverityUnknown, "", nil, event, time.Now())
	assert.Error(t, err)

	_, err = NewAlert(RuleSQLInjection, SeverityHigh, "", nil, nil, time.Now())
	assert.Error(t, err)
}

func TestAlert_JSONSeverityIsName(t *testing.T) {
	event := &Event{EventID: "evt-1", Timestamp: time.Now()}
	alert, err := NewAlert(RuleGeoAnomaly, SeverityCritical, "impossible travel", nil, event, time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(alert)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"CRITICAL"`)
	assert.Contains(t, string(data), `"status":"OPEN"`)
}
