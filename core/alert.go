package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceEventSummary is the denormalized view of the triggering event kept on an alert.
// It is a back-reference only; the event itself lives in the event store.
type SourceEventSummary struct {
	EventType EventType `json:"eventType"`
	SourceIP  string    `json:"sourceIp"`
	User      string    `json:"user"`
	Resource  string    `json:"resource"`
}

// Alert is the output of a triggered detection rule.
type Alert struct {
	AlertID       string                 `json:"alertId"`
	Timestamp     time.Time              `json:"timestamp"`
	Rule          RuleID                 `json:"rule"`
	Severity      Severity               `json:"severity"`
	Description   string                 `json:"description"`
	Details       map[string]interface{} `json:"details"`
	SourceEventID string                 `json:"sourceEventId"`
	SourceEvent   SourceEventSummary     `json:"sourceEvent"`
	Status        AlertStatus            `json:"status"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// DedupKey identifies an alert for idempotent persistence.
type DedupKey struct {
	Rule          RuleID
	SourceEventID string
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s:%s", k.Rule, k.SourceEventID)
}

// DedupKey returns the (rule, source event) pair that makes this alert unique.
func (a *Alert) DedupKey() DedupKey {
	return DedupKey{Rule: a.Rule, SourceEventID: a.SourceEventID}
}

// NewAlert creates an OPEN alert for the given rule match with a fresh identifier.
// The alert timestamp is the creation time; the event's own time is kept on the event.
func NewAlert(rule RuleID, severity Severity, description string, details map[string]interface{}, event *Event, now time.Time) (*Alert, error) {
	if !rule.IsValid() {
		return nil, fmt.Errorf("unknown rule %q", rule)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity for rule %s", rule)
	}
	if event == nil || event.EventID == "" {
		return nil, errors.New("alert requires a triggering event")
	}
	if details == nil {
		details = make(map[string]interface{})
	}

	now = now.UTC()
	return &Alert{
		AlertID:       uuid.New().String(),
		Timestamp:     now,
		Rule:          rule,
		Severity:      severity,
		Description:   description,
		Details:       details,
		SourceEventID: event.EventID,
		SourceEvent: SourceEventSummary{
			EventType: event.EventType,
			SourceIP:  event.SourceIP,
			User:      event.User,
			Resource:  event.Resource,
		},
		Status:    AlertStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
