package storage

import (
	"context"
	"time"

	"threatwatch/core"
)

// InsertResult reports the outcome of a conditional alert insert
type InsertResult int

const (
	// Inserted means the alert was new and is now persisted
	Inserted InsertResult = iota + 1
	// AlreadyExists means an alert with the same dedup key was persisted earlier
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// EventStore is the durable, queryable record of ingested events
type EventStore interface {
	// EventsInWindow returns events whose key attribute equals value and whose
	// timestamp lies in [since, until] and that pass filter, ascending by timestamp.
	EventsInWindow(ctx context.Context, key core.CorrelationKey, value string, since, until time.Time, filter core.WindowFilter) ([]*core.Event, error)
	Get(ctx context.Context, eventID string) (*core.Event, error)
	// Append is idempotent on EventID
	Append(ctx context.Context, event *core.Event) error
}

// AlertStore persists alerts with (rule, sourceEventId) uniqueness
type AlertStore interface {
	InsertIfAbsent(ctx context.Context, alert *core.Alert) (InsertResult, error)
	QueryBySeverity(ctx context.Context, severity core.Severity, since *time.Time) ([]*core.Alert, error)
	CountBySeverity(ctx context.Context, since *time.Time) (map[core.Severity]int, error)
	Get(ctx context.Context, alertID string) (*core.Alert, error)
	UpdateStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error)
}
