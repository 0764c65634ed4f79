package core

import (
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event is a single observed, normalized security action.
// Events are written once by ingestion and never mutated afterwards.
type Event struct {
	EventID          string                 `json:"eventId" validate:"required,max=256"`
	Timestamp        time.Time              `json:"timestamp" validate:"required"`
	EventType        EventType              `json:"eventType" validate:"omitempty,oneof=authentication api_request file_access admin_action network"`
	SourceIP         string                 `json:"sourceIp"`
	DestinationIP    string                 `json:"destinationIp,omitempty"`
	User             string                 `json:"user"`
	Action           string                 `json:"action"`
	Resource         string                 `json:"resource"`
	StatusCode       int                    `json:"statusCode"`
	BytesTransferred *int64                 `json:"bytesTransferred,omitempty"`
	UserAgent        string                 `json:"userAgent,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Stores keep timestamps as Unix nanoseconds; events outside this range
// would not survive a round trip.
var (
	MinTimestamp = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTimestamp = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// TimestampInRange reports whether t lies in [MinTimestamp, MaxTimestamp)
func TimestampInRange(t time.Time) bool {
	return !t.Before(MinTimestamp) && t.Before(MaxTimestamp)
}

var (
	validateOnce   sync.Once
	eventValidator *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		eventValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return eventValidator
}

// Validate rejects events missing the fields required before evaluation.
// The returned error is always a *MalformedEventError.
func (e *Event) Validate() error {
	if e == nil {
		return &MalformedEventError{Fields: []string{"event"}}
	}
	var fields []string
	if err := getValidator().Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &MalformedEventError{EventID: e.EventID, Fields: []string{err.Error()}}
		}
		for _, fe := range fieldErrs {
			fields = append(fields, fe.Field())
		}
	}
	if !e.Timestamp.IsZero() && !TimestampInRange(e.Timestamp) {
		fields = append(fields, "Timestamp")
	}
	if len(fields) == 0 {
		return nil
	}
	return &MalformedEventError{EventID: e.EventID, Fields: fields}
}

// IsFailedLogin reports whether the event is a failed authentication attempt.
func (e *Event) IsFailedLogin() bool {
	return e.EventType == EventTypeAuthentication && e.Action == ActionLoginFailed
}

// WindowFilter narrows a window query to the events a rule counts.
// The zero value matches every event.
type WindowFilter struct {
	FailedLoginsOnly bool
	EventType        EventType // empty matches any type
	StatusCode       int       // zero matches any status
}

// Matches reports whether e passes the filter
func (f WindowFilter) Matches(e *Event) bool {
	if f.FailedLoginsOnly && !e.IsFailedLogin() {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	return f.StatusCode == 0 || e.StatusCode == f.StatusCode
}

// HourUTC returns the hour of day of the event in UTC.
func (e *Event) HourUTC() int {
	return e.Timestamp.UTC().Hour()
}

// KeyValue returns the value of the given correlation key on this event.
func (e *Event) KeyValue(key CorrelationKey) string {
	switch key {
	case CorrelationKeySourceIP:
		return e.SourceIP
	case CorrelationKeyUser:
		return e.User
	default:
		return ""
	}
}
