package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTransientStore marks query/write timeouts and throttling from a backing store.
// Callers recover through batch redelivery.
var ErrTransientStore = errors.New("transient store error")

// IsTransient reports whether err is worth retrying through redelivery.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MalformedEventError reports an event rejected before evaluation.
type MalformedEventError struct {
	EventID string
	Fields  []string
}

func (e *MalformedEventError) Error() string {
	id := e.EventID
	if id == "" {
		id = "<missing>"
	}
	return fmt.Sprintf("malformed event %s: invalid or missing %s", id, strings.Join(e.Fields, ", "))
}

// EvaluatorFault is a failure of one rule evaluator on one event.
// It never propagates past the orchestrator.
type EvaluatorFault struct {
	Rule    RuleID
	EventID string
	Err     error
}

func (e *EvaluatorFault) Error() string {
	return fmt.Sprintf("evaluator %s failed on event %s: %v", e.Rule, e.EventID, e.Err)
}

func (e *EvaluatorFault) Unwrap() error {
	return e.Err
}

// NotificationFailure is a transport-level delivery failure.
type NotificationFailure struct {
	Destination string
	AlertID     string
	Err         error
}

func (e *NotificationFailure) Error() string {
	return fmt.Sprintf("notification to %s for alert %s failed: %v", e.Destination, e.AlertID, e.Err)
}

func (e *NotificationFailure) Unwrap() error {
	return e.Err
}
