package core

import (
	"errors"
	"fmt"
	"time"
)

// validTransitions defines the forward-only alert lifecycle
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:         {AlertStatusAcknowledged, AlertStatusResolved},
	AlertStatusAcknowledged: {AlertStatusResolved},
	AlertStatusResolved:     {},
}

// ErrInvalidTransition is returned when a status change would regress the lifecycle
var ErrInvalidTransition = errors.New("invalid alert status transition")

// TransitionTo validates and applies a status change.
// Re-applying the current status is a no-op so that retried updates are harmless.
func (a *Alert) TransitionTo(newStatus AlertStatus, at time.Time) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}
	if newStatus == a.Status {
		return nil
	}
	if !a.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, a.Status, newStatus, a.GetAllowedTransitions())
	}

	a.Status = newStatus
	a.UpdatedAt = at.UTC()
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	for _, status := range validTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns all valid transitions from the current state
func (a *Alert) GetAllowedTransitions() []AlertStatus {
	allowed := validTransitions[a.Status]
	result := make([]AlertStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsFinalState checks if the alert is in a final state
func (a *Alert) IsFinalState() bool {
	allowed, exists := validTransitions[a.Status]
	return exists && len(allowed) == 0
}
