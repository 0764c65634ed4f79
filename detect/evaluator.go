package detect

import (
	"context"
	"time"

	"threatwatch/core"
)

// EventQuery is the read side of the event store used by windowed rules
type EventQuery interface {
	EventsInWindow(ctx context.Context, key core.CorrelationKey, value string, since, until time.Time, filter core.WindowFilter) ([]*core.Event, error)
}

// Candidate is a rule match that has not been persisted yet
type Candidate struct {
	Rule        core.RuleID
	Severity    core.Severity
	Description string
	Details     map[string]interface{}
	Event       *core.Event
	// Key is set by windowed rules; candidates sharing rule and key value
	// within one batch collapse to the latest.
	Key core.CorrelationKey
}

// Evaluator checks one rule against one event. Implementations never mutate
// the event or settings and never persist anything; a nil candidate means
// the rule did not match.
type Evaluator interface {
	Rule() core.RuleID
	Severity() core.Severity
	Evaluate(ctx context.Context, event *core.Event, q EventQuery, s *Settings) (*Candidate, error)
}

// Evaluators returns the closed rule set in evaluation order
func Evaluators() []Evaluator {
	return []Evaluator{
		bruteForce{},
		suspiciousIP{},
		privilegeEscalation{},
		dataExfiltration{},
		networkScanning{},
		anomalousTime{},
		failedPrivilegedAuth{},
		sqlInjection{},
		apiRateLimit{},
		credentialStuffing{},
		geoAnomaly{},
	}
}

// window returns the events sharing key with event in
// [event.Timestamp - d, event.Timestamp] that pass filter, ascending. The
// triggering event is counted once whether or not the store already holds
// it, and only when it passes filter itself.
func window(ctx context.Context, q EventQuery, key core.CorrelationKey, event *core.Event, d time.Duration, filter core.WindowFilter) ([]*core.Event, error) {
	value := event.KeyValue(key)
	if value == "" {
		return nil, nil
	}
	until := event.Timestamp
	events, err := q.EventsInWindow(ctx, key, value, until.Add(-d), until, filter)
	if err != nil {
		return nil, err
	}
	if !filter.Matches(event) {
		return events, nil
	}
	for _, e := range events {
		if e.EventID == event.EventID {
			return events, nil
		}
	}
	return append(events, event), nil
}

func newCandidate(e Evaluator, event *core.Event, description string, details map[string]interface{}) *Candidate {
	return &Candidate{
		Rule:        e.Rule(),
		Severity:    e.Severity(),
		Description: description,
		Details:     details,
		Event:       event,
	}
}

func keyed(c *Candidate, key core.CorrelationKey) *Candidate {
	c.Key = key
	return c
}
