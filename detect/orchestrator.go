package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"threatwatch/core"
	"threatwatch/metrics"
	"threatwatch/storage"
	"threatwatch/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds concurrent (event, rule) evaluations
const DefaultMaxConcurrency = 16

// AlertDispatcher receives newly persisted alerts. Dispatch must not block
// on delivery; failures are the dispatcher's concern.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *core.Alert)
}

// Options tunes the orchestrator
type Options struct {
	MaxConcurrency int
	// QueryTimeout bounds each event store query issued by an evaluator
	QueryTimeout time.Duration
}

// BatchResult summarizes one Process call
type BatchResult struct {
	DeliveryAttempt int
	Evaluated       int
	Rejected        []*core.MalformedEventError
	Faults          []*core.EvaluatorFault
	// Alerts holds the alerts inserted by this call, in batch order
	Alerts     []*core.Alert
	Duplicates int
}

// BatchError carries alert persistence failures. The batch should be
// redelivered; alerts that were inserted stay and dedupe on replay.
type BatchError struct {
	Failures []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d alert(s) failed to persist: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	return e.Failures
}

// Orchestrator runs every evaluator over every event in a batch, persists
// the resulting alerts idempotently and hands new ones to the dispatcher.
type Orchestrator struct {
	events     EventQuery
	alerts     storage.AlertStore
	settings   SettingsProvider
	dispatcher AlertDispatcher
	evaluators []Evaluator
	opts       Options
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewOrchestrator wires the orchestrator. dispatcher may be nil.
func NewOrchestrator(events EventQuery, alerts storage.AlertStore, settings SettingsProvider, dispatcher AlertDispatcher, opts Options, logger *zap.SugaredLogger) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Orchestrator{
		events:     events,
		alerts:     alerts,
		settings:   settings,
		dispatcher: dispatcher,
		evaluators: Evaluators(),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Process evaluates a batch. It returns a *BatchError when any alert failed
// to persist and ctx.Err() when cancelled; in both cases the result reflects
// the work already committed.
func (o *Orchestrator) Process(ctx context.Context, batch []*core.Event, deliveryAttempt int) (*BatchResult, error) {
	start := time.Now()
	defer func() {
		metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	result := &BatchResult{DeliveryAttempt: deliveryAttempt}
	events := o.admit(batch, result)
	result.Evaluated = len(events)

	if deliveryAttempt > 1 {
		o.logger.Infow("Processing redelivered batch",
			"delivery_attempt", deliveryAttempt,
			"events", len(events))
	}

	candidates, err := o.evaluate(ctx, events, result)
	if err != nil {
		metrics.BatchesProcessed.WithLabelValues("cancelled").Inc()
		return result, err
	}

	if err := o.persist(ctx, candidates, result); err != nil {
		outcome := "persist_failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		metrics.BatchesProcessed.WithLabelValues(outcome).Inc()
		return result, err
	}

	metrics.BatchesProcessed.WithLabelValues("ok").Inc()
	o.logger.Debugw("Batch processed",
		"events", result.Evaluated,
		"rejected", len(result.Rejected),
		"alerts", len(result.Alerts),
		"duplicates", result.Duplicates,
		"faults", len(result.Faults),
		"duration", time.Since(start))
	return result, nil
}

// admit drops malformed events and repeated event IDs, keeping batch order
func (o *Orchestrator) admit(batch []*core.Event, result *BatchResult) []*core.Event {
	seen := make(map[string]bool, len(batch))
	events := make([]*core.Event, 0, len(batch))
	for _, event := range batch {
		if err := event.Validate(); err != nil {
			var malformed *core.MalformedEventError
			if errors.As(err, &malformed) {
				result.Rejected = append(result.Rejected, malformed)
			}
			metrics.EventsRejected.WithLabelValues("malformed").Inc()
			o.logger.Warnw("Rejected malformed event", "error", err)
			continue
		}
		if seen[event.EventID] {
			continue
		}
		seen[event.EventID] = true
		events = append(events, event)
	}
	return events
}

// evaluate runs all (event, evaluator) pairs with bounded concurrency.
// Candidates come back ordered by event then evaluator.
func (o *Orchestrator) evaluate(ctx context.Context, events []*core.Event, result *BatchResult) ([]*Candidate, error) {
	settings := o.settings.Current()
	n := len(o.evaluators)
	slots := make([]*Candidate, len(events)*n)

	var mu sync.Mutex
	q := o.query()

	g := new(errgroup.Group)
	g.SetLimit(o.opts.MaxConcurrency)
	for i, event := range events {
		for j, ev := range o.evaluators {
			if ctx.Err() != nil {
				break
			}
			slot := i*n + j
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				candidate, err := o.evaluateOne(ctx, ev, event, q, settings)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fault := &core.EvaluatorFault{Rule: ev.Rule(), EventID: event.EventID, Err: err}
					metrics.EvaluatorFaults.WithLabelValues(string(ev.Rule())).Inc()
					o.logger.Warnw("Evaluator fault",
						"rule", ev.Rule(),
						"event_id", event.EventID,
						"transient", core.IsTransient(err),
						"error", err)
					mu.Lock()
					result.Faults = append(result.Faults, fault)
					mu.Unlock()
					return nil
				}
				slots[slot] = candidate
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]*Candidate, 0)
	for _, c := range slots {
		if c != nil {
			candidates = append(candidates, c)
		}
	}
	return collapseWindowed(candidates), nil
}

type windowGroup struct {
	rule  core.RuleID
	key   core.CorrelationKey
	value string
}

// collapseWindowed keeps one candidate per windowed rule and key value: the
// one for the latest event, which has seen the largest window. Later batch
// position breaks timestamp ties so replays pick the same survivor.
func collapseWindowed(candidates []*Candidate) []*Candidate {
	latest := make(map[windowGroup]int)
	for i, c := range candidates {
		if c.Key == "" {
			continue
		}
		g := windowGroup{rule: c.Rule, key: c.Key, value: c.Event.KeyValue(c.Key)}
		if prev, ok := latest[g]; ok && candidates[prev].Event.Timestamp.After(c.Event.Timestamp) {
			continue
		}
		latest[g] = i
	}

	out := make([]*Candidate, 0, len(candidates))
	for i, c := range candidates {
		if c.Key != "" {
			g := windowGroup{rule: c.Rule, key: c.Key, value: c.Event.KeyValue(c.Key)}
			if latest[g] != i {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) evaluateOne(ctx context.Context, ev Evaluator, event *core.Event, q EventQuery, s *Settings) (candidate *Candidate, err error) {
	rule := string(ev.Rule())
	defer goroutine.RecoverTo("evaluator:"+rule, o.logger, &err)

	start := time.Now()
	candidate, err = ev.Evaluate(ctx, event, q, s)
	metrics.RuleEvaluationDuration.WithLabelValues(rule).Observe(time.Since(start).Seconds())
	if err == nil && candidate != nil {
		metrics.RuleMatches.WithLabelValues(rule).Inc()
	}
	return candidate, err
}

// persist inserts candidates in order and dispatches the ones that are new
func (o *Orchestrator) persist(ctx context.Context, candidates []*Candidate, result *BatchResult) error {
	seen := make(map[core.DedupKey]bool, len(candidates))
	var failures []error

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := core.DedupKey{Rule: c.Rule, SourceEventID: c.Event.EventID}
		if seen[key] {
			continue
		}
		seen[key] = true

		alert, err := core.NewAlert(c.Rule, c.Severity, c.Description, c.Details, c.Event, o.now())
		if err != nil {
			failures = append(failures, fmt.Errorf("build alert %s: %w", key, err))
			continue
		}

		inserted, err := o.alerts.InsertIfAbsent(ctx, alert)
		if err != nil {
			metrics.AlertPersistFailures.WithLabelValues(string(c.Rule)).Inc()
			o.logger.Errorw("Failed to persist alert",
				"rule", c.Rule,
				"event_id", c.Event.EventID,
				"transient", core.IsTransient(err),
				"error", err)
			failures = append(failures, fmt.Errorf("persist alert %s: %w", key, err))
			continue
		}

		if inserted == storage.AlreadyExists {
			result.Duplicates++
			metrics.AlertsDeduplicated.WithLabelValues(string(c.Rule)).Inc()
			continue
		}

		result.Alerts = append(result.Alerts, alert)
		metrics.AlertsGenerated.WithLabelValues(string(c.Rule), c.Severity.String()).Inc()
		o.logger.Infow("Alert created",
			"alert_id", alert.AlertID,
			"rule", alert.Rule,
			"severity", alert.Severity.String(),
			"event_id", alert.SourceEventID)

		if o.dispatcher != nil {
			o.dispatcher.Dispatch(ctx, alert)
		}
	}

	if len(failures) > 0 {
		return &BatchError{Failures: failures}
	}
	return nil
}

// query applies the per-query timeout to every store read
func (o *Orchestrator) query() EventQuery {
	if o.opts.QueryTimeout <= 0 {
		return o.events
	}
	return timeoutQuery{inner: o.events, timeout: o.opts.QueryTimeout}
}

type timeoutQuery struct {
	inner   EventQuery
	timeout time.Duration
}

func (t timeoutQuery) EventsInWindow(ctx context.Context, key core.CorrelationKey, value string, since, until time.Time, filter core.WindowFilter) ([]*core.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	events, err := t.inner.EventsInWindow(ctx, key, value, since, until, filter)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !core.IsTransient(err) {
		err = fmt.Errorf("%w: %v", core.ErrTransientStore, err)
	}
	return events, err
}
