package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"threatwatch/config"
	"threatwatch/core"
	"threatwatch/metrics"

	"go.uber.org/zap"
)

// RoutingTable maps a severity to the destinations that receive it
type RoutingTable map[core.Severity][]string

// NewRoutingTable parses a severity-name keyed routing map. Severities that
// are absent route nowhere.
func NewRoutingTable(routing map[string][]string) (RoutingTable, error) {
	table := make(RoutingTable, len(core.Severities()))
	for _, sev := range core.Severities() {
		table[sev] = nil
	}
	for name, destinations := range routing {
		sev, err := core.ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("routing table: %w", err)
		}
		seen := make(map[string]bool, len(destinations))
		for _, dest := range destinations {
			dest = strings.ToLower(strings.TrimSpace(dest))
			if dest == "" || seen[dest] {
				continue
			}
			seen[dest] = true
			table[sev] = append(table[sev], dest)
		}
	}
	return table, nil
}

// Destinations returns a copy of the destinations for severity
func (t RoutingTable) Destinations(severity core.Severity) []string {
	return append([]string(nil), t[severity]...)
}

// Violations lists every destination a severity receives that a higher
// severity does not. An empty result means routing is monotonic.
func (t RoutingTable) Violations() []string {
	var out []string
	sevs := core.Severities()
	for i, lower := range sevs {
		for _, higher := range sevs[i+1:] {
			have := make(map[string]bool, len(t[higher]))
			for _, d := range t[higher] {
				have[d] = true
			}
			for _, d := range t[lower] {
				if !have[d] {
					out = append(out, fmt.Sprintf("%s routes to %s but %s does not", lower, d, higher))
				}
			}
		}
	}
	return out
}

// IsMonotonic reports whether every severity reaches all destinations of
// the severities below it
func (t RoutingTable) IsMonotonic() bool {
	return len(t.Violations()) == 0
}

// Enqueuer accepts payloads for asynchronous delivery
type Enqueuer interface {
	Enqueue(destination string, p Payload) error
}

// Router turns persisted alerts into notifications. Delivery happens on
// the dispatcher; nothing here can fail the alert itself.
type Router struct {
	table    atomic.Pointer[RoutingTable]
	enqueuer Enqueuer
	logger   *zap.SugaredLogger
}

// NewRouter creates a router over table
func NewRouter(table RoutingTable, enqueuer Enqueuer, logger *zap.SugaredLogger) *Router {
	r := &Router{enqueuer: enqueuer, logger: logger}
	r.SetTable(table)
	return r
}

// SetTable swaps the routing table
func (r *Router) SetTable(table RoutingTable) {
	for _, v := range table.Violations() {
		r.logger.Warnw("Non-monotonic notification routing", "violation", v)
	}
	r.table.Store(&table)
}

// Route returns the destinations for alert
func (r *Router) Route(alert *core.Alert) []string {
	return r.table.Load().Destinations(alert.Severity)
}

// Dispatch enqueues a notification for every destination of the alert
func (r *Router) Dispatch(_ context.Context, alert *core.Alert) {
	r.send(alert, KindAlert)
}

// NotifyResolved tells the alert's destinations that it was resolved
func (r *Router) NotifyResolved(_ context.Context, alert *core.Alert) {
	r.send(alert, KindResolution)
}

func (r *Router) send(alert *core.Alert, kind Kind) {
	destinations := r.Route(alert)
	if len(destinations) == 0 {
		return
	}
	payload := NewPayload(alert, kind)
	for _, dest := range destinations {
		if err := r.enqueuer.Enqueue(dest, payload); err != nil {
			metrics.NotificationsFailed.WithLabelValues(dest).Inc()
			r.logger.Warnw("Notification not queued",
				"destination", dest,
				"alert_id", alert.AlertID,
				"kind", kind,
				"error", err)
		}
	}
}

// Bind rebuilds the routing table on every configuration reload
func (r *Router) Bind(m *config.Manager) {
	m.OnChange(func(cfg *config.Config) (func(), error) {
		table, err := NewRoutingTable(cfg.Notifications.Routing)
		if err != nil {
			return nil, err
		}
		return func() { r.SetTable(table) }, nil
	})
}
