package notify

import (
	"context"

	"go.uber.org/zap"
)

// Transport delivers a payload over one channel
type Transport interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// LogTransport writes payloads to the structured log. It stands in for a
// channel that is routed but not configured with credentials.
type LogTransport struct {
	name   string
	logger *zap.SugaredLogger
}

// NewLogTransport creates a log transport reporting as name
func NewLogTransport(name string, logger *zap.SugaredLogger) *LogTransport {
	return &LogTransport{name: name, logger: logger}
}

func (t *LogTransport) Name() string { return t.name }

func (t *LogTransport) Send(_ context.Context, p Payload) error {
	t.logger.Infow("Security notification",
		"channel", t.name,
		"kind", p.Kind,
		"alert_id", p.AlertID,
		"rule", p.Rule,
		"severity", p.Severity.String(),
		"source_ip", p.SourceIP,
		"user", p.User,
		"description", p.Description)
	return nil
}
