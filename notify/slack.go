package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"threatwatch/core"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSlackUsername = "Security Monitor"
	defaultSlackIcon     = ":shield:"
	slackFooter          = "Security Monitoring"
	slackHTTPTimeout     = 10 * time.Second
)

var severityColor = map[core.Severity]string{
	core.SeverityCritical: "#FF0000",
	core.SeverityHigh:     "#FF6600",
	core.SeverityMedium:   "#FFCC00",
	core.SeverityLow:      "#36A64F",
}

var severityEmoji = map[core.Severity]string{
	core.SeverityCritical: ":rotating_light:",
	core.SeverityHigh:     ":warning:",
	core.SeverityMedium:   ":large_orange_diamond:",
	core.SeverityLow:      ":information_source:",
}

// SlackConfig configures an incoming-webhook transport
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	// RateLimit is messages per second; zero disables limiting
	RateLimit float64
	Burst     int
	Breaker   core.CircuitBreakerConfig
}

// SlackTransport posts attachments to a Slack incoming webhook. Calls go
// through a circuit breaker and a token bucket so a failing or throttled
// webhook cannot back up the dispatcher.
type SlackTransport struct {
	cfg     SlackConfig
	client  *http.Client
	breaker *core.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewSlackTransport creates a Slack transport
func NewSlackTransport(cfg SlackConfig, logger *zap.SugaredLogger) (*SlackTransport, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is required")
	}
	if cfg.Username == "" {
		cfg.Username = defaultSlackUsername
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = defaultSlackIcon
	}
	breaker, err := core.NewCircuitBreaker(cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("slack circuit breaker: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &SlackTransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: slackHTTPTimeout},
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

func (s *SlackTransport) Name() string { return "slack" }

// Send waits for a rate-limit token, then posts unless the breaker is open
func (s *SlackTransport) Send(ctx context.Context, p Payload) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limiter: %w", err)
	}
	return s.breaker.Execute(func() error {
		return s.post(ctx, p)
	})
}

func (s *SlackTransport) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(s.message(p))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			s.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-OK status: %d", resp.StatusCode)
	}
	return nil
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields"`
	Footer   string       `json:"footer"`
	Ts       int64        `json:"ts"`
	MrkdwnIn []string     `json:"mrkdwn_in"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username"`
	IconEmoji   string            `json:"icon_emoji"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackTransport) message(p Payload) slackMessage {
	color, ok := severityColor[p.Severity]
	if !ok {
		color = "#808080"
	}
	emoji, ok := severityEmoji[p.Severity]
	if !ok {
		emoji = ":bell:"
	}
	title := fmt.Sprintf("%s Security Alert: %s", emoji, p.Rule)
	if p.Kind == KindResolution {
		color = severityColor[core.SeverityLow]
		title = fmt.Sprintf(":white_check_mark: Resolved: %s", p.Rule)
	}

	fields := []slackField{
		{Title: "Severity", Value: p.Severity.String(), Short: true},
		{Title: "Source IP", Value: orUnknown(p.SourceIP), Short: true},
		{Title: "User", Value: orUnknown(p.User), Short: true},
		{Title: "Resource", Value: orUnknown(p.Resource), Short: true},
		{Title: "Event Type", Value: orUnknown(string(p.EventType)), Short: true},
	}
	for _, d := range p.Details {
		fields = append(fields, slackField{Title: d.Key, Value: d.Value, Short: true})
	}
	fields = append(fields, slackField{Title: "Alert ID", Value: p.AlertID, Short: false})

	return slackMessage{
		Channel:   s.cfg.Channel,
		Username:  s.cfg.Username,
		IconEmoji: s.cfg.IconEmoji,
		Attachments: []slackAttachment{{
			Color:    color,
			Title:    title,
			Text:     p.Description,
			Fields:   fields,
			Footer:   slackFooter,
			Ts:       p.Timestamp.Unix(),
			MrkdwnIn: []string{"text", "pretext"},
		}},
	}
}

// BreakerState exposes the circuit breaker state for health reporting
func (s *SlackTransport) BreakerState() core.CircuitBreakerState {
	return s.breaker.State()
}
