package notify

import (
	"fmt"

	"threatwatch/config"
	"threatwatch/core"

	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"go.uber.org/zap"
)

// SNSFactory creates an SNS client for a region
type SNSFactory func(region string) (snsiface.SNSAPI, error)

// NewTransports builds one transport per known destination. A channel
// that is disabled or missing credentials falls back to the log so routed
// alerts are never silently dropped.
func NewTransports(cfg *config.Config, newSNS SNSFactory, logger *zap.SugaredLogger) ([]Transport, error) {
	n := cfg.Notifications
	if newSNS == nil {
		newSNS = NewSNSClient
	}
	breaker := core.CircuitBreakerConfig{
		MaxFailures: n.CircuitBreaker.MaxFailures,
		Cooldown:    n.CircuitBreaker.Cooldown,
	}
	if breaker.Validate() != nil {
		breaker = core.DefaultCircuitBreakerConfig()
	}

	transports := []Transport{NewLogTransport(config.DestinationLog, logger)}

	if n.Slack.Enabled && n.Slack.WebhookURL != "" {
		slack, err := NewSlackTransport(SlackConfig{
			WebhookURL: n.Slack.WebhookURL,
			Channel:    n.Slack.Channel,
			Username:   n.Slack.Username,
			IconEmoji:  n.Slack.IconEmoji,
			RateLimit:  n.Slack.RateLimit,
			Burst:      n.Slack.Burst,
			Breaker:    breaker,
		}, logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, slack)
	} else {
		logger.Infow("Slack notifications not configured, logging instead")
		transports = append(transports, NewLogTransport(config.DestinationSlack, logger))
	}

	if n.Email.Enabled && n.Email.TopicARN != "" {
		client, err := newSNS(n.Email.Region)
		if err != nil {
			return nil, fmt.Errorf("email transport: %w", err)
		}
		email, err := NewEmailTransport(client, n.Email.TopicARN, logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, email)
	} else {
		logger.Infow("Email notifications not configured, logging instead")
		transports = append(transports, NewLogTransport(config.DestinationEmail, logger))
	}

	if n.SMS.Enabled && len(n.SMS.PhoneNumbers) > 0 {
		client, err := newSNS(n.SMS.Region)
		if err != nil {
			return nil, fmt.Errorf("sms transport: %w", err)
		}
		sms, err := NewSMSTransport(client, n.SMS.PhoneNumbers, logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, sms)
	} else {
		logger.Infow("SMS notifications not configured, logging instead")
		transports = append(transports, NewLogTransport(config.DestinationSMS, logger))
	}

	if n.Stream.Enabled {
		transports = append(transports, NewStreamHub(n.Stream.ClientBuffer, logger))
	} else {
		transports = append(transports, NewLogTransport(config.DestinationStream, logger))
	}

	return transports, nil
}
