package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"go.uber.org/zap"
)

// maxSubjectLength is the SNS limit on email subjects
const maxSubjectLength = 100

// NewSNSClient creates an SNS client for region using the default credential chain
func NewSNSClient(region string) (snsiface.SNSAPI, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sns.New(sess), nil
}

// EmailTransport publishes the full alert text to an SNS topic whose
// subscribers receive it by email.
type EmailTransport struct {
	client   snsiface.SNSAPI
	topicARN string
	logger   *zap.SugaredLogger
}

// NewEmailTransport creates an SNS topic transport
func NewEmailTransport(client snsiface.SNSAPI, topicARN string, logger *zap.SugaredLogger) (*EmailTransport, error) {
	if topicARN == "" {
		return nil, errors.New("SNS topic ARN is required")
	}
	return &EmailTransport{client: client, topicARN: topicARN, logger: logger}, nil
}

func (t *EmailTransport) Name() string { return "email" }

func (t *EmailTransport) Send(ctx context.Context, p Payload) error {
	out, err := t.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(t.topicARN),
		Subject:  aws.String(truncate(p.Subject(), maxSubjectLength)),
		Message:  aws.String(p.Text()),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS topic: %w", err)
	}
	t.logger.Debugw("SNS notification sent",
		"alert_id", p.AlertID,
		"message_id", aws.StringValue(out.MessageId))
	return nil
}

// SMSTransport publishes a short text directly to phone numbers
type SMSTransport struct {
	client snsiface.SNSAPI
	phones []string
	logger *zap.SugaredLogger
}

// NewSMSTransport creates an SMS transport
func NewSMSTransport(client snsiface.SNSAPI, phones []string, logger *zap.SugaredLogger) (*SMSTransport, error) {
	if len(phones) == 0 {
		return nil, errors.New("at least one phone number is required")
	}
	return &SMSTransport{client: client, phones: phones, logger: logger}, nil
}

func (t *SMSTransport) Name() string { return "sms" }

// Send attempts every number and reports the failures together
func (t *SMSTransport) Send(ctx context.Context, p Payload) error {
	text := p.Short()
	var errs []error
	for _, phone := range t.phones {
		_, err := t.client.PublishWithContext(ctx, &sns.PublishInput{
			PhoneNumber: aws.String(phone),
			Message:     aws.String(text),
			MessageAttributes: map[string]*sns.MessageAttributeValue{
				"AWS.SNS.SMS.SMSType": {
					DataType:    aws.String("String"),
					StringValue: aws.String("Transactional"),
				},
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", maskPhone(phone), err))
		}
	}
	return errors.Join(errs...)
}

// maskPhone keeps only the last four digits for logs
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
