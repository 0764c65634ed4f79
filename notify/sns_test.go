package notify

import (
	"context"
	"errors"
	"testing"

	"threatwatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmailTransport_Publish(t *testing.T) {
	client := &fakeSNS{}
	email, err := NewEmailTransport(client, "arn:aws:sns:us-east-1:123456789012:alerts", zap.NewNop().Sugar())
	require.NoError(t, err)

	alert := testAlert(t, core.RulePrivilegeEscalation, core.SeverityCritical, nil)
	require.NoError(t, email.Send(context.Background(), NewPayload(alert, KindAlert)))

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:alerts", aws.StringValue(in.TopicArn))
	assert.Equal(t, "Security Alert: PRIVILEGE_ESCALATION (CRITICAL)", aws.StringValue(in.Subject))
	assert.Contains(t, aws.StringValue(in.Message), "SECURITY ALERT - CRITICAL")
}

func TestEmailTransport_Errors(t *testing.T) {
	_, err := NewEmailTransport(&fakeSNS{}, "", zap.NewNop().Sugar())
	assert.Error(t, err)

	client := &fakeSNS{failWith: errors.New("throttled")}
	email, err := NewEmailTransport(client, "arn:topic", zap.NewNop().Sugar())
	require.NoError(t, err)
	err = email.Send(context.Background(), NewPayload(testAlert(t, core.RuleBruteForce, core.SeverityHigh, nil), KindAlert))
	assert.ErrorContains(t, err, "throttled")
}

func TestSMSTransport_PublishesToEveryNumber(t *testing.T) {
	client := &fakeSNS{failFor: "+15550001111", failWith: errors.New("opted out")}
	sms, err := NewSMSTransport(client, []string{"+15550001111", "+15550002222"}, zap.NewNop().Sugar())
	require.NoError(t, err)

	err = sms.Send(context.Background(), NewPayload(testAlert(t, core.RuleBruteForce, core.SeverityHigh, nil), KindAlert))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "****1111")
	assert.NotContains(t, err.Error(), "+15550001111")

	require.Len(t, client.inputs, 2, "a failing number does not stop the others")
	second := client.inputs[1]
	assert.Equal(t, "+15550002222", aws.StringValue(second.PhoneNumber))
	assert.Equal(t, "Transactional", aws.StringValue(second.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue))
	assert.LessOrEqual(t, len(aws.StringValue(second.Message)), maxSMSLength)
}

func TestSMSTransport_RequiresNumbers(t *testing.T) {
	_, err := NewSMSTransport(&fakeSNS{}, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}
