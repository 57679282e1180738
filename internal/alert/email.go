package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"security-core/internal/util"
)

// EmailSink delivers alerts to the operator distribution list via AWS SES.
type EmailSink struct {
	client     *ses.Client
	sender     string
	recipients []string
}

func NewEmailSink(ctx context.Context, region, sender string, recipients []string) (*EmailSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EmailSink{
		client:     ses.NewFromConfig(cfg),
		sender:     sender,
		recipients: recipients,
	}, nil
}

func (s *EmailSink) Send(ctx context.Context, a Alert) error {
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", a.Body)
	for k, v := range a.Details {
		fmt.Fprintf(&body, "%s: %s\n", k, v)
	}
	fmt.Fprintf(&body, "\nRaised at: %s\n", a.RaisedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	input := &ses.SendEmailInput{
		Source: aws.String(s.sender),
		Destination: &types.Destination{
			ToAddresses: s.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(fmt.Sprintf("[%s] %s", a.Severity, a.Title)),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(body.String()),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	util.Info("Alert email sent",
		zap.String("title", a.Title),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
