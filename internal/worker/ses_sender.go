package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender delivers messages through AWS SES. The from address comes
// from the message, not the sender, because each campaign sends from
// its own mailbox.
type SESSender struct {
	client *ses.Client
	logger *zap.Logger
}

// SESConfig holds the SES transport settings.
type SESConfig struct {
	Region string
}

// NewSESSender creates an SES transport using the default AWS
// credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers one rendered email via SES.
func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	source := msg.FromEmail
	if msg.FromName != "" {
		source = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(source),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
