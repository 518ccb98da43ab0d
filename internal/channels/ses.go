package channels

import (
	"context"
	"errors"
	"strings"

	appaws "fidelya-notifications/internal/common/aws"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

type SESConfig struct {
	FromEmail        string
	ConfigurationSet string
}

// SESSender sends email through Amazon SES. Delivery, bounce and complaint
// notifications arrive later via SNS on the webhook as provider "ses".
type SESSender struct {
	cfg    SESConfig
	client appaws.SESService
}

func NewSESSender(cfg SESConfig, client appaws.SESService) *SESSender {
	return &SESSender{cfg: cfg, client: client}
}

func (s *SESSender) Channel() models.Channel { return models.ChannelEmail }
func (s *SESSender) Provider() string        { return "ses" }

func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	email := ""
	if msg.Recipient != nil {
		email = strings.TrimSpace(msg.Recipient.Email)
	}
	if !validation.ValidateEmail(email) {
		return nil, permanent(models.ChannelEmail, "recipient %s has no valid email address", msg.Record.RecipientID)
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.cfg.FromEmail),
		Destination: &sestypes.Destination{ToAddresses: []string{email}},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(msg.Job.Title), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(emailBody(msg.Job)), Charset: aws.String("UTF-8")},
			},
		},
		Tags: []sestypes.MessageTag{
			{Name: aws.String("delivery_id"), Value: aws.String(msg.Record.ID)},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *sestypes.MessageRejected
		if errors.As(err, &rejected) {
			return nil, permanent(models.ChannelEmail, "ses rejected message: %s", rejected.ErrorMessage())
		}
		return nil, transient(models.ChannelEmail, err)
	}

	return &Result{Provider: s.Provider(), ProviderMessageID: aws.ToString(out.MessageId)}, nil
}
