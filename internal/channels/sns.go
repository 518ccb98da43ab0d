package channels

import (
	"context"
	"errors"
	"strings"

	appaws "fidelya-notifications/internal/common/aws"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSConfig struct {
	SenderID string
}

// SNSSender publishes transactional SMS directly to a phone number. SNS
// has no per-message callback here, so acceptance is treated as delivery.
type SNSSender struct {
	cfg    SNSConfig
	client appaws.SNSService
}

func NewSNSSender(cfg SNSConfig, client appaws.SNSService) *SNSSender {
	return &SNSSender{cfg: cfg, client: client}
}

func (s *SNSSender) Channel() models.Channel { return models.ChannelSMS }
func (s *SNSSender) Provider() string        { return "sns" }

func (s *SNSSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	phone := ""
	if msg.Recipient != nil {
		phone = strings.TrimSpace(msg.Recipient.Phone)
	}
	if !validation.ValidatePhone(phone) {
		return nil, permanent(models.ChannelSMS, "recipient %s has no valid phone number", msg.Record.RecipientID)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(s.cfg.SenderID),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(smsBody(msg.Job)),
		MessageAttributes: attrs,
	})
	if err != nil {
		var invalid *snstypes.InvalidParameterException
		if errors.As(err, &invalid) {
			return nil, permanent(models.ChannelSMS, "sns rejected number: %s", invalid.ErrorMessage())
		}
		return nil, transient(models.ChannelSMS, err)
	}

	return &Result{Provider: s.Provider(), ProviderMessageID: aws.ToString(out.MessageId), Confirmed: true}, nil
}
