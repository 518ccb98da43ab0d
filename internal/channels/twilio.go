package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	apphttp "fidelya-notifications/internal/common/http"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"
)

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	BaseURL        string
	FromNumber     string
	StatusCallback string
}

// TwilioSender creates messages through the Programmable Messaging REST
// API. Status callbacks come back through the delivery-status webhook.
type TwilioSender struct {
	cfg    TwilioConfig
	client *apphttp.Client
}

func NewTwilioSender(cfg TwilioConfig, client *apphttp.Client) *TwilioSender {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TwilioSender{cfg: cfg, client: client}
}

func (s *TwilioSender) Channel() models.Channel { return models.ChannelSMS }
func (s *TwilioSender) Provider() string        { return "twilio" }

type twilioMessage struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// Twilio error codes for an unusable destination number.
var twilioInvalidNumberCodes = map[int]bool{
	21211: true, // invalid To
	21214: true, // To cannot be reached
	21610: true, // recipient unsubscribed
	21614: true, // To is not a mobile number
}

func (s *TwilioSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	phone := ""
	if msg.Recipient != nil {
		phone = strings.TrimSpace(msg.Recipient.Phone)
	}
	if !validation.ValidatePhone(phone) {
		return nil, permanent(models.ChannelSMS, "recipient %s has no valid phone number", msg.Record.RecipientID)
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", smsBody(msg.Job))
	if s.cfg.StatusCallback != "" {
		form.Set("StatusCallback", s.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.cfg.BaseURL, s.cfg.AccountSID)
	resp, err := s.client.PostForm(ctx, endpoint, form, s.cfg.AccountSID, s.cfg.AuthToken)
	if err != nil {
		return nil, transient(models.ChannelSMS, err)
	}

	var out twilioMessage
	_ = json.Unmarshal(resp.Body, &out)

	if !resp.IsSuccess() && twilioInvalidNumberCodes[out.Code] {
		return nil, permanent(models.ChannelSMS, "twilio error %d: %s", out.Code, out.Message)
	}
	if err := classifyResponse(models.ChannelSMS, s.Provider(), resp); err != nil {
		return nil, err
	}
	// A 2xx means Twilio accepted the message even if the body lost the sid.
	// Retrying would send a second SMS; without a sid no callback can match,
	// so the record waits out the confirmation timeout instead.
	return &Result{Provider: s.Provider(), ProviderMessageID: out.SID}, nil
}

func smsBody(job *models.NotificationJob) string {
	body := job.Title + ": " + job.Message
	if job.ActionURL != "" {
		body += " " + job.ActionURL
	}
	return body
}
