package channels

import (
	"context"
	"strings"

	apphttp "fidelya-notifications/internal/common/http"
	"fidelya-notifications/internal/common/validation"
	"fidelya-notifications/internal/models"
)

type SendGridConfig struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
}

// SendGridSender posts to the v3 mail send API. The X-Message-Id response
// header is the prefix of the sg_message_id in later event webhooks.
type SendGridSender struct {
	cfg    SendGridConfig
	client *apphttp.Client
}

func NewSendGridSender(cfg SendGridConfig, client *apphttp.Client) *SendGridSender {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SendGridSender{cfg: cfg, client: client}
}

func (s *SendGridSender) Channel() models.Channel { return models.ChannelEmail }
func (s *SendGridSender) Provider() string        { return "sendgrid" }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMailRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Categories       []string            `json:"categories,omitempty"`
}

func (s *SendGridSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	email := ""
	if msg.Recipient != nil {
		email = strings.TrimSpace(msg.Recipient.Email)
	}
	if !validation.ValidateEmail(email) {
		return nil, permanent(models.ChannelEmail, "recipient %s has no valid email address", msg.Record.RecipientID)
	}

	body := sgMailRequest{
		Personalizations: []sgPersonalization{{
			To: []sgAddress{{Email: email, Name: msg.Recipient.Name}},
			CustomArgs: map[string]string{
				"delivery_id":     msg.Record.ID,
				"notification_id": msg.Job.ID,
			},
		}},
		From:       sgAddress{Email: s.cfg.FromEmail, Name: s.cfg.FromName},
		Subject:    msg.Job.Title,
		Content:    []sgContent{{Type: "text/plain", Value: emailBody(msg.Job)}},
		Categories: []string{string(msg.Job.Category)},
	}

	resp, err := s.client.PostJSON(ctx, s.cfg.BaseURL+"/v3/mail/send", body, map[string]string{
		"Authorization": "Bearer " + s.cfg.APIKey,
	})
	if err != nil {
		return nil, transient(models.ChannelEmail, err)
	}
	if err := classifyResponse(models.ChannelEmail, s.Provider(), resp); err != nil {
		return nil, err
	}

	return &Result{Provider: s.Provider(), ProviderMessageID: resp.Header.Get("X-Message-Id")}, nil
}

func emailBody(job *models.NotificationJob) string {
	if job.ActionURL == "" {
		return job.Message
	}
	return job.Message + "\n\n" + job.ActionURL
}
