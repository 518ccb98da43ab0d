package channels

import (
	"context"
	"fmt"
	"strings"

	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/pushsub"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// MulticastClient is the part of the FCM messaging client the push sender uses.
type MulticastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
	Icon            string
	Badge           string
	DefaultURL      string
}

// NewFCMClient builds a messaging client from a service account file, or
// from application default credentials when no file is configured.
func NewFCMClient(ctx context.Context, cfg FCMConfig) (*messaging.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return client, nil
}

// FCMSender pushes to every token the recipient holds. The record counts as
// sent when at least one token accepted the message.
type FCMSender struct {
	cfg    FCMConfig
	client MulticastClient
}

func NewFCMSender(cfg FCMConfig, client MulticastClient) *FCMSender {
	return &FCMSender{cfg: cfg, client: client}
}

func (s *FCMSender) Channel() models.Channel { return models.ChannelPush }
func (s *FCMSender) Provider() string        { return "fcm" }

func (s *FCMSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.Recipient == nil || len(msg.Recipient.PushTokens) == 0 {
		return nil, permanent(models.ChannelPush, "recipient %s has no push tokens", msg.Record.RecipientID)
	}

	payload := pushsub.BuildPayload(msg.Job, msg.Record, pushsub.PayloadOptions{
		Icon:       s.cfg.Icon,
		Badge:      s.cfg.Badge,
		DefaultURL: s.cfg.DefaultURL,
	})

	batch, err := s.client.SendEachForMulticast(ctx, buildMulticast(msg.Recipient.PushTokens, payload))
	if err != nil {
		return nil, transient(models.ChannelPush, err)
	}

	res := &Result{Provider: s.Provider()}
	var lastErr error
	for i, r := range batch.Responses {
		if r.Success {
			if res.ProviderMessageID == "" {
				res.ProviderMessageID = r.MessageID
			}
			continue
		}
		if messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error) {
			res.InvalidTokens = append(res.InvalidTokens, msg.Recipient.PushTokens[i])
			continue
		}
		lastErr = r.Error
	}

	switch {
	case res.ProviderMessageID != "":
		return res, nil
	case lastErr != nil:
		return res, transient(models.ChannelPush, lastErr)
	default:
		return res, permanent(models.ChannelPush, "all %d push tokens of %s are unregistered", len(res.InvalidTokens), msg.Record.RecipientID)
	}
}

// FCM only accepts absolute https links in the webpush options.
func buildMulticast(tokens []string, p pushsub.ServiceWorkerPayload) *messaging.MulticastMessage {
	data := p.DataMap()
	m := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Webpush: &messaging.WebpushConfig{
			Data: data,
			Notification: &messaging.WebpushNotification{
				Title: p.Notification.Title,
				Body:  p.Notification.Body,
				Icon:  p.Notification.Icon,
				Badge: p.Notification.Badge,
				Tag:   p.Notification.Tag,
			},
		},
	}
	if strings.HasPrefix(p.Data.ActionURL, "https://") {
		m.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: p.Data.ActionURL}
	}
	return m
}
