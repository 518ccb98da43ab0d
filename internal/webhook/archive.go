package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Archive keeps an audit trail of normalized provider events.
type Archive interface {
	Store(ctx context.Context, rec ArchivedEvent) error
}

// ArchivedEvent is the document written per event.
type ArchivedEvent struct {
	Event
	Result         Result    `json:"result"`
	DeliveryRecord string    `json:"deliveryRecordId,omitempty"`
	NotificationID string    `json:"notificationId,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

type ElasticsearchArchive struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticsearchArchive(client *elasticsearch.Client, index string) *ElasticsearchArchive {
	return &ElasticsearchArchive{client: client, index: index}
}

func (a *ElasticsearchArchive) Store(ctx context.Context, rec ArchivedEvent) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archived event: %w", err)
	}

	req := esapi.IndexRequest{
		Index: a.index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return fmt.Errorf("index webhook event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index webhook event: %s", res.String())
	}
	return nil
}

type noopArchive struct{}

func (noopArchive) Store(context.Context, ArchivedEvent) error { return nil }
