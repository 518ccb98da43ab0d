package messaging

import (
	"context"
	"fmt"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"

	"github.com/streadway/amqp"
)

// MessageHandler processes one message body. Returning a retryable error
// requeues the message once; anything else is dead-lettered.
type MessageHandler func(ctx context.Context, body []byte) error

type Consumer struct {
	client       *RabbitMQClient
	queueName    string
	consumerName string
	logger       logger.Logger
}

func NewConsumer(client *RabbitMQClient, queueName, consumerName string, log logger.Logger) *Consumer {
	return &Consumer{
		client:       client,
		queueName:    queueName,
		consumerName: consumerName,
		logger: logger.Component(log, "consumer").WithFields(map[string]interface{}{
			"queue": queueName,
		}),
	}
}

// Consume declares and binds the queue, then handles deliveries until ctx is done.
func (c *Consumer) Consume(ctx context.Context, routingKeys []string, handler MessageHandler) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("no connection to RabbitMQ")
	}

	channel := c.client.Channel()

	queue, err := channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	for _, routingKey := range routingKeys {
		if err := channel.QueueBind(queue.Name, routingKey, c.client.Exchange(), false, nil); err != nil {
			return fmt.Errorf("queue bind (%s): %w", routingKey, err)
		}
	}

	messages, err := channel.Consume(
		queue.Name,     // queue
		c.consumerName, // consumer
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("consume start: %w", err)
	}

	c.logger.Info("Consuming messages", map[string]interface{}{"routingKeys": routingKeys})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					c.logger.Warn("Delivery channel closed", nil)
					return
				}
				c.HandleDelivery(ctx, msg, handler)
			}
		}
	}()

	return nil
}

// HandleDelivery runs handler and acks or nacks msg.
func (c *Consumer) HandleDelivery(ctx context.Context, msg amqp.Delivery, handler MessageHandler) {
	err := handler(ctx, msg.Body)
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	requeue := apperrors.IsRetryable(err) && !msg.Redelivered
	c.logger.Error("Message handling failed", map[string]interface{}{
		"messageId": msg.MessageId,
		"requeue":   requeue,
		"error":     err.Error(),
	})
	_ = msg.Nack(false, requeue)
}
