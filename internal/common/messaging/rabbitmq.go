package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fidelya-notifications/internal/common/logger"

	"github.com/streadway/amqp"
)

type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RetryCount int
	RetryDelay time.Duration
}

// RabbitMQClient holds one connection and channel, reconnecting when the
// broker drops the connection.
type RabbitMQClient struct {
	config     RabbitMQConfig
	logger     logger.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	isClosing  bool
}

func NewRabbitMQClient(config RabbitMQConfig, log logger.Logger) *RabbitMQClient {
	if config.RetryCount < 1 {
		config.RetryCount = 1
	}
	return &RabbitMQClient{
		config: config,
		logger: logger.Component(log, "rabbitmq"),
	}
}

func (r *RabbitMQClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for i := 0; i < r.config.RetryCount; i++ {
		if err := r.dial(); err != nil {
			lastErr = err
			r.logger.Warn("RabbitMQ connection failed", map[string]interface{}{
				"attempt": i + 1,
				"max":     r.config.RetryCount,
				"error":   err.Error(),
			})
			if i < r.config.RetryCount-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.config.RetryDelay):
				}
			}
			continue
		}

		r.logger.Info("Connected to RabbitMQ", map[string]interface{}{"exchange": r.config.Exchange})
		go r.handleReconnection(ctx, r.connection)
		return nil
	}

	return fmt.Errorf("failed to connect to RabbitMQ: %w", lastErr)
}

func (r *RabbitMQClient) dial() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		r.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	r.connection = conn
	r.channel = ch
	return nil
}

func (r *RabbitMQClient) handleReconnection(ctx context.Context, conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-ctx.Done():
		return
	case err, ok := <-notifyClose:
		r.mu.RLock()
		closing := r.isClosing
		r.mu.RUnlock()
		if closing || !ok {
			return
		}
		r.logger.Warn("RabbitMQ connection lost, reconnecting", map[string]interface{}{"error": err})
		if reconnectErr := r.Connect(ctx); reconnectErr != nil {
			r.logger.Error("RabbitMQ reconnect failed", map[string]interface{}{"error": reconnectErr.Error()})
		}
	}
}

func (r *RabbitMQClient) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQClient) Exchange() string {
	return r.config.Exchange
}

func (r *RabbitMQClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connection != nil && !r.connection.IsClosed()
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return nil
	}
	r.isClosing = true

	var closeErr error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("channel close: %w", err)
		}
	}
	if r.connection != nil {
		if err := r.connection.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("connection close: %w", err)
		}
	}
	return closeErr
}
