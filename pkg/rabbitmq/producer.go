/**
 * @description
 * This package provides the RabbitMQ event producer used to announce gift
 * lifecycle changes (gift.created, gift.claimed, gift.reversed) on the
 * giftwave.events topic exchange. The broker is optional infrastructure: when
 * it is not configured or unreachable, the service runs with a no-op
 * fallback so payouts are never gated on messaging availability.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The AMQP 0-9-1 client.
 * - context, encoding/json, fmt, log/slog, net/url, sync, time: Standard Go libraries.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange all gift lifecycle events are published to.
const ExchangeName = "giftwave.events"

// Publisher is the interface the application publishes events through.
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, event interface{}) error
	Close()
}

// EventProducerFallback is a no-op Publisher used when the broker is not
// configured. It logs each event it drops so the gap is visible.
type EventProducerFallback struct {
	Logger *slog.Logger
}

func (f *EventProducerFallback) PublishEvent(_ context.Context, routingKey string, _ interface{}) error {
	if f.Logger != nil {
		f.Logger.Debug("event broker disabled, dropping event", "component", "rabbitmq", "routing_key", routingKey)
	}
	return nil
}

func (f *EventProducerFallback) Close() {}

// EventProducer publishes events to the giftwave.events exchange.
type EventProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
	mu      sync.Mutex
}

// sanitizeAMQPURL strips credentials from an AMQP URL so it can be logged.
func sanitizeAMQPURL(amqpURL string) string {
	parsed, err := url.Parse(amqpURL)
	if err != nil {
		return "invalid-url"
	}
	if parsed.User != nil {
		parsed.User = url.User("***")
	}
	return parsed.String()
}

// NewEventProducer connects to RabbitMQ and declares the topic exchange.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq at %s: %w", sanitizeAMQPURL(amqpURL), err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}

	logger.Info("connected to rabbitmq", "component", "rabbitmq", "exchange", ExchangeName)
	return &EventProducer{conn: conn, channel: channel, logger: logger}, nil
}

// PublishEvent publishes a JSON-encoded event with the given routing key.
// A closed channel is reopened once before giving up.
func (p *EventProducer) PublishEvent(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		return p.channel.PublishWithContext(ctx,
			ExchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now().UTC(),
				Body:         body,
			})
	}

	err = publish()
	if err != nil && p.conn != nil && !p.conn.IsClosed() {
		p.logger.Warn("publish failed, reopening channel", "component", "rabbitmq", "routing_key", routingKey, "err", err)
		channel, chErr := p.conn.Channel()
		if chErr != nil {
			return fmt.Errorf("reopen channel: %w", chErr)
		}
		p.channel.Close()
		p.channel = channel
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
