// Package broker publishes e-pass lifecycle messages to RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
)

const (
	TopicPassIssued   = "pass.issued"
	TopicPassRedeemed = "pass.redeemed"
)

// PassIssuedMessage is published once per newly created pass. Idempotent
// re-issues of an existing pass are not published.
type PassIssuedMessage struct {
	PassID   string    `json:"pass_id"`
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// PassRedeemedMessage is published when a pass is marked used at the entrance.
type PassRedeemedMessage struct {
	PassID     string    `json:"pass_id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Publisher delivers a message under a routing topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) error
	Close() error
}

// Broker is a Publisher backed by a topic exchange. A dropped connection is
// re-dialled on the next publish.
type Broker struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
	log      *slog.Logger
}

// New dials url and declares exchange.
func New(url, exchange string, log *slog.Logger) (*Broker, error) {
	b := &Broker{
		url:      url,
		exchange: exchange,
		log:      log.With(logger.Module("broker")),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		b.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.channel = ch
	return nil
}

func (b *Broker) ensureConnection() error {
	if b.conn != nil && !b.conn.IsClosed() && b.channel != nil && !b.channel.IsClosed() {
		return nil
	}
	b.log.Warn("rabbitmq connection lost, reconnecting")
	if b.conn != nil {
		_ = b.conn.Close()
	}
	return b.connect()
}

// Publish marshals msg to JSON and publishes it with topic as routing key.
func (b *Broker) Publish(ctx context.Context, topic string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConnection(); err != nil {
		return err
	}
	err = b.channel.PublishWithContext(ctx,
		b.exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.log.Debug("message published", slog.String("topic", topic))
	return nil
}

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		if err := b.channel.Close(); err != nil && !b.channel.IsClosed() {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}

// Noop discards every message. Used when no broker URL is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

func (Noop) Close() error { return nil }
