// Package eventbus publishes integration events for downstream consumers
// (the AI responder, analytics) on an AMQP topic exchange.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type Meta struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Event struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, evt Event) error
	Close() error
}

type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// New connects to the broker and declares a durable topic exchange. The
// returned publisher opens a short-lived channel per publish.
func New(url, exchange string, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return NewFromConnection(conn, exchange, logger)
}

// NewFromConnection wraps an established broker connection, declaring the
// durable topic exchange on it. Use with DialWithRetry when startup should
// tolerate a broker that is still coming up.
func NewFromConnection(conn *amqp091.Connection, exchange string, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, err
	}
	return &rmqClient{conn: conn, exchange: exchange, log: logger}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, evt Event) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if evt.Meta.ID == "" {
		evt.Meta.ID = uuid.NewString()
	}
	if evt.Meta.OccurredAt.IsZero() {
		evt.Meta.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     evt.Meta.ID,
			CorrelationId: evt.Meta.CorrelationID,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err == nil {
		r.log.Info("published", slog.String("key", key), slog.String("exchange", r.exchange))
	}
	return err
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}
