// Package amqpnotify hands safety alerts to a RabbitMQ exchange for delivery
// workers (push, email, SMS) that live outside this service.
package amqpnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

// DefaultExchange receives alert messages.
const DefaultExchange = "safeguard.alerts"

const publishTimeout = 5 * time.Second

// Publisher is the subset of *amqp.Channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body published per recipient.
type Message struct {
	RecipientID string            `json:"recipient_id"`
	PushToken   string            `json:"push_token,omitempty"`
	Email       string            `json:"email,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Notifier implements safety.Notifier by publishing one persistent message
// per recipient. Routing keys are alert.push or alert.email.
type Notifier struct {
	mu       sync.Mutex
	pub      Publisher
	exchange string
	conn     *amqp.Connection
	now      func() time.Time
}

var _ safety.Notifier = (*Notifier)(nil)

// New wraps an existing publisher.
func New(pub Publisher, exchange string) *Notifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Notifier{pub: pub, exchange: exchange, now: time.Now}
}

// Dial connects to url, declares a durable topic exchange and returns a
// Notifier owning the connection. Connection attempts back off until ctx ends.
func Dial(ctx context.Context, url, exchange string, logger log.Logger) (*Notifier, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	delay := time.Second
	for attempt := 1; ; attempt++ {
		n, err := dialOnce(url, exchange)
		if err == nil {
			logger.Info(ctx, "amqp notifier connected", "exchange", exchange, "attempt", attempt)
			return n, nil
		}
		logger.Warn(ctx, "amqp connect failed", "attempt", attempt, "retry_in", delay.String(), "err", err.Error())

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("amqpnotify: connect: %w", errors.Join(err, ctx.Err()))
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*1.5), 30*time.Second)
	}
}

func dialOnce(url, exchange string) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	n := New(ch, exchange)
	n.conn = conn
	return n, nil
}

// Send publishes a for r. Recipients without any address are rejected.
func (n *Notifier) Send(ctx context.Context, r safety.Recipient, a *safety.Alert) error {
	key, err := routingKey(r)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{
		RecipientID: r.ID,
		PushToken:   r.PushToken,
		Email:       r.Email,
		Title:       a.Title,
		Body:        a.Body,
		Metadata:    a.Metadata,
	})
	if err != nil {
		return fmt.Errorf("amqpnotify: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.pub.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqpnotify: publish %s: %w", key, err)
	}
	return nil
}

// Close releases the connection opened by Dial. It is a no-op for notifiers
// built with New.
func (n *Notifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

func routingKey(r safety.Recipient) (string, error) {
	switch {
	case r.PushToken != "":
		return "alert.push", nil
	case r.Email != "":
		return "alert.email", nil
	}
	return "", fmt.Errorf("amqpnotify: recipient %s has no address", r.ID)
}
