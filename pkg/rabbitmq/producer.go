/**
 * @description
 * This package provides a simple producer for publishing reconciliation outcome
 * events to RabbitMQ. Downstream consumers (tenant notification dispatch, operator
 * tooling, analytics) react to these events; nothing in the webhook pipeline waits
 * on them, and a publish failure is never allowed to affect a webhook response.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Routing keys for reconciliation outcome events.
const (
	RoutingKeyPaymentMatched          = "payment.matched"
	RoutingKeyPaymentReviewRequired   = "payment.review_required"
	RoutingKeyPaymentUnmatchedChannel = "payment.unmatched_channel"
)

// PaymentMatchedEvent is published when a payment event settles an invoice.
type PaymentMatchedEvent struct {
	PaymentEventID  uuid.UUID `json:"payment_event_id"`
	InvoiceID       uuid.UUID `json:"invoice_id"`
	PayeeID         uuid.UUID `json:"payee_id"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	Method          string    `json:"method"`
	ConfidenceScore int       `json:"confidence_score"`
	MatchedAt       time.Time `json:"matched_at"`
}

// PaymentReviewEvent is published when automatic processing leaves an event for
// human resolution (pending_review or unmatched_channel).
type PaymentReviewEvent struct {
	PaymentEventID uuid.UUID `json:"payment_event_id"`
	Status         string    `json:"status"`
	Reasons        []string  `json:"reasons,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// FallbackProducer is a minimal no-op publisher used when RabbitMQ is unavailable
// at startup. Reconciliation still runs; only the downstream notifications degrade.
type FallbackProducer struct{}

func (p *FallbackProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *FallbackProducer) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: channel}, nil
}

// Publish sends a message to the specified exchange with the given routing key.
// The exchange is declared as a durable topic exchange, matching the platform's
// shared event bus.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(publishCtx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         payload,
		},
	)
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
