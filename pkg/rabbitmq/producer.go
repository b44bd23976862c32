/**
 * @description
 * Producer for outgoing payment webhook events. Each event is published as a
 * persistent JSON message to one durable topic exchange, routed by its event
 * type and identified by its event id so consumers can drop redeliveries.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/domain: The webhook event model.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// WebhookPublisher delivers outbox events to the broker.
type WebhookPublisher interface {
	PublishWebhookEvent(ctx context.Context, event domain.WebhookEvent) error
	Close()
}

// EventProducer publishes webhook events to a single exchange.
type EventProducer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Env files sometimes carry stray characters before the scheme.
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

// NewEventProducer connects to the broker and declares exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, errors.New("webhook exchange is required")
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	p := &EventProducer{conn: conn, exchange: exchange}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	return nil
}

// webhookPublishing builds the message for event. The routing key is the event
// type, e.g. outgoing_payment.completed.
func webhookPublishing(event domain.WebhookEvent) (string, amqp091.Publishing, error) {
	if event.Type == "" {
		return "", amqp091.Publishing{}, fmt.Errorf("webhook event %s has no type", event.ID)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return "", amqp091.Publishing{}, fmt.Errorf("encode webhook event %s: %w", event.ID, err)
	}

	headers := amqp091.Table{
		"outgoing_payment_id": event.OutgoingPaymentID.String(),
		"delivery_attempt":    int32(event.Attempts),
	}
	if event.Withdrawal != nil {
		headers["withdrawal_amount"] = event.Withdrawal.Amount
	}

	return string(event.Type), amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Type:         string(event.Type),
		Timestamp:    event.CreatedAt,
		Headers:      headers,
		Body:         body,
	}, nil
}

// PublishWebhookEvent publishes event. A failed publish reopens the channel and
// retries once before giving up.
func (p *EventProducer) PublishWebhookEvent(ctx context.Context, event domain.WebhookEvent) error {
	routingKey, msg, err := webhookPublishing(event)
	if err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" event_id=%s routing_key=%s err=%v", event.ID, routingKey, err)

	if reopenErr := p.openChannel(); reopenErr != nil {
		return fmt.Errorf("publish webhook event %s: %w", event.ID, err)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish webhook event %s: %w", event.ID, err)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
