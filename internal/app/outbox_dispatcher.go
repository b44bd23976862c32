package app

import (
	"context"
	"log"
	"time"

	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
	"github.com/transfa/outgoing-payment-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher publishes stored webhook events to the webhook exchange.
// Delivery is at least once; consumers dedupe on the event id.
type OutboxDispatcher struct {
	repo                store.PaymentStore
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	dial                func() (rabbitmq.WebhookPublisher, error)
	producer            rabbitmq.WebhookPublisher
}

func NewOutboxDispatcher(repo store.PaymentStore, rabbitURL, exchange string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		dial: func() (rabbitmq.WebhookPublisher, error) {
			return rabbitmq.NewEventProducer(rabbitURL, exchange)
		},
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	events, err := d.repo.ClaimWebhookEvents(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			retryAfter := retryDelaySeconds(event.Attempts)
			if markErr := d.repo.MarkWebhookEventFailed(ctx, event.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox msg=\"mark failed\" event_id=%s err=%v", event.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkWebhookEventPublished(ctx, event.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"mark published failed\" event_id=%s err=%v", event.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishEvent(ctx context.Context, event domain.WebhookEvent) error {
	if d.producer == nil {
		producer, err := d.dial()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishWebhookEvent(ctx, event); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
