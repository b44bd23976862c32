package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// FundingRoutingKey is the binding for funding events.
const FundingRoutingKey = "outgoing_payment.funding.deposited"

type fundingService interface {
	Fund(ctx context.Context, opts FundOptions) (*domain.OutgoingPayment, error)
}

// FundingConsumer funds payments from broker events.
type FundingConsumer struct {
	service fundingService
}

func NewFundingConsumer(service fundingService) *FundingConsumer {
	return &FundingConsumer{service: service}
}

// FundingConsumer returns a consumer bound to this service.
func (s *Service) FundingConsumer() *FundingConsumer {
	return NewFundingConsumer(s)
}

// HandleMessage returns false only when the event should be redelivered.
func (c *FundingConsumer) HandleMessage(body []byte) bool {
	var event domain.FundingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=funding_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	opts, err := fundOptionsFromEvent(event)
	if err != nil {
		log.Printf("level=warn component=funding_consumer msg=\"invalid funding event; dropping\" payment_id=%q err=%v", event.OutgoingPaymentID, err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.service.Fund(ctx, opts); err != nil {
		if IsOutgoingPaymentError(err) || !isRetryable(err) {
			// Already funded, cancelled, wrong amount or rejected by the ledger.
			log.Printf("level=warn component=funding_consumer msg=\"funding rejected\" payment_id=%s err=%v", opts.ID, err)
			return true
		}
		log.Printf("level=error component=funding_consumer msg=\"funding failed; requeueing\" payment_id=%s err=%v", opts.ID, err)
		return false
	}

	log.Printf("level=info component=funding_consumer msg=\"payment funded\" payment_id=%s amount=%d", opts.ID, opts.Amount)
	return true
}

func fundOptionsFromEvent(event domain.FundingEvent) (FundOptions, error) {
	paymentID, err := uuid.Parse(strings.TrimSpace(event.OutgoingPaymentID))
	if err != nil {
		return FundOptions{}, fmt.Errorf("outgoing payment id: %w", err)
	}
	transferID, err := uuid.Parse(strings.TrimSpace(event.TransferID))
	if err != nil {
		return FundOptions{}, fmt.Errorf("transfer id: %w", err)
	}
	if event.Amount <= 0 {
		return FundOptions{}, errors.New("amount must be positive")
	}
	return FundOptions{ID: paymentID, Amount: event.Amount, TransferID: transferID}, nil
}
