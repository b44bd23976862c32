package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
)

// webhookEvents writes payment lifecycle events to the outbox table inside the
// caller's transaction. The outbox dispatcher publishes them later.
type webhookEvents struct {
	accounting AccountingService
	logger     *slog.Logger
}

// observe reads the payment's amount sent and remaining balance from the ledger.
func (w *webhookEvents) observe(ctx context.Context, payment *domain.OutgoingPayment) error {
	sent, sentOK, err := w.accounting.GetTotalSent(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("total sent for payment %s: %w", payment.ID, err)
	}
	balance, balanceOK, err := w.accounting.GetBalance(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("balance for payment %s: %w", payment.ID, err)
	}
	if !sentOK || !balanceOK {
		return domain.ErrMissingBalance
	}

	debit := payment.DebitAmount()
	payment.SentAmount = &domain.Amount{Value: sent, AssetCode: debit.AssetCode, AssetScale: debit.AssetScale}
	payment.Balance = &balance
	return nil
}

// insert records an event from the payment's current state. observe must have run.
func (w *webhookEvents) insert(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, eventType domain.WebhookEventType) error {
	data, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	event := &domain.WebhookEvent{
		ID:                uuid.New(),
		Type:              eventType,
		OutgoingPaymentID: payment.ID,
		Data:              data,
	}
	if payment.Balance != nil && *payment.Balance > 0 {
		event.Withdrawal = &domain.Withdrawal{
			AccountID: payment.ID,
			AssetID:   payment.AssetID(),
			Amount:    *payment.Balance,
		}
	}
	if err := tx.InsertWebhookEvent(ctx, event); err != nil {
		return err
	}
	w.logger.Debug("webhook event recorded", "payment_id", payment.ID, "type", eventType)
	return nil
}

func (w *webhookEvents) emit(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, eventType domain.WebhookEventType) error {
	if err := w.observe(ctx, payment); err != nil {
		return err
	}
	return w.insert(ctx, tx, payment, eventType)
}
