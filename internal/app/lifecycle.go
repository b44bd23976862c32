/**
 * @description
 * The lifecycle executor moves one locked SENDING payment to a terminal state:
 * it revalidates the quote and receiver, computes what is left to send, calls the
 * payment method and reconciles the grant spend ledger with what actually settled.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exchange-rate arithmetic.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
	"github.com/transfa/outgoing-payment-service/internal/telemetry"
)

// Lifecycle drives SENDING payments. Its methods expect the payment row to be
// locked by tx.
type Lifecycle struct {
	accounting AccountingService
	receivers  ReceiverService
	method     PaymentMethod
	ledger     *grantSpendLedger
	events     *webhookEvents
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// HandleSending makes one execution attempt for payment. A nil return means the
// payment reached COMPLETED; errors are classified by the worker.
func (l *Lifecycle) HandleSending(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment) error {
	logger := l.logger.With("payment_id", payment.ID)
	now := l.now()

	if !now.Before(payment.Quote.ExpiresAt) {
		return domain.ErrQuoteExpired
	}

	receiver, err := l.receivers.Get(ctx, payment.Receiver())
	if err != nil {
		return fmt.Errorf("resolve receiver: %w", err)
	}

	sent, ok, err := l.accounting.GetTotalSent(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("total sent: %w", err)
	}
	if !ok {
		return domain.ErrMissingBalance
	}
	delivered := estimateDelivered(sent, payment.Quote.EstimatedExchangeRate, payment.ReceiveAmount().Value)

	if receiver == nil || !receiver.IsActive(now) {
		// Either a previous attempt paid the receiver and crashed before saving
		// the state, or something else completed it.
		logger.Warn("receiver inactive; completing payment", "sent", sent)
		return l.complete(ctx, tx, payment, sent, delivered)
	}

	wallet, err := tx.GetWalletAddress(ctx, payment.WalletAddressID)
	if err != nil {
		return fmt.Errorf("load wallet address: %w", err)
	}
	if wallet.AssetID != payment.AssetID() {
		return domain.ErrSourceAssetConflict
	}
	receive := payment.ReceiveAmount()
	if receiver.AssetCode != receive.AssetCode || receiver.AssetScale != receive.AssetScale {
		return domain.ErrDestinationAssetConflict
	}

	maxDebit := payment.DebitAmount().Value - sent
	maxReceive := receive.Value - delivered
	if remaining, bounded := receiver.RemainingCapacity(); bounded && remaining < maxReceive {
		maxReceive = remaining
	}
	if maxReceive <= 0 {
		logger.Info("nothing left to deliver; completing payment", "sent", sent, "delivered", delivered)
		return l.complete(ctx, tx, payment, sent, delivered)
	}
	if maxDebit <= 0 {
		logger.Error("debit exhausted with receive remaining", "max_debit", maxDebit, "max_receive", maxReceive)
		return domain.ErrBadState
	}

	debit := payment.DebitAmount()
	result, err := l.method.Pay(ctx, payment.Quote.Method, PayArgs{
		Receiver:           receiver,
		OutgoingPayment:    payment,
		FinalDebitAmount:   domain.Amount{Value: maxDebit, AssetCode: debit.AssetCode, AssetScale: debit.AssetScale},
		FinalReceiveAmount: domain.Amount{Value: maxReceive, AssetCode: receive.AssetCode, AssetScale: receive.AssetScale},
	})
	if err != nil {
		return err
	}

	return l.complete(ctx, tx, payment, sent+result.Debit, delivered+result.Receive)
}

// HandleFailed moves payment to FAILED and releases its whole grant reservation.
func (l *Lifecycle) HandleFailed(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, message string) error {
	payment.State = domain.PaymentStateFailed
	payment.StateAttempts = 0
	payment.Error = &message

	// The FAILED transition commits even when the ledger cannot be read.
	if err := l.events.observe(ctx, payment); err != nil {
		l.logger.Warn("failed payment has no ledger view; event sent without amounts",
			"payment_id", payment.ID, "error", err)
		payment.SentAmount = nil
		payment.Balance = nil
	}
	if err := tx.UpdateOutgoingPayment(ctx, payment); err != nil {
		return err
	}
	if err := l.ledger.reconcile(ctx, tx, payment, 0, 0, domain.PaymentStateFailed); err != nil {
		return err
	}
	if err := l.events.insert(ctx, tx, payment, domain.EventOutgoingPaymentFailed); err != nil {
		return err
	}
	l.metrics.PaymentFailed()
	l.logger.Warn("outgoing payment failed", "payment_id", payment.ID, "error", message)
	return nil
}

func (l *Lifecycle) complete(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, settledDebit, settledReceive int64) error {
	payment.State = domain.PaymentStateCompleted
	payment.StateAttempts = 0
	payment.Error = nil

	// Ledger reads first so a missing account fails before anything is written.
	if err := l.events.observe(ctx, payment); err != nil {
		return err
	}
	if err := l.ledger.reconcile(ctx, tx, payment, settledDebit, settledReceive, domain.PaymentStateCompleted); err != nil {
		return err
	}
	if err := tx.UpdateOutgoingPayment(ctx, payment); err != nil {
		return err
	}
	if err := l.events.insert(ctx, tx, payment, domain.EventOutgoingPaymentCompleted); err != nil {
		return err
	}

	debit := payment.DebitAmount()
	l.metrics.PaymentCompleted(domain.Amount{Value: settledDebit, AssetCode: debit.AssetCode, AssetScale: debit.AssetScale})
	l.logger.Info("outgoing payment completed", "payment_id", payment.ID, "debit", settledDebit, "receive", settledReceive)
	return nil
}

// estimateDelivered approximates what the receiver got for sent using the quote's
// estimated rate rather than the realized one. It is rounded up so a retry never
// asks for more than the quote allows, and capped at the quoted receive amount.
func estimateDelivered(sent int64, rate decimal.Decimal, receiveAmount int64) int64 {
	if sent <= 0 {
		return 0
	}
	delivered := decimal.NewFromInt(sent).Mul(rate).Ceil().IntPart()
	if delivered > receiveAmount {
		return receiveAmount
	}
	return delivered
}
