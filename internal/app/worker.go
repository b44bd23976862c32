package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
	"github.com/transfa/outgoing-payment-service/internal/telemetry"
)

const (
	// RetryBackoffUnit is multiplied by the attempt count, capped at MaxBackoffSteps.
	RetryBackoffUnit = 10 * time.Second
	MaxBackoffSteps  = 6
)

// Worker processes due SENDING payments one at a time. It owns no timer; a
// scheduler calls ProcessNext repeatedly.
type Worker struct {
	repo             store.Repository
	lifecycle        *Lifecycle
	metrics          *telemetry.Metrics
	logger           *slog.Logger
	maxStateAttempts int
	now              func() time.Time
}

// ProcessNext locks one due payment, runs one execution attempt and records the
// outcome in the same transaction. It returns the payment's id, or nil when
// nothing was due. A payment's own failure is recorded on the payment and never
// returned; only storage errors are.
func (w *Worker) ProcessNext(ctx context.Context) (*uuid.UUID, error) {
	var processed *uuid.UUID
	err := w.repo.WithTx(ctx, func(tx store.PaymentStore) error {
		payment, err := tx.ClaimNextSendingPayment(ctx, w.now(), RetryBackoffUnit, MaxBackoffSteps)
		if err != nil {
			return err
		}
		if payment == nil {
			return nil
		}
		id := payment.ID
		processed = &id

		attempts := payment.StateAttempts
		runErr := w.lifecycle.HandleSending(ctx, tx, payment)
		if runErr == nil {
			return nil
		}
		return w.onError(ctx, tx, payment, attempts, runErr)
	})
	if err != nil {
		w.metrics.WorkerRun("error")
		return nil, err
	}
	if processed == nil {
		w.metrics.WorkerRun("idle")
	} else {
		w.metrics.WorkerRun("processed")
	}
	return processed, nil
}

func (w *Worker) onError(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, attempts int, runErr error) error {
	logger := w.logger.With("payment_id", payment.ID, "attempts", attempts+1, "error", runErr)

	if isRetryable(runErr) && attempts+1 < w.maxStateAttempts {
		logger.Warn("payment attempt failed; will retry")
		payment.State = domain.PaymentStateSending
		payment.StateAttempts = attempts + 1
		payment.Error = nil
		return tx.UpdateOutgoingPayment(ctx, payment)
	}

	logger.Warn("payment attempt failed; giving up")
	return w.lifecycle.HandleFailed(ctx, tx, payment, runErr.Error())
}

type retryableError interface {
	error
	IsRetryable() bool
}

// isRetryable honors an explicit retryable flag and treats anything unrecognized
// as transient.
func isRetryable(err error) bool {
	var flagged retryableError
	if errors.As(err, &flagged) {
		return flagged.IsRetryable()
	}
	return true
}
