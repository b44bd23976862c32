package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
)

func TestProcessNextReturnsNilWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.newQuote(100, 90, "0.9"), nil)

	if id := env.processNext(t); id != nil {
		t.Fatalf("expected no due payment, got %s", id)
	}
}

func TestRetryableErrorsExhaustAttempts(t *testing.T) {
	env := newTestEnv(t)
	grant := &domain.Grant{ID: "grant-retry", Limits: &domain.GrantLimits{DebitAmount: amount(1000, "USD")}}
	payment := env.create(t, env.newQuote(100, 100, "1.0"), grant)
	env.fund(t, payment)

	attempt := 0
	env.method.pay = func(args PayArgs) (*PayResult, error) {
		attempt++
		return nil, fmt.Errorf("connection reset (attempt %d)", attempt)
	}

	for i := 1; i <= DefaultMaxStateAttempts; i++ {
		id := env.processNext(t)
		if id == nil || *id != payment.ID {
			t.Fatalf("attempt %d: expected payment to be processed, got %v", i, id)
		}
		stored := env.repo.payment(t, payment.ID)
		if i < DefaultMaxStateAttempts {
			if stored.State != domain.PaymentStateSending || stored.StateAttempts != i || stored.Error != nil {
				t.Fatalf("attempt %d: expected SENDING with %d attempts, got %s with %d", i, i, stored.State, stored.StateAttempts)
			}
		}
		env.clock.Advance(2 * time.Minute)
	}

	stored := env.repo.payment(t, payment.ID)
	if stored.State != domain.PaymentStateFailed {
		t.Fatalf("expected FAILED, got %s", stored.State)
	}
	if stored.StateAttempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", stored.StateAttempts)
	}
	if stored.Error == nil || *stored.Error != "connection reset (attempt 5)" {
		t.Fatalf("expected last error message, got %v", stored.Error)
	}
	if rows := env.repo.spentRows(payment.ID); len(rows) != 2 || rows[1].GrantTotalDebitAmountValue != 0 {
		t.Fatalf("expected reservation released on failure, got %+v", rows)
	}
	if id := env.processNext(t); id != nil {
		t.Fatalf("expected failed payment to leave the queue, got %s", id)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	env := newTestEnv(t)
	payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
	env.fund(t, payment)

	failures := 1
	env.method.pay = func(args PayArgs) (*PayResult, error) {
		if failures > 0 {
			failures--
			return nil, domain.ErrRatesUnavailable
		}
		return &PayResult{Debit: args.FinalDebitAmount.Value, Receive: args.FinalReceiveAmount.Value}, nil
	}

	env.processNext(t)
	if id := env.processNext(t); id != nil {
		t.Fatalf("expected payment to wait out its backoff, got %s", id)
	}

	env.clock.Advance(RetryBackoffUnit + time.Second)
	if id := env.processNext(t); id == nil {
		t.Fatalf("expected payment to be retried after its backoff")
	}
	stored := env.repo.payment(t, payment.ID)
	if stored.State != domain.PaymentStateCompleted || stored.StateAttempts != 0 {
		t.Fatalf("expected COMPLETED with attempts reset, got %s with %d", stored.State, stored.StateAttempts)
	}
}

func TestTerminalErrorsFailImmediately(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv)
		expected string
	}{
		{
			name: "quote expired",
			setup: func(env *testEnv) {
				env.clock.Advance(2 * time.Hour)
			},
			expected: "QuoteExpired",
		},
		{
			name: "receiver asset changed",
			setup: func(env *testEnv) {
				env.receivers.receivers[testReceiverURL].AssetCode = "GBP"
			},
			expected: "DestinationAssetConflict",
		},
		{
			name: "wallet address asset changed",
			setup: func(env *testEnv) {
				wallet := env.wallet
				wallet.AssetID = uuid.New()
				env.repo.addWallet(wallet)
			},
			expected: "SourceAssetConflict",
		},
		{
			name: "payment method rejects",
			setup: func(env *testEnv) {
				env.method.pay = func(args PayArgs) (*PayResult, error) {
					return nil, nonRetryable("receiver rejected packet")
				}
			},
			expected: "receiver rejected packet",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
			env.fund(t, payment)
			tc.setup(env)

			env.processNext(t)

			stored := env.repo.payment(t, payment.ID)
			if stored.State != domain.PaymentStateFailed || stored.Error == nil || *stored.Error != tc.expected {
				t.Fatalf("expected FAILED with %q, got %s %v", tc.expected, stored.State, stored.Error)
			}
		})
	}
}

type nonRetryable string

func (e nonRetryable) Error() string     { return string(e) }
func (e nonRetryable) IsRetryable() bool { return false }

func TestInactiveReceiverCompletesWithoutPaying(t *testing.T) {
	env := newTestEnv(t)
	payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
	env.fund(t, payment)

	env.accounting.send(payment.ID, 100)
	env.receivers.receivers[testReceiverURL].Completed = true

	env.processNext(t)

	stored := env.repo.payment(t, payment.ID)
	if stored.State != domain.PaymentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.State)
	}
	if len(env.method.calls) != 0 {
		t.Fatalf("expected no payment method call, got %d", len(env.method.calls))
	}
}

func TestResumeSendsOnlyTheRemainder(t *testing.T) {
	env := newTestEnv(t)
	payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
	env.fund(t, payment)
	env.accounting.send(payment.ID, 40)

	env.processNext(t)

	if len(env.method.calls) != 1 {
		t.Fatalf("expected one payment method call, got %d", len(env.method.calls))
	}
	call := env.method.calls[0]
	if call.FinalDebitAmount.Value != 60 {
		t.Fatalf("expected remaining debit 60, got %d", call.FinalDebitAmount.Value)
	}
	if call.FinalReceiveAmount.Value != 54 {
		t.Fatalf("expected remaining receive 54, got %d", call.FinalReceiveAmount.Value)
	}
	if stored := env.repo.payment(t, payment.ID); stored.State != domain.PaymentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.State)
	}
}

func TestReceiverCapacityBoundsReceiveAmount(t *testing.T) {
	env := newTestEnv(t)
	payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
	env.fund(t, payment)
	env.receivers.receivers[testReceiverURL].ReceivedAmount = 100000 - 30

	env.processNext(t)

	if got := env.method.calls[0].FinalReceiveAmount.Value; got != 30 {
		t.Fatalf("expected receive bounded by receiver capacity 30, got %d", got)
	}
}

type failingUpdateRepo struct {
	*memoryRepo
}

func (r failingUpdateRepo) WithTx(ctx context.Context, fn func(tx store.PaymentStore) error) error {
	return r.memoryRepo.WithTx(ctx, func(tx store.PaymentStore) error {
		return fn(failingUpdateStore{PaymentStore: tx})
	})
}

type failingUpdateStore struct {
	store.PaymentStore
}

func (failingUpdateStore) UpdateOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error {
	return errors.New("connection lost")
}

func TestProcessNextReturnsStorageErrors(t *testing.T) {
	env := newTestEnv(t)
	payment := env.create(t, env.newQuote(100, 90, "0.9"), nil)
	env.fund(t, payment)
	env.service.worker.repo = failingUpdateRepo{memoryRepo: env.repo}

	id, err := env.service.ProcessNext(context.Background())
	if err == nil || id != nil {
		t.Fatalf("expected storage error and no id, got %v and %v", err, id)
	}
	if stored := env.repo.payment(t, payment.ID); stored.State != domain.PaymentStateSending {
		t.Fatalf("expected rolled back payment to stay SENDING, got %s", stored.State)
	}
}

func TestPaymentWithoutLedgerAccountDoesNotBlockWorker(t *testing.T) {
	env := newTestEnv(t)
	grant := &domain.Grant{ID: "grant-orphan", Limits: &domain.GrantLimits{DebitAmount: amount(1000, "USD")}}
	orphan := env.create(t, env.newQuote(100, 90, "0.9"), grant)
	env.fund(t, orphan)
	env.clock.Advance(time.Second)
	next := env.create(t, env.newQuote(50, 45, "0.9"), nil)
	env.fund(t, next)

	env.accounting.mu.Lock()
	delete(env.accounting.accounts, orphan.ID)
	env.accounting.mu.Unlock()

	for i := 0; i < 3; i++ {
		env.processNext(t)
		env.clock.Advance(time.Minute)
	}

	stored := env.repo.payment(t, orphan.ID)
	if stored.State != domain.PaymentStateFailed {
		t.Fatalf("expected payment without ledger account to fail, got %s", stored.State)
	}
	if stored.Error == nil || *stored.Error != domain.ErrMissingBalance.Error() {
		t.Fatalf("expected %s error, got %v", domain.ErrMissingBalance, stored.Error)
	}
	if got := env.repo.payment(t, next.ID).State; got != domain.PaymentStateCompleted {
		t.Fatalf("expected the next payment to complete, got %s", got)
	}

	events := env.repo.eventsFor(orphan.ID)
	last := events[len(events)-1]
	if last.Type != domain.EventOutgoingPaymentFailed || last.Withdrawal != nil {
		t.Fatalf("expected failed event without withdrawal, got %s with %+v", last.Type, last.Withdrawal)
	}

	rows := env.repo.spentRows(orphan.ID)
	released := rows[len(rows)-1]
	if released.PaymentState != domain.PaymentStateFailed || released.GrantTotalDebitAmountValue != 0 {
		t.Fatalf("expected reservation released, got %s with total %d", released.PaymentState, released.GrantTotalDebitAmountValue)
	}
}

func TestEstimateDelivered(t *testing.T) {
	tests := []struct {
		name     string
		sent     int64
		rate     string
		receive  int64
		expected int64
	}{
		{name: "nothing sent", sent: 0, rate: "0.9", receive: 90, expected: 0},
		{name: "rounds up", sent: 41, rate: "0.9", receive: 90, expected: 37},
		{name: "exact", sent: 40, rate: "0.9", receive: 90, expected: 36},
		{name: "capped at receive amount", sent: 100, rate: "1.2", receive: 100, expected: 100},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := estimateDelivered(tc.sent, decimal.RequireFromString(tc.rate), tc.receive)
			if got != tc.expected {
				t.Fatalf("expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "unclassified", err: errors.New("boom"), expected: true},
		{name: "rates unavailable", err: domain.ErrRatesUnavailable, expected: true},
		{name: "quote expired", err: domain.ErrQuoteExpired, expected: false},
		{name: "wrapped terminal", err: fmt.Errorf("pay: %w", domain.ErrBadState), expected: false},
		{name: "flagged", err: nonRetryable("no"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}
