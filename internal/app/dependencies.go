package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// Deposit moves funds into a payment's liquidity account.
type Deposit struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	AssetID   uuid.UUID
	Amount    int64
}

// AccountingService is the double-entry ledger. It is the only source of truth for
// how much a payment has sent. Lookups report ok=false when the account is unknown.
type AccountingService interface {
	CreateLiquidityAccount(ctx context.Context, accountID uuid.UUID, assetID uuid.UUID) error
	CreateDeposit(ctx context.Context, deposit Deposit) error
	GetBalance(ctx context.Context, accountID uuid.UUID) (balance int64, ok bool, err error)
	GetTotalSent(ctx context.Context, accountID uuid.UUID) (sent int64, ok bool, err error)
	GetAccountsTotalSent(ctx context.Context, accountIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// ReceiverService resolves a receiver URL into the incoming payment it names.
// A nil receiver means it could not be found.
type ReceiverService interface {
	Get(ctx context.Context, url string) (*domain.Receiver, error)
}

// QuoteRequest asks the quote service for a new quote against an incoming payment.
type QuoteRequest struct {
	WalletAddressID uuid.UUID
	Receiver        string
	DebitAmount     *domain.Amount
	ReceiveAmount   *domain.Amount
	Method          string
}

// QuoteService creates quotes. Created quotes are readable through the store.
type QuoteService interface {
	Create(ctx context.Context, req QuoteRequest) (*domain.Quote, error)
}

// PayArgs bound one execution attempt.
type PayArgs struct {
	Receiver           *domain.Receiver
	OutgoingPayment    *domain.OutgoingPayment
	FinalDebitAmount   domain.Amount
	FinalReceiveAmount domain.Amount
}

// PayResult is what an execution attempt actually settled.
type PayResult struct {
	Debit   int64
	Receive int64
}

// PaymentMethod moves value to the receiver. Errors exposing IsRetryable() bool
// are classified accordingly; any other error is treated as transient.
type PaymentMethod interface {
	Pay(ctx context.Context, method string, args PayArgs) (*PayResult, error)
}

// CreateCount is how many creates a wallet address and a grant have made in the
// current window.
type CreateCount struct {
	Wallet            int
	Grant             int
	RetryAfterSeconds int
}

// Exceeds reports whether either counter is over limit.
func (c CreateCount) Exceeds(limit int) bool {
	return c.Wallet > limit || c.Grant > limit
}

// RateLimiter counts payment creations inside a fixed window.
type RateLimiter interface {
	CountCreate(ctx context.Context, walletAddressID uuid.UUID, grantID string, window time.Duration) (CreateCount, error)
}
