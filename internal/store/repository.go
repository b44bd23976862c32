/**
 * @description
 * This file defines the storage contract for the outgoing-payment-service. All
 * lifecycle operations run inside a single relational transaction obtained from
 * WithTx; row locks taken there serialize concurrent callers and workers.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

var (
	ErrWalletAddressNotFound = errors.New("wallet address not found")
	ErrQuoteNotFound         = errors.New("quote not found")
	ErrPaymentNotFound       = errors.New("outgoing payment not found")
	ErrPaymentExists         = errors.New("outgoing payment already exists for quote")
	ErrGrantLockTimeout      = errors.New("timed out waiting for grant lock")
)

// PaymentFilter narrows payment listings. Zero values are ignored.
type PaymentFilter struct {
	WalletAddressID *uuid.UUID
	Receiver        string
	States          []domain.PaymentState
	Limit           int
	Offset          int
}

// GrantSpentFilter selects the latest spent-amounts row for a grant. When
// OutgoingPaymentID is set only that payment's rows are considered; when
// IntervalStart and IntervalEnd are set only rows of that interval are.
type GrantSpentFilter struct {
	GrantID           string
	OutgoingPaymentID *uuid.UUID
	IntervalStart     *time.Time
	IntervalEnd       *time.Time
}

// PaymentStore holds every query the service needs. It is satisfied both by the
// pool-backed repository and by the transaction handed to WithTx callbacks.
type PaymentStore interface {
	GetWalletAddress(ctx context.Context, id uuid.UUID) (*domain.WalletAddress, error)
	GetQuote(ctx context.Context, id uuid.UUID) (*domain.Quote, error)

	InsertOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error
	GetOutgoingPayment(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.OutgoingPayment, error)
	ListOutgoingPayments(ctx context.Context, filter PaymentFilter) ([]domain.OutgoingPayment, error)
	ListGrantPayments(ctx context.Context, grantID string) ([]domain.OutgoingPayment, error)
	UpdateOutgoingPayment(ctx context.Context, payment *domain.OutgoingPayment) error
	// ClaimNextSendingPayment locks one due SENDING payment, skipping rows held by
	// other workers. It returns nil when nothing is due.
	ClaimNextSendingPayment(ctx context.Context, now time.Time, backoffUnit time.Duration, maxBackoffSteps int) (*domain.OutgoingPayment, error)

	// LockGrant ensures the grant marker row exists and locks it, waiting at most timeout.
	LockGrant(ctx context.Context, grantID string, timeout time.Duration) error
	LatestGrantSpentAmounts(ctx context.Context, filter GrantSpentFilter) (*domain.GrantSpentAmounts, error)
	InsertGrantSpentAmounts(ctx context.Context, row *domain.GrantSpentAmounts) error

	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	ClaimWebhookEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.WebhookEvent, error)
	MarkWebhookEventPublished(ctx context.Context, id uuid.UUID) error
	MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, retryAfterSeconds int, reason string) error
}

// Repository is the entry point used by the application layer.
type Repository interface {
	PaymentStore
	// WithTx runs fn in one transaction. The transaction commits when fn returns
	// nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx PaymentStore) error) error
}
