/**
 * @description
 * This file contains the core business logic for the outgoing-payment-service. The
 * `Service` struct exposes the payment operations (create, fund, cancel, get, list)
 * and owns the lifecycle executor and worker that drive SENDING payments.
 *
 * Key features:
 * - Every mutating operation runs in one storage transaction with the payment row locked.
 * - Creation under a grant serializes on a grant lock with a bounded wait and
 *   reserves the payment's amounts in the grant spend ledger.
 * - Amount sent is always read from the accounting ledger, never cached.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - golang.org/x/sync/errgroup: Concurrent ledger lookups for list pages.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/store"
	"github.com/transfa/outgoing-payment-service/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxStateAttempts = 5
	DefaultGrantLockTimeout = 5 * time.Second

	ledgerLookupLimit = 8
)

// ServiceConfig tunes the service. Zero values fall back to defaults.
type ServiceConfig struct {
	MaxStateAttempts         int
	GrantLockTimeout         time.Duration
	CreateRateLimitPerMinute int
}

// Service provides the outgoing payment operations.
type Service struct {
	repo       store.Repository
	accounting AccountingService
	quotes     QuoteService
	limiter    RateLimiter
	logger     *slog.Logger
	cfg        ServiceConfig
	now        func() time.Time

	ledger    *grantSpendLedger
	events    *webhookEvents
	lifecycle *Lifecycle
	worker    *Worker
}

// NewService creates a new outgoing payment service instance.
func NewService(
	repo store.Repository,
	accounting AccountingService,
	receivers ReceiverService,
	quotes QuoteService,
	method PaymentMethod,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		accounting: accounting,
		quotes:     quotes,
		logger:     logger.With("component", "outgoing_payments"),
		cfg: ServiceConfig{
			MaxStateAttempts: DefaultMaxStateAttempts,
			GrantLockTimeout: DefaultGrantLockTimeout,
		},
		now: time.Now,
	}
	s.ledger = &grantSpendLedger{accounting: accounting, lockTimeout: DefaultGrantLockTimeout}
	s.events = &webhookEvents{accounting: accounting, logger: s.logger}
	s.lifecycle = &Lifecycle{
		accounting: accounting,
		receivers:  receivers,
		method:     method,
		ledger:     s.ledger,
		events:     s.events,
		logger:     logger.With("component", "lifecycle"),
		now:        time.Now,
	}
	s.worker = &Worker{
		repo:             repo,
		lifecycle:        s.lifecycle,
		logger:           logger.With("component", "worker"),
		maxStateAttempts: DefaultMaxStateAttempts,
		now:              time.Now,
	}
	return s
}

// Configure applies cfg, keeping defaults for unset fields.
func (s *Service) Configure(cfg ServiceConfig) {
	if cfg.MaxStateAttempts <= 0 {
		cfg.MaxStateAttempts = DefaultMaxStateAttempts
	}
	if cfg.GrantLockTimeout <= 0 {
		cfg.GrantLockTimeout = DefaultGrantLockTimeout
	}
	if cfg.CreateRateLimitPerMinute < 0 {
		cfg.CreateRateLimitPerMinute = 0
	}
	s.cfg = cfg
	s.ledger.lockTimeout = cfg.GrantLockTimeout
	s.worker.maxStateAttempts = cfg.MaxStateAttempts
}

// SetRateLimiter enables create limits per wallet address and per grant.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// SetMetrics wires lifecycle and worker counters.
func (s *Service) SetMetrics(metrics *telemetry.Metrics) {
	s.lifecycle.metrics = metrics
	s.worker.metrics = metrics
}

func (s *Service) setClock(now func() time.Time) {
	s.now = now
	s.lifecycle.now = now
	s.worker.now = now
}

// Worker returns the worker that drives SENDING payments.
func (s *Service) Worker() *Worker {
	return s.worker
}

// ProcessNext runs one worker cycle. See Worker.ProcessNext.
func (s *Service) ProcessNext(ctx context.Context) (*uuid.UUID, error) {
	return s.worker.ProcessNext(ctx)
}

// PaymentSource is where a new payment's amounts come from.
type PaymentSource interface {
	paymentSource()
}

// CreateFromQuote consumes an existing quote.
type CreateFromQuote struct {
	QuoteID uuid.UUID
}

// CreateFromIncomingPayment quotes an incoming payment first, then consumes that quote.
// Exactly one of DebitAmount and ReceiveAmount may be set; with neither the
// incoming payment's own amount is used.
type CreateFromIncomingPayment struct {
	IncomingPayment string
	DebitAmount     *domain.Amount
	ReceiveAmount   *domain.Amount
}

func (CreateFromQuote) paymentSource()           {}
func (CreateFromIncomingPayment) paymentSource() {}

// CreateOptions describe a new payment.
type CreateOptions struct {
	WalletAddressID uuid.UUID
	Source          PaymentSource
	Grant           *domain.Grant
	// GrantLockTimeout bounds the wait for the grant lock; zero uses the configured default.
	GrantLockTimeout time.Duration
	Client           *string
	Metadata         map[string]any
	PeerID           *uuid.UUID
}

// Create validates the quote, wallet address and grant limits and inserts a
// FUNDING payment together with its grant reservation, all in one transaction.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*domain.OutgoingPayment, error) {
	quoteID, err := s.resolveQuoteID(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.checkCreateRateLimit(ctx, opts.WalletAddressID, opts.Grant); err != nil {
		return nil, err
	}

	lockTimeout := opts.GrantLockTimeout
	if lockTimeout <= 0 {
		lockTimeout = s.cfg.GrantLockTimeout
	}

	var created *domain.OutgoingPayment
	err = s.repo.WithTx(ctx, func(tx store.PaymentStore) error {
		now := s.now()

		wallet, err := tx.GetWalletAddress(ctx, opts.WalletAddressID)
		if err != nil {
			if errors.Is(err, store.ErrWalletAddressNotFound) {
				return ErrUnknownWalletAddress
			}
			return err
		}
		if !wallet.IsActive(now) {
			return ErrInactiveWalletAddress
		}

		quote, err := tx.GetQuote(ctx, quoteID)
		if err != nil {
			if errors.Is(err, store.ErrQuoteNotFound) {
				return ErrUnknownQuote
			}
			return err
		}
		if quote.WalletAddressID != wallet.ID || !now.Before(quote.ExpiresAt) {
			return ErrInvalidQuote
		}

		payment := &domain.OutgoingPayment{
			ID:              quote.ID,
			WalletAddressID: wallet.ID,
			Quote:           *quote,
			State:           domain.PaymentStateFunding,
			Client:          opts.Client,
			Metadata:        opts.Metadata,
			PeerID:          opts.PeerID,
			CreatedAt:       now,
		}

		var reservation *domain.GrantSpentAmounts
		if opts.Grant != nil {
			grantID := opts.Grant.ID
			payment.GrantID = &grantID
			if err := tx.LockGrant(ctx, grantID, lockTimeout); err != nil {
				if errors.Is(err, store.ErrGrantLockTimeout) {
					s.logger.Warn("grant locked", "grant_id", grantID)
					return ErrGrantLocked
				}
				return err
			}
			if reservation, err = s.ledger.reserve(ctx, tx, payment, opts.Grant); err != nil {
				return err
			}
		}

		if err := tx.InsertOutgoingPayment(ctx, payment); err != nil {
			if errors.Is(err, store.ErrPaymentExists) {
				return ErrInvalidQuote
			}
			return err
		}
		if reservation != nil {
			if err := tx.InsertGrantSpentAmounts(ctx, reservation); err != nil {
				return err
			}
		}

		// Not rolled back with tx. Creating an existing account is a no-op, so a
		// retried create reuses the account left by a failed attempt.
		if err := s.accounting.CreateLiquidityAccount(ctx, payment.ID, payment.AssetID()); err != nil {
			return fmt.Errorf("create liquidity account: %w", err)
		}
		if err := s.events.emit(ctx, tx, payment, domain.EventOutgoingPaymentCreated); err != nil {
			return err
		}

		created = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("outgoing payment created", "payment_id", created.ID, "wallet_address_id", created.WalletAddressID)
	return created, nil
}

func (s *Service) resolveQuoteID(ctx context.Context, opts CreateOptions) (uuid.UUID, error) {
	switch source := opts.Source.(type) {
	case CreateFromQuote:
		return source.QuoteID, nil
	case *CreateFromQuote:
		return source.QuoteID, nil
	case CreateFromIncomingPayment:
		return s.quoteIncomingPayment(ctx, opts.WalletAddressID, source)
	case *CreateFromIncomingPayment:
		return s.quoteIncomingPayment(ctx, opts.WalletAddressID, *source)
	default:
		return uuid.Nil, ErrUnknownQuote
	}
}

func (s *Service) quoteIncomingPayment(ctx context.Context, walletAddressID uuid.UUID, source CreateFromIncomingPayment) (uuid.UUID, error) {
	if strings.TrimSpace(source.IncomingPayment) == "" || (source.DebitAmount != nil && source.ReceiveAmount != nil) {
		return uuid.Nil, ErrInvalidQuote
	}
	if s.quotes == nil {
		return uuid.Nil, errors.New("quote service is not configured")
	}
	quote, err := s.quotes.Create(ctx, QuoteRequest{
		WalletAddressID: walletAddressID,
		Receiver:        source.IncomingPayment,
		DebitAmount:     source.DebitAmount,
		ReceiveAmount:   source.ReceiveAmount,
		Method:          "ilp",
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create quote for incoming payment: %w", err)
	}
	return quote.ID, nil
}

func (s *Service) checkCreateRateLimit(ctx context.Context, walletAddressID uuid.UUID, grant *domain.Grant) error {
	if s.limiter == nil || s.cfg.CreateRateLimitPerMinute <= 0 {
		return nil
	}
	var grantID string
	if grant != nil {
		grantID = grant.ID
	}
	count, err := s.limiter.CountCreate(ctx, walletAddressID, grantID, time.Minute)
	if err != nil {
		s.logger.Warn("create rate limit check failed; allowing request", "wallet_address_id", walletAddressID, "error", err)
		return nil
	}
	if count.Exceeds(s.cfg.CreateRateLimitPerMinute) {
		s.logger.Warn("create rate limited",
			"wallet_address_id", walletAddressID,
			"grant_id", grantID,
			"wallet_count", count.Wallet,
			"grant_count", count.Grant,
			"retry_after_seconds", count.RetryAfterSeconds,
		)
		return ErrCreateRateLimited
	}
	return nil
}

// FundOptions identify the deposit that funds a payment.
type FundOptions struct {
	ID         uuid.UUID
	Amount     int64
	TransferID uuid.UUID
}

// Fund deposits the payment's debit amount into its liquidity account and moves
// it to SENDING. Ledger errors are returned unchanged.
func (s *Service) Fund(ctx context.Context, opts FundOptions) (*domain.OutgoingPayment, error) {
	var funded *domain.OutgoingPayment
	err := s.repo.WithTx(ctx, func(tx store.PaymentStore) error {
		payment, err := s.lockPayment(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if payment.State != domain.PaymentStateFunding {
			return ErrWrongState
		}
		if opts.Amount != payment.DebitAmount().Value {
			return ErrInvalidAmount
		}

		if err := s.accounting.CreateDeposit(ctx, Deposit{
			ID:        opts.TransferID,
			AccountID: payment.ID,
			AssetID:   payment.AssetID(),
			Amount:    opts.Amount,
		}); err != nil {
			return err
		}

		payment.State = domain.PaymentStateSending
		if err := tx.UpdateOutgoingPayment(ctx, payment); err != nil {
			return err
		}
		funded = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("outgoing payment funded", "payment_id", funded.ID, "amount", opts.Amount)
	return funded, nil
}

// CancelOptions identify the payment to cancel.
type CancelOptions struct {
	ID     uuid.UUID
	Reason *string
}

// Cancel moves a FUNDING payment to CANCELLED and releases its grant reservation.
func (s *Service) Cancel(ctx context.Context, opts CancelOptions) (*domain.OutgoingPayment, error) {
	var cancelled *domain.OutgoingPayment
	err := s.repo.WithTx(ctx, func(tx store.PaymentStore) error {
		payment, err := s.lockPayment(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if !payment.State.CanTransitionTo(domain.PaymentStateCancelled) {
			return ErrWrongState
		}

		payment.State = domain.PaymentStateCancelled
		if opts.Reason != nil {
			if payment.Metadata == nil {
				payment.Metadata = map[string]any{}
			}
			payment.Metadata["cancellationReason"] = *opts.Reason
		}
		if err := tx.UpdateOutgoingPayment(ctx, payment); err != nil {
			return err
		}
		if err := s.ledger.reconcile(ctx, tx, payment, 0, 0, domain.PaymentStateCancelled); err != nil {
			if errors.Is(err, store.ErrGrantLockTimeout) {
				return ErrGrantLocked
			}
			return err
		}
		cancelled = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("outgoing payment cancelled", "payment_id", cancelled.ID)
	return cancelled, nil
}

func (s *Service) lockPayment(ctx context.Context, tx store.PaymentStore, id uuid.UUID) (*domain.OutgoingPayment, error) {
	payment, err := tx.GetOutgoingPayment(ctx, id, true)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrUnknownPayment
		}
		return nil, err
	}
	return payment, nil
}

// Get returns a payment with its sent amount read from the ledger.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.OutgoingPayment, error) {
	payment, err := s.repo.GetOutgoingPayment(ctx, id, false)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrUnknownPayment
		}
		return nil, err
	}
	if err := s.addSentAmount(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// ListOptions filter and paginate payment listings.
type ListOptions struct {
	WalletAddressID *uuid.UUID
	Receiver        string
	States          []domain.PaymentState
	Limit           int
	Offset          int
}

// GetPage lists payments, newest first, with sent amounts from the ledger.
func (s *Service) GetPage(ctx context.Context, opts ListOptions) ([]domain.OutgoingPayment, error) {
	payments, err := s.repo.ListOutgoingPayments(ctx, store.PaymentFilter{
		WalletAddressID: opts.WalletAddressID,
		Receiver:        opts.Receiver,
		States:          opts.States,
		Limit:           opts.Limit,
		Offset:          opts.Offset,
	})
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return payments, nil
	}

	ids := make([]uuid.UUID, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ledgerLookupLimit)
	var totals map[uuid.UUID]int64
	g.Go(func() error {
		var err error
		totals, err = s.accounting.GetAccountsTotalSent(gctx, ids)
		return err
	})
	balances := make([]*int64, len(payments))
	for i := range payments {
		if payments[i].State != domain.PaymentStateSending {
			continue
		}
		i := i
		g.Go(func() error {
			balance, ok, err := s.accounting.GetBalance(gctx, payments[i].ID)
			if err != nil {
				return err
			}
			if ok {
				balances[i] = &balance
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSentAmountUnavailable, err)
	}

	for i := range payments {
		sent, ok := totals[payments[i].ID]
		if err := setSentAmount(&payments[i], sent, ok); err != nil {
			return nil, err
		}
		payments[i].Balance = balances[i]
	}
	return payments, nil
}

// GetWalletAddressPage lists the payments of one wallet address.
func (s *Service) GetWalletAddressPage(ctx context.Context, walletAddressID uuid.UUID, opts ListOptions) ([]domain.OutgoingPayment, error) {
	opts.WalletAddressID = &walletAddressID
	return s.GetPage(ctx, opts)
}

// GetGrantSpentAmounts reports what a grant has spent in its current interval.
func (s *Service) GetGrantSpentAmounts(ctx context.Context, grant *domain.Grant) (*domain.GrantSpentTotals, error) {
	if grant == nil || strings.TrimSpace(grant.ID) == "" {
		return nil, ErrInsufficientGrant
	}
	return s.ledger.spentTotals(ctx, s.repo, grant, s.now())
}

func (s *Service) addSentAmount(ctx context.Context, payment *domain.OutgoingPayment) error {
	sent, ok, err := s.accounting.GetTotalSent(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSentAmountUnavailable, err)
	}
	if err := setSentAmount(payment, sent, ok); err != nil {
		return err
	}
	if payment.State == domain.PaymentStateSending {
		balance, ok, err := s.accounting.GetBalance(ctx, payment.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSentAmountUnavailable, err)
		}
		if ok {
			payment.Balance = &balance
		}
	}
	return nil
}

// setSentAmount attaches the ledger total. A FUNDING payment may not have a
// ledger account yet and reads as zero; any other missing account is an error.
func setSentAmount(payment *domain.OutgoingPayment, sent int64, ok bool) error {
	if !ok {
		if payment.State != domain.PaymentStateFunding {
			return fmt.Errorf("%w: no ledger account for payment %s", ErrSentAmountUnavailable, payment.ID)
		}
		sent = 0
	}
	debit := payment.DebitAmount()
	payment.SentAmount = &domain.Amount{Value: sent, AssetCode: debit.AssetCode, AssetScale: debit.AssetScale}
	return nil
}
