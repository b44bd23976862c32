package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
	"github.com/transfa/outgoing-payment-service/internal/interval"
	"github.com/transfa/outgoing-payment-service/internal/store"
)

// SpendTotals is what a grant had spent before the payment being evaluated,
// over its lifetime and within one interval.
type SpendTotals struct {
	GrantDebit      int64
	GrantReceive    int64
	IntervalDebit   int64
	IntervalReceive int64
}

// SpendAmountSource computes a grant's prior spend. iv is nil when the grant has
// no interval limit.
type SpendAmountSource interface {
	Totals(ctx context.Context, tx store.PaymentStore, grantID string, iv *interval.Interval) (SpendTotals, error)
}

// FromLatestSnapshot reads totals from the grant's most recent spent-amounts rows.
type FromLatestSnapshot struct {
	Latest *domain.GrantSpentAmounts
}

func (s FromLatestSnapshot) Totals(ctx context.Context, tx store.PaymentStore, grantID string, iv *interval.Interval) (SpendTotals, error) {
	totals := SpendTotals{
		GrantDebit:   s.Latest.GrantTotalDebitAmountValue,
		GrantReceive: s.Latest.GrantTotalReceiveAmountValue,
	}
	if iv == nil {
		return totals, nil
	}

	// The latest grant row may belong to another interval.
	row, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{
		GrantID:       grantID,
		IntervalStart: &iv.Start,
		IntervalEnd:   &iv.End,
	})
	if err != nil {
		return SpendTotals{}, err
	}
	if row != nil {
		totals.IntervalDebit = valueOrZero(row.IntervalDebitAmountValue)
		totals.IntervalReceive = valueOrZero(row.IntervalReceiveAmountValue)
	}
	return totals, nil
}

// ComputedFromHistory sums the grant's payments for grants created before spend
// rows were tracked. Failed payments count what the ledger says they sent.
type ComputedFromHistory struct {
	Accounting AccountingService
}

func (s ComputedFromHistory) Totals(ctx context.Context, tx store.PaymentStore, grantID string, iv *interval.Interval) (SpendTotals, error) {
	payments, err := tx.ListGrantPayments(ctx, grantID)
	if err != nil {
		return SpendTotals{}, err
	}

	var totals SpendTotals
	for i := range payments {
		debit, receive, err := s.contribution(ctx, &payments[i])
		if err != nil {
			return SpendTotals{}, err
		}
		totals.GrantDebit += debit
		totals.GrantReceive += receive
		if iv != nil && iv.Contains(payments[i].CreatedAt) {
			totals.IntervalDebit += debit
			totals.IntervalReceive += receive
		}
	}
	return totals, nil
}

func (s ComputedFromHistory) contribution(ctx context.Context, p *domain.OutgoingPayment) (int64, int64, error) {
	switch p.State {
	case domain.PaymentStateCancelled:
		return 0, 0, nil
	case domain.PaymentStateFailed:
		sent, ok, err := s.Accounting.GetTotalSent(ctx, p.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("total sent for failed payment %s: %w", p.ID, err)
		}
		if !ok || sent <= 0 || p.DebitAmount().Value <= 0 {
			return 0, 0, nil
		}
		received := decimal.NewFromInt(p.ReceiveAmount().Value).
			Mul(decimal.NewFromInt(sent)).
			Div(decimal.NewFromInt(p.DebitAmount().Value)).
			IntPart()
		return sent, received, nil
	default:
		return p.DebitAmount().Value, p.ReceiveAmount().Value, nil
	}
}

type grantSpendLedger struct {
	accounting  AccountingService
	lockTimeout time.Duration
}

func (l *grantSpendLedger) source(ctx context.Context, tx store.PaymentStore, grantID string) (SpendAmountSource, error) {
	latest, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{GrantID: grantID})
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return FromLatestSnapshot{Latest: latest}, nil
	}
	return ComputedFromHistory{Accounting: l.accounting}, nil
}

// reserve validates payment against the grant's limits and returns the row that
// counts the full payment against the grant. The interval is the one containing
// the payment's creation time and stays attached to every later row of the payment.
func (l *grantSpendLedger) reserve(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, grant *domain.Grant) (*domain.GrantSpentAmounts, error) {
	limits := grant.Limits
	debit, receive := payment.DebitAmount(), payment.ReceiveAmount()

	var paymentInterval *interval.Interval
	if limits != nil && limits.Interval != "" {
		iv, ok := interval.Resolve(limits.Interval, payment.CreatedAt)
		if !ok {
			return nil, ErrInsufficientGrant
		}
		paymentInterval = &iv
	}

	if limits != nil {
		if limits.Receiver != "" && limits.Receiver != payment.Receiver() {
			return nil, ErrInsufficientGrant
		}
		if limits.DebitAmount != nil && (!limits.DebitAmount.SameAsset(debit) || debit.Value > limits.DebitAmount.Value) {
			return nil, ErrInsufficientGrant
		}
		if limits.ReceiveAmount != nil && (!limits.ReceiveAmount.SameAsset(receive) || receive.Value > limits.ReceiveAmount.Value) {
			return nil, ErrInsufficientGrant
		}
	}

	source, err := l.source(ctx, tx, grant.ID)
	if err != nil {
		return nil, err
	}
	prior, err := source.Totals(ctx, tx, grant.ID, paymentInterval)
	if err != nil {
		return nil, err
	}

	if limits != nil {
		debitBase, receiveBase := prior.GrantDebit, prior.GrantReceive
		if paymentInterval != nil {
			debitBase, receiveBase = prior.IntervalDebit, prior.IntervalReceive
		}
		if limits.DebitAmount != nil && debitBase+debit.Value > limits.DebitAmount.Value {
			return nil, ErrInsufficientGrant
		}
		if limits.ReceiveAmount != nil && receiveBase+receive.Value > limits.ReceiveAmount.Value {
			return nil, ErrInsufficientGrant
		}
	}

	row := &domain.GrantSpentAmounts{
		GrantID:                      grant.ID,
		OutgoingPaymentID:            payment.ID,
		DebitAmountCode:              debit.AssetCode,
		DebitAmountScale:             debit.AssetScale,
		PaymentDebitAmountValue:      debit.Value,
		GrantTotalDebitAmountValue:   prior.GrantDebit + debit.Value,
		ReceiveAmountCode:            receive.AssetCode,
		ReceiveAmountScale:           receive.AssetScale,
		PaymentReceiveAmountValue:    receive.Value,
		GrantTotalReceiveAmountValue: prior.GrantReceive + receive.Value,
		PaymentState:                 payment.State,
	}
	if paymentInterval != nil {
		intervalDebit := prior.IntervalDebit + debit.Value
		intervalReceive := prior.IntervalReceive + receive.Value
		start, end := paymentInterval.Start, paymentInterval.End
		row.IntervalDebitAmountValue = &intervalDebit
		row.IntervalReceiveAmountValue = &intervalReceive
		row.IntervalStart = &start
		row.IntervalEnd = &end
	}
	return row, nil
}

// reconcile appends a correcting row when what a payment settled differs from
// what its latest row counted. Nothing is written on an exact match.
func (l *grantSpendLedger) reconcile(ctx context.Context, tx store.PaymentStore, payment *domain.OutgoingPayment, settledDebit, settledReceive int64, state domain.PaymentState) error {
	if payment.GrantID == nil {
		return nil
	}
	grantID := *payment.GrantID
	paymentID := payment.ID

	reserved, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{GrantID: grantID, OutgoingPaymentID: &paymentID})
	if err != nil {
		return err
	}
	if reserved == nil {
		// Created before spend rows were tracked; history-based totals already
		// read the payment's state and ledger balance.
		return nil
	}

	debitDiff := reserved.PaymentDebitAmountValue - settledDebit
	receiveDiff := reserved.PaymentReceiveAmountValue - settledReceive
	if debitDiff == 0 && receiveDiff == 0 {
		return nil
	}

	// Lock order is payment row, then grant marker. Create only takes the latter.
	if err := tx.LockGrant(ctx, grantID, l.lockTimeout); err != nil {
		return err
	}

	latest, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{GrantID: grantID})
	if err != nil {
		return err
	}
	if latest == nil {
		latest = reserved
	}

	row := &domain.GrantSpentAmounts{
		GrantID:                      grantID,
		OutgoingPaymentID:            paymentID,
		DebitAmountCode:              reserved.DebitAmountCode,
		DebitAmountScale:             reserved.DebitAmountScale,
		PaymentDebitAmountValue:      settledDebit,
		GrantTotalDebitAmountValue:   latest.GrantTotalDebitAmountValue - debitDiff,
		ReceiveAmountCode:            reserved.ReceiveAmountCode,
		ReceiveAmountScale:           reserved.ReceiveAmountScale,
		PaymentReceiveAmountValue:    settledReceive,
		GrantTotalReceiveAmountValue: latest.GrantTotalReceiveAmountValue - receiveDiff,
		PaymentState:                 state,
		IntervalStart:                reserved.IntervalStart,
		IntervalEnd:                  reserved.IntervalEnd,
	}

	if reserved.IntervalStart != nil && reserved.IntervalEnd != nil {
		latestInInterval, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{
			GrantID:       grantID,
			IntervalStart: reserved.IntervalStart,
			IntervalEnd:   reserved.IntervalEnd,
		})
		if err != nil {
			return err
		}
		if latestInInterval == nil {
			latestInInterval = reserved
		}
		intervalDebit := valueOrZero(latestInInterval.IntervalDebitAmountValue) - debitDiff
		intervalReceive := valueOrZero(latestInInterval.IntervalReceiveAmountValue) - receiveDiff
		row.IntervalDebitAmountValue = &intervalDebit
		row.IntervalReceiveAmountValue = &intervalReceive
	}

	return tx.InsertGrantSpentAmounts(ctx, row)
}

// spentTotals reports what the grant has spent in the interval containing now,
// or over its lifetime when it has no interval.
func (l *grantSpendLedger) spentTotals(ctx context.Context, tx store.PaymentStore, grant *domain.Grant, now time.Time) (*domain.GrantSpentTotals, error) {
	var iv *interval.Interval
	if grant.Limits != nil && grant.Limits.Interval != "" {
		resolved, ok := interval.Resolve(grant.Limits.Interval, now)
		if !ok {
			return &domain.GrantSpentTotals{}, nil
		}
		iv = &resolved
	}

	latest, err := tx.LatestGrantSpentAmounts(ctx, store.GrantSpentFilter{GrantID: grant.ID})
	if err != nil {
		return nil, err
	}
	var source SpendAmountSource = ComputedFromHistory{Accounting: l.accounting}
	if latest != nil {
		source = FromLatestSnapshot{Latest: latest}
	}
	prior, err := source.Totals(ctx, tx, grant.ID, iv)
	if err != nil {
		return nil, err
	}

	debit, receive := prior.GrantDebit, prior.GrantReceive
	result := &domain.GrantSpentTotals{}
	if iv != nil {
		debit, receive = prior.IntervalDebit, prior.IntervalReceive
		start, end := iv.Start, iv.End
		result.IntervalStart = &start
		result.IntervalEnd = &end
	}

	var debitAsset, receiveAsset *domain.Amount
	if grant.Limits != nil {
		debitAsset, receiveAsset = grant.Limits.DebitAmount, grant.Limits.ReceiveAmount
	}
	if debitAsset == nil && latest != nil {
		debitAsset = &domain.Amount{AssetCode: latest.DebitAmountCode, AssetScale: latest.DebitAmountScale}
	}
	if receiveAsset == nil && latest != nil {
		receiveAsset = &domain.Amount{AssetCode: latest.ReceiveAmountCode, AssetScale: latest.ReceiveAmountScale}
	}
	if debitAsset != nil {
		result.SpentDebitAmount = &domain.Amount{Value: debit, AssetCode: debitAsset.AssetCode, AssetScale: debitAsset.AssetScale}
	}
	if receiveAsset != nil {
		result.SpentReceiveAmount = &domain.Amount{Value: receive, AssetCode: receiveAsset.AssetCode, AssetScale: receiveAsset.AssetScale}
	}
	return result, nil
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
