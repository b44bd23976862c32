package domain

import (
	"time"

	"github.com/google/uuid"
)

// GrantLimits bound what payments created under a grant may send.
type GrantLimits struct {
	DebitAmount   *Amount `json:"debitAmount,omitempty"`
	ReceiveAmount *Amount `json:"receiveAmount,omitempty"`
	Receiver      string  `json:"receiver,omitempty"`
	Interval      string  `json:"interval,omitempty"`
}

// Grant is the third-party authorization presented when creating a payment.
type Grant struct {
	ID     string       `json:"id"`
	Limits *GrantLimits `json:"limits,omitempty"`
}

// HasAmountLimit reports whether the grant restricts debit or receive amounts.
func (g *Grant) HasAmountLimit() bool {
	return g != nil && g.Limits != nil && (g.Limits.DebitAmount != nil || g.Limits.ReceiveAmount != nil)
}

// GrantSpentAmounts is one append-only snapshot of a grant's spending. The most
// recent row for a grant carries its current totals.
type GrantSpentAmounts struct {
	ID                           uuid.UUID    `json:"id"`
	GrantID                      string       `json:"grantId"`
	OutgoingPaymentID            uuid.UUID    `json:"outgoingPaymentId"`
	DebitAmountCode              string       `json:"debitAmountCode"`
	DebitAmountScale             uint8        `json:"debitAmountScale"`
	PaymentDebitAmountValue      int64        `json:"paymentDebitAmountValue"`
	IntervalDebitAmountValue     *int64       `json:"intervalDebitAmountValue,omitempty"`
	GrantTotalDebitAmountValue   int64        `json:"grantTotalDebitAmountValue"`
	ReceiveAmountCode            string       `json:"receiveAmountCode"`
	ReceiveAmountScale           uint8        `json:"receiveAmountScale"`
	PaymentReceiveAmountValue    int64        `json:"paymentReceiveAmountValue"`
	IntervalReceiveAmountValue   *int64       `json:"intervalReceiveAmountValue,omitempty"`
	GrantTotalReceiveAmountValue int64        `json:"grantTotalReceiveAmountValue"`
	PaymentState                 PaymentState `json:"paymentState"`
	IntervalStart                *time.Time   `json:"intervalStart,omitempty"`
	IntervalEnd                  *time.Time   `json:"intervalEnd,omitempty"`
	CreatedAt                    time.Time    `json:"createdAt"`
}

// GrantSpentTotals is what a grant has spent so far, either within the current
// interval or over its lifetime when it has no interval.
type GrantSpentTotals struct {
	SpentDebitAmount   *Amount    `json:"spentDebitAmount,omitempty"`
	SpentReceiveAmount *Amount    `json:"spentReceiveAmount,omitempty"`
	IntervalStart      *time.Time `json:"intervalStart,omitempty"`
	IntervalEnd        *time.Time `json:"intervalEnd,omitempty"`
}
