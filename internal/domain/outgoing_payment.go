/**
 * @description
 * Core domain models for the outgoing-payment-service: payments, the quotes they
 * consume, wallet addresses, receivers and the legal payment state transitions.
 *
 * @notes
 * - Amounts are int64 values in the asset's smallest unit, qualified by an asset
 *   code and scale, to avoid floating-point inaccuracies with financial data.
 * - Debit and receive amounts come from the quote and never change after creation.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amount is a fixed-point monetary value.
type Amount struct {
	Value      int64  `json:"value"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
}

// SameAsset reports whether both amounts are denominated in the same asset.
func (a Amount) SameAsset(other Amount) bool {
	return a.AssetCode == other.AssetCode && a.AssetScale == other.AssetScale
}

// PaymentState is the lifecycle state of an outgoing payment.
type PaymentState string

const (
	PaymentStateFunding   PaymentState = "FUNDING"
	PaymentStateSending   PaymentState = "SENDING"
	PaymentStateCompleted PaymentState = "COMPLETED"
	PaymentStateFailed    PaymentState = "FAILED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

var paymentTransitions = map[PaymentState][]PaymentState{
	PaymentStateFunding: {PaymentStateSending, PaymentStateCancelled},
	PaymentStateSending: {PaymentStateSending, PaymentStateCompleted, PaymentStateFailed},
}

// Valid reports whether s is a known state.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStateFunding, PaymentStateSending, PaymentStateCompleted, PaymentStateFailed, PaymentStateCancelled:
		return true
	}
	return false
}

// Terminal states never transition again.
func (s PaymentState) Terminal() bool {
	return s == PaymentStateCompleted || s == PaymentStateFailed || s == PaymentStateCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s PaymentState) CanTransitionTo(next PaymentState) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Quote is the immutable price agreement a payment is created from.
type Quote struct {
	ID                    uuid.UUID       `json:"id"`
	WalletAddressID       uuid.UUID       `json:"walletAddressId"`
	Receiver              string          `json:"receiver"`
	DebitAmount           Amount          `json:"debitAmount"`
	ReceiveAmount         Amount          `json:"receiveAmount"`
	AssetID               uuid.UUID       `json:"assetId"`
	EstimatedExchangeRate decimal.Decimal `json:"estimatedExchangeRate"`
	Method                string          `json:"method"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// WalletAddress is the payer account a payment debits.
type WalletAddress struct {
	ID            uuid.UUID  `json:"id"`
	URL           string     `json:"url"`
	AssetID       uuid.UUID  `json:"assetId"`
	AssetCode     string     `json:"assetCode"`
	AssetScale    uint8      `json:"assetScale"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// IsActive reports whether the wallet address may still send at now.
func (w *WalletAddress) IsActive(now time.Time) bool {
	return w.DeactivatedAt == nil || now.Before(*w.DeactivatedAt)
}

// Receiver is the resolved incoming payment a payment pays into.
type Receiver struct {
	URL            string     `json:"url"`
	AssetCode      string     `json:"assetCode"`
	AssetScale     uint8      `json:"assetScale"`
	IncomingAmount *int64     `json:"incomingAmount,omitempty"`
	ReceivedAmount int64      `json:"receivedAmount"`
	Completed      bool       `json:"completed"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// IsActive reports whether the receiver can still accept funds at now.
func (r *Receiver) IsActive(now time.Time) bool {
	if r.Completed {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// RemainingCapacity returns how much the receiver can still accept, if it is bounded.
func (r *Receiver) RemainingCapacity() (int64, bool) {
	if r.IncomingAmount == nil {
		return 0, false
	}
	return *r.IncomingAmount - r.ReceivedAmount, true
}

// OutgoingPayment is the aggregate root driven through the payment lifecycle.
// Its ID equals the ID of the quote it consumed.
type OutgoingPayment struct {
	ID              uuid.UUID      `json:"id"`
	WalletAddressID uuid.UUID      `json:"walletAddressId"`
	GrantID         *string        `json:"grantId,omitempty"`
	Quote           Quote          `json:"-"`
	State           PaymentState   `json:"state"`
	StateAttempts   int            `json:"stateAttempts"`
	Error           *string        `json:"error,omitempty"`
	Client          *string        `json:"client,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	PeerID          *uuid.UUID     `json:"peerId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// Populated from the accounting ledger on read. Never persisted.
	SentAmount *Amount `json:"sentAmount,omitempty"`
	Balance    *int64  `json:"balance,omitempty"`
}

func (p *OutgoingPayment) DebitAmount() Amount   { return p.Quote.DebitAmount }
func (p *OutgoingPayment) ReceiveAmount() Amount { return p.Quote.ReceiveAmount }
func (p *OutgoingPayment) Receiver() string      { return p.Quote.Receiver }
func (p *OutgoingPayment) AssetID() uuid.UUID    { return p.Quote.AssetID }

// MarshalJSON flattens the quote-derived amounts into the payment representation
// used by the API and webhook payloads.
func (p OutgoingPayment) MarshalJSON() ([]byte, error) {
	type payment OutgoingPayment
	return json.Marshal(struct {
		payment
		QuoteID       uuid.UUID `json:"quoteId"`
		Receiver      string    `json:"receiver"`
		DebitAmount   Amount    `json:"debitAmount"`
		ReceiveAmount Amount    `json:"receiveAmount"`
	}{
		payment:       payment(p),
		QuoteID:       p.Quote.ID,
		Receiver:      p.Quote.Receiver,
		DebitAmount:   p.Quote.DebitAmount,
		ReceiveAmount: p.Quote.ReceiveAmount,
	})
}
