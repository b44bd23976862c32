package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEventType names a payment lifecycle event.
type WebhookEventType string

const (
	EventOutgoingPaymentCreated   WebhookEventType = "outgoing_payment.created"
	EventOutgoingPaymentCompleted WebhookEventType = "outgoing_payment.completed"
	EventOutgoingPaymentFailed    WebhookEventType = "outgoing_payment.failed"
)

// Withdrawal tells the webhook consumer how much liquidity is left on the
// payment's account and can be withdrawn.
type Withdrawal struct {
	AccountID uuid.UUID `json:"accountId"`
	AssetID   uuid.UUID `json:"assetId"`
	Amount    int64     `json:"amount"`
}

// WebhookEvent is written in the same storage transaction as the state change it
// describes and published asynchronously.
type WebhookEvent struct {
	ID                uuid.UUID        `json:"id"`
	Type              WebhookEventType `json:"type"`
	OutgoingPaymentID uuid.UUID        `json:"outgoingPaymentId"`
	Data              json.RawMessage  `json:"data"`
	Withdrawal        *Withdrawal      `json:"withdrawal,omitempty"`
	Attempts          int              `json:"-"`
	CreatedAt         time.Time        `json:"createdAt"`
}
