package domain

// FundingEvent is published by the wallet side when money for a payment has
// been deposited and the payment can start sending.
type FundingEvent struct {
	OutgoingPaymentID string `json:"outgoing_payment_id"`
	Amount            int64  `json:"amount"`
	TransferID        string `json:"transfer_id"`
}
