package app

import "errors"

// OutgoingPaymentError is a validation or funding failure returned to callers
// as a value. Callers map it to API status codes.
type OutgoingPaymentError string

const (
	ErrUnknownWalletAddress  OutgoingPaymentError = "unknown wallet address"
	ErrInactiveWalletAddress OutgoingPaymentError = "inactive wallet address"
	ErrUnknownQuote          OutgoingPaymentError = "unknown quote"
	ErrInvalidQuote          OutgoingPaymentError = "invalid quote"
	ErrInsufficientGrant     OutgoingPaymentError = "insufficient grant"
	ErrGrantLocked           OutgoingPaymentError = "grant locked"
	ErrUnknownPayment        OutgoingPaymentError = "unknown outgoing payment"
	ErrWrongState            OutgoingPaymentError = "wrong state"
	ErrInvalidAmount         OutgoingPaymentError = "invalid amount"
	ErrCreateRateLimited     OutgoingPaymentError = "too many outgoing payments created"
)

func (e OutgoingPaymentError) Error() string { return string(e) }

// IsOutgoingPaymentError reports whether err is a caller-facing payment error.
func IsOutgoingPaymentError(err error) bool {
	var target OutgoingPaymentError
	return errors.As(err, &target)
}

// ErrSentAmountUnavailable is returned when the ledger cannot say how much a
// payment has sent. It is never replaced by a zero amount.
var ErrSentAmountUnavailable = errors.New("could not determine amount sent")
