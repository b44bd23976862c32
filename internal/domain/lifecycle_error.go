package domain

// LifecycleError is a named failure raised while driving a SENDING payment.
type LifecycleError string

const (
	ErrQuoteExpired             LifecycleError = "QuoteExpired"
	ErrSourceAssetConflict      LifecycleError = "SourceAssetConflict"
	ErrDestinationAssetConflict LifecycleError = "DestinationAssetConflict"
	ErrBadState                 LifecycleError = "BadState"
	ErrMissingBalance           LifecycleError = "MissingBalance"
	ErrRatesUnavailable         LifecycleError = "RatesUnavailable"
)

func (e LifecycleError) Error() string { return string(e) }

// IsRetryable reports whether a later attempt can succeed. Only rate lookups
// are transient; asset changes, expiry and inconsistent amounts are not.
func (e LifecycleError) IsRetryable() bool {
	return e == ErrRatesUnavailable
}
