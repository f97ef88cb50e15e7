package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrDuplicateSignature  = errors.New("party already signed")
	ErrAlreadyPaid         = errors.New("phase already paid")
	ErrInFlight            = errors.New("payment already in flight for phase")
	ErrUnknownPayment      = errors.New("unknown payment")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrInternal            = errors.New("internal error")

	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
	// ErrConflict is a local transaction conflict (serialization failure,
	// deadlock). Callers retry; it is never a success.
	ErrConflict = errors.New("transaction conflict")
)

// Retryable reports whether the caller should retry the operation with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrConflict)
}
