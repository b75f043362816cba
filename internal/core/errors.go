package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine packages. Handlers map these
// onto HTTP status codes; the chat layer maps them onto embeds.
var (
	ErrNotFound         = errors.New("not found")
	ErrStateConflict    = errors.New("state conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidInputError reports a failed validation with the specific
// constraint that was violated.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// NewInvalidInput builds an InvalidInputError.
func NewInvalidInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var iie *InvalidInputError
	return errors.As(err, &iie)
}

// InsufficientFundsError reports a balance too low for the requested
// debit, carrying what the user has and what the operation needed.
type InsufficientFundsError struct {
	Currency Currency
	Have     float64
	Need     float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: have %.2f, need %.2f", e.Currency, e.Have, e.Need)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var ife *InsufficientFundsError
	return errors.As(err, &ife)
}

// RateLimitedError reports a rejected request with the time until the
// caller may retry and which limiter rejected it.
type RateLimitedError struct {
	Reason     string // cooldown, user_rate_limit, server_rate_limit, spam
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Reason, e.RetryAfter)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}
