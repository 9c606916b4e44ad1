package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a provider failure that may succeed on retry
// (timeouts, rate limits, 5xx responses).
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that will not succeed on retry
// against the same provider (bad credentials, invalid request).
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error (%s): %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every configured provider failed.
// It carries the last failure observed per provider, in attempt order.
type ExhaustedError struct {
	Failures []ProviderFailure
}

// ProviderFailure records the final error a provider produced before the
// gateway moved on.
type ProviderFailure struct {
	Provider string
	Err      error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// IsTransient reports whether err classifies as retryable on the same provider.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err should skip straight to the next provider.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
