package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrProviderOverloaded      = errors.New("provider overloaded")
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrSafetyFiltered          = errors.New("safety filtered")
	ErrProviderAuth            = errors.New("provider auth error")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	ErrUpstreamTimeout         = errors.New("upstream timeout")
	ErrSpinInProgress          = errors.New("spin in progress")
	ErrSpinUnavailable         = errors.New("no spin available")
	ErrPaymentNotCompleted     = errors.New("payment not completed")
	ErrInternal                = errors.New("internal error")
)

// ValidationError describes a rejected input field. It matches ErrInvalidArgument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// AllProvidersUnavailableError carries every recorded attempt failure of an
// exhausted fallback chain. It matches ErrAllProvidersUnavailable.
type AllProvidersUnavailableError struct {
	Errors []AttemptError
}

func (e *AllProvidersUnavailableError) Error() string {
	models := make([]string, 0, len(e.Errors))
	seen := map[string]bool{}
	for _, ae := range e.Errors {
		if !seen[ae.ModelID] {
			seen[ae.ModelID] = true
			models = append(models, ae.ModelID)
		}
	}
	return fmt.Sprintf("all providers unavailable after %d failed attempts (models: %s)", len(e.Errors), strings.Join(models, ","))
}

func (e *AllProvidersUnavailableError) Unwrap() error { return ErrAllProvidersUnavailable }

// IsTerminalProviderError reports whether a provider failure must not be retried.
func IsTerminalProviderError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrSafetyFiltered) || errors.Is(err, ErrProviderAuth)
}
