// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the advisor session, chat, reward and payment endpoints, maps the
// domain error taxonomy onto status codes, and keeps HTTP concerns out of the
// use cases.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
	obsctx "github.com/fairyhunter13/ai-advisor/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps an error onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrSafetyFiltered):
		return http.StatusBadRequest, "SAFETY_FILTERED"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrProviderAuth):
		return http.StatusUnauthorized, "PROVIDER_AUTH"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrSpinInProgress):
		return http.StatusConflict, "SPIN_IN_PROGRESS"
	case errors.Is(err, domain.ErrSpinUnavailable):
		return http.StatusConflict, "SPIN_UNAVAILABLE"
	case errors.Is(err, domain.ErrPaymentNotCompleted):
		return http.StatusConflict, "PAYMENT_NOT_COMPLETED"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrAllProvidersUnavailable):
		return http.StatusServiceUnavailable, "ALL_PROVIDERS_UNAVAILABLE"
	case errors.Is(err, domain.ErrProviderOverloaded):
		return http.StatusServiceUnavailable, "PROVIDER_OVERLOADED"
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// isProviderFailure reports whether err came out of the completion chain.
func isProviderFailure(err error) bool {
	return errors.Is(err, domain.ErrAllProvidersUnavailable) ||
		errors.Is(err, domain.ErrProviderOverloaded) ||
		errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		domain.IsTerminalProviderError(err)
}

// publicMessage is the error text safe to show to callers. Wrapped operation
// prefixes and internal failures stay in the logs.
func publicMessage(err error, status int) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	_, code := classify(err)
	switch code {
	case "NOT_FOUND":
		return "not found"
	case "UNAUTHORIZED":
		return "authentication required"
	case "SPIN_IN_PROGRESS":
		return "a spin is already in progress"
	case "SPIN_UNAVAILABLE":
		return "no spin available until tomorrow"
	case "PAYMENT_NOT_COMPLETED":
		return "payment has not been completed"
	case "CONFLICT":
		return "request conflicts with the current session state"
	}
	return http.StatusText(status)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := classify(err)
	logError(r, err, status)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: publicMessage(err, status), Details: details}})
}

// RateLimited answers requests rejected by the HTTP rate limiter.
func RateLimited(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{Code: "RATE_LIMITED", Message: "too many requests"}})
}

func logError(r *http.Request, err error, status int) {
	lg := obsctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		lg.Error("request failed", slog.Int("status", status), slog.Any("error", err))
		return
	}
	lg.Debug("request rejected", slog.Int("status", status), slog.Any("error", err))
}
