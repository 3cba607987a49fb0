package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.ValidationError{Field: "userMessage", Reason: "required"}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{fmt.Errorf("op=x: %w", domain.ErrSafetyFiltered), http.StatusBadRequest, "SAFETY_FILTERED"},
		{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domain.ErrProviderAuth, http.StatusUnauthorized, "PROVIDER_AUTH"},
		{fmt.Errorf("op=session.get: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrSpinInProgress, http.StatusConflict, "SPIN_IN_PROGRESS"},
		{domain.ErrSpinUnavailable, http.StatusConflict, "SPIN_UNAVAILABLE"},
		{domain.ErrPaymentNotCompleted, http.StatusConflict, "PAYMENT_NOT_COMPLETED"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrQuotaExceeded, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{domain.ErrProviderOverloaded, http.StatusServiceUnavailable, "PROVIDER_OVERLOADED"},
		{&domain.AllProvidersUnavailableError{}, http.StatusServiceUnavailable, "ALL_PROVIDERS_UNAVAILABLE"},
		{domain.ErrUpstreamTimeout, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{domain.ErrInternal, http.StatusInternalServerError, "INTERNAL"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWriteError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(rec, req, fmt.Errorf("op=repo.get: connection reset: %w", domain.ErrInternal), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"INTERNAL","message":"internal error"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	writeError(rec, req, fmt.Errorf("op=advisor.chat: %w", &domain.ValidationError{Field: "userMessage", Reason: "required"}), map[string]string{"field": "userMessage"})
	assert.JSONEq(t, `{"error":{"code":"INVALID_ARGUMENT","message":"invalid userMessage: required","details":{"field":"userMessage"}}}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestIsProviderFailure(t *testing.T) {
	assert.True(t, isProviderFailure(&domain.AllProvidersUnavailableError{}))
	assert.True(t, isProviderFailure(domain.ErrQuotaExceeded))
	assert.True(t, isProviderFailure(fmt.Errorf("wrap: %w", domain.ErrProviderOverloaded)))
	assert.False(t, isProviderFailure(domain.ErrNotFound))
	assert.False(t, isProviderFailure(&domain.ValidationError{Field: "a", Reason: "b"}))
}

func TestRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimited(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}
