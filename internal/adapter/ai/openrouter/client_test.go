package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", APIKey: "k", Referer: "https://advisor.example", Title: "Advisor"})
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "https://advisor.example", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Advisor", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"finish_reason":"stop","message":{"content":"Numbers align."}}]}`))
	})

	out, err := c.Generate(context.Background(), domain.GenerationRequest{
		Model: "meta-llama/llama-3.1-8b-instruct:free", SystemInstruction: "sys", Prompt: "hi",
		Params: domain.GenerationParams{Temperature: 0.7, MaxOutputTokens: 300},
	})
	require.NoError(t, err)
	assert.Equal(t, "Numbers align.", out)
	assert.Equal(t, "meta-llama/llama-3.1-8b-instruct:free", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, int32(300), got.MaxTokens)
}

func TestGenerate_StatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"429", http.StatusTooManyRequests, `{"error":{"message":"rate"}}`, domain.ErrQuotaExceeded},
		{"402", http.StatusPaymentRequired, `{}`, domain.ErrQuotaExceeded},
		{"401", http.StatusUnauthorized, `{}`, domain.ErrProviderAuth},
		{"403 moderation", http.StatusForbidden, `{"error":{"message":"input flagged by moderation"}}`, domain.ErrSafetyFiltered},
		{"503", http.StatusServiceUnavailable, `{}`, domain.ErrProviderOverloaded},
		{"502", http.StatusBadGateway, `{}`, domain.ErrProviderOverloaded},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Generate(context.Background(), domain.GenerationRequest{Model: "m", Prompt: "p"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerate_ErrorInBodyAndContentFilter(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"no providers"}}`))
	})
	_, err := c.Generate(context.Background(), domain.GenerationRequest{Model: "m", Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrProviderOverloaded)

	c = newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"content_filter","message":{"content":""}}]}`))
	})
	_, err = c.Generate(context.Background(), domain.GenerationRequest{Model: "m", Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrSafetyFiltered)

	c = newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err = c.Generate(context.Background(), domain.GenerationRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.False(t, domain.IsTerminalProviderError(err))
}

func TestGenerate_MissingKey(t *testing.T) {
	t.Parallel()
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Generate(context.Background(), domain.GenerationRequest{Model: "m"})
	require.ErrorIs(t, err, domain.ErrProviderAuth)
}

func TestClassifyStatus_Other4xxIsNotTerminal(t *testing.T) {
	t.Parallel()
	err := classifyStatus(http.StatusNotFound, "no such model")
	assert.False(t, domain.IsTerminalProviderError(err))
	assert.NotErrorIs(t, err, domain.ErrProviderOverloaded)
}
