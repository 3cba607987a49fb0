// Package openrouter implements domain.TextGenerator against the OpenRouter
// chat completions API (OpenAI compatible).
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// Options configures the client.
type Options struct {
	BaseURL string
	APIKey  string
	Referer string
	Title   string
	Timeout time.Duration
}

// Client performs single chat completion calls. Retries belong to the orchestrator.
type Client struct {
	opts Options
	hc   *http.Client
}

// New constructs a client with an instrumented transport.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts: opts,
		hc:   &http.Client{Timeout: opts.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	TopK        float32       `json:"top_k,omitempty"`
	MaxTokens   int32         `json:"max_tokens,omitempty"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error"`
}

// Generate calls /chat/completions once for req.Model.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	if c.opts.APIKey == "" {
		return "", fmt.Errorf("openrouter: missing api key: %w", domain.ErrProviderAuth)
	}
	msgs := make([]chatMessage, 0, 2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemInstruction})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	b, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
		MaxTokens:   req.Params.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openrouter: encode request: %w", err)
	}

	endpoint := c.opts.BaseURL + "/chat/completions"
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("openrouter: build request: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	r.Header.Set("Content-Type", "application/json")
	if c.opts.Referer != "" {
		r.Header.Set("HTTP-Referer", c.opts.Referer)
	}
	if c.opts.Title != "" {
		r.Header.Set("X-Title", c.opts.Title)
	}

	start := time.Now()
	resp, err := c.hc.Do(r)
	observability.AIRequestsTotal.WithLabelValues("openrouter", "chat").Inc()
	observability.AIRequestDuration.WithLabelValues("openrouter", "chat").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("openrouter %s: %v: %w", req.Model, err, domain.ErrProviderOverloaded)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("openrouter %s: read body: %v: %w", req.Model, err, domain.ErrProviderOverloaded)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("ai provider non-2xx",
			slog.String("provider", "openrouter"),
			slog.String("model", req.Model),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet))
		return "", fmt.Errorf("openrouter %s: %w", req.Model, classifyStatus(resp.StatusCode, snippet))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("openrouter %s: decode: %v: %w", req.Model, err, domain.ErrProviderOverloaded)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter %s: %w", req.Model, classifyStatus(out.Error.Code, out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter %s: empty choices", req.Model)
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return "", fmt.Errorf("openrouter %s: content filtered: %w", req.Model, domain.ErrSafetyFiltered)
	}
	return out.Choices[0].Message.Content, nil
}

// classifyStatus maps an HTTP status and body onto the provider taxonomy.
func classifyStatus(status int, body string) error {
	lower := strings.ToLower(body)
	moderated := strings.Contains(lower, "moderation") || strings.Contains(lower, "flagged")
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusPaymentRequired:
		return fmt.Errorf("status %d: %w", status, domain.ErrQuotaExceeded)
	case (status == http.StatusForbidden || status == http.StatusBadRequest) && moderated:
		return fmt.Errorf("status %d: %w", status, domain.ErrSafetyFiltered)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, domain.ErrProviderAuth)
	case status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("status %d: %w", status, domain.ErrProviderOverloaded)
	default:
		return fmt.Errorf("status %d", status)
	}
}
