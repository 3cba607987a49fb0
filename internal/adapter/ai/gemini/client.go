// Package gemini implements domain.TextGenerator on top of the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// modelsAPI is the subset of *genai.Models the client uses.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client calls Gemini models with deployment-wide safety thresholds.
type Client struct {
	models modelsAPI
	safety []*genai.SafetySetting
}

// DefaultSafetySettings blocks medium and above on every harm category.
func DefaultSafetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	out := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove})
	}
	return out
}

// New creates a Gemini client for the Gemini Developer API.
func New(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("op=gemini.new: %w", domain.ErrProviderAuth)
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("op=gemini.new: %w", err)
	}
	return &Client{models: c.Models, safety: DefaultSafetySettings()}, nil
}

// Generate performs one generateContent call and classifies its failure.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	ctx, span := otel.Tracer("ai.gemini").Start(ctx, "gemini.GenerateContent")
	defer span.End()
	span.SetAttributes(attribute.String("model", req.Model))

	cfg := &genai.GenerateContentConfig{SafetySettings: c.safety}
	if req.Params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Params.Temperature)
	}
	if req.Params.TopK > 0 {
		cfg.TopK = genai.Ptr(req.Params.TopK)
	}
	if req.Params.TopP > 0 {
		cfg.TopP = genai.Ptr(req.Params.TopP)
	}
	if req.Params.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.Params.MaxOutputTokens
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	observability.AIRequestsTotal.WithLabelValues("gemini", "generate").Inc()
	observability.AIRequestDuration.WithLabelValues("gemini", "generate").Observe(time.Since(start).Seconds())
	if err != nil {
		err = classifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return "", fmt.Errorf("gemini %s: %w", req.Model, err)
	}
	text, err := extractText(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unusable response")
		return "", fmt.Errorf("gemini %s: %w", req.Model, err)
	}
	return text, nil
}

// extractText returns the answer or a safety verdict for blocked responses.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("empty response")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked (%s): %w", fb.BlockReason, domain.ErrSafetyFiltered)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("no candidates")
	}
	switch resp.Candidates[0].FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return "", fmt.Errorf("candidate blocked (%s): %w", resp.Candidates[0].FinishReason, domain.ErrSafetyFiltered)
	case genai.FinishReasonMaxTokens:
		slog.Debug("gemini answer hit max output tokens")
	}
	return resp.Text(), nil
}

// classifyError maps Gemini API errors onto the provider taxonomy.
func classifyError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%v: %w", err, domain.ErrProviderOverloaded)
	}
	status := strings.ToUpper(apiErr.Status)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || strings.Contains(status, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrQuotaExceeded)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden ||
		strings.Contains(status, "PERMISSION_DENIED") || strings.Contains(status, "UNAUTHENTICATED"):
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrProviderAuth)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "safety"):
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrSafetyFiltered)
	case apiErr.Code >= 500:
		return fmt.Errorf("%s (status %d): %w", apiErr.Message, apiErr.Code, domain.ErrProviderOverloaded)
	default:
		return fmt.Errorf("gemini status %d: %s", apiErr.Code, apiErr.Message)
	}
}
