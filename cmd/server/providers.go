package main

import (
	"context"
	"log/slog"

	ai "github.com/fairyhunter13/ai-advisor/internal/adapter/ai"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai/openrouter"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// buildGenerator routes model ids to providers: "openrouter/..." and
// "stub/..." by prefix, everything else to Gemini.
func buildGenerator(ctx context.Context, cfg config.Config) (domain.TextGenerator, error) {
	local := stub.New()
	if cfg.UseStubProvider {
		slog.Warn("USE_STUB_PROVIDER set; every model is served by the local stub")
		return local, nil
	}

	var fallback domain.TextGenerator
	if cfg.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		fallback = g
	} else {
		slog.Warn("GEMINI_API_KEY not set; unprefixed models will fail")
	}
	router := ai.NewProviderRouter(fallback)
	router.Register("stub/", local)
	if cfg.OpenRouterAPIKey != "" {
		router.Register("openrouter/", openrouter.New(openrouter.Options{
			BaseURL: cfg.OpenRouterBaseURL,
			APIKey:  cfg.OpenRouterAPIKey,
			Referer: cfg.OpenRouterReferer,
			Title:   cfg.OpenRouterTitle,
			Timeout: cfg.CompletionRequestTimeout,
		}))
	}
	return router, nil
}
