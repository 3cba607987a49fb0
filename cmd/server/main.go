// Command server starts the AI advisor HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-advisor/internal/adapter/ai"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/ai-advisor/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/payment"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-advisor/internal/app"
	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	"github.com/fairyhunter13/ai-advisor/internal/service/ledger"
	"github.com/fairyhunter13/ai-advisor/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-advisor/internal/service/reward"
	"github.com/fairyhunter13/ai-advisor/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, completion, ledger and reward instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if err := run(cfg); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	personas, err := config.LoadPersonas(cfg.PersonasFile)
	if err != nil {
		return err
	}
	slog.Info("persona catalog loaded", slog.Any("personas", personas.Keys()), slog.Int("prizes", len(personas.Rewards.Prizes)))

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	gen, err := buildGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	breakers := ai.NewCircuitBreakerManager(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout)
	orchOpts := []ai.OrchestratorOption{ai.WithCircuitBreakers(breakers)}
	if st.rdb != nil && cfg.ModelRateLimitPerMin > 0 {
		limiter := ratelimiter.NewRedisLuaLimiter(st.rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.ModelRateLimitPerMin))
		orchOpts = append(orchOpts, ai.WithModelLimiter(limiter))
		slog.Info("per-model rate limit enabled", slog.Int("per_min", cfg.ModelRateLimitPerMin))
	}
	attemptBackoff, switchBackoff := cfg.GetCompletionBackoff()
	orchestrator := ai.NewOrchestrator(gen, ai.OrchestratorConfig{
		MaxAttemptsPerModel: cfg.CompletionMaxAttempts,
		AttemptBackoff:      attemptBackoff,
		ModelSwitchBackoff:  switchBackoff,
		RequestTimeout:      cfg.CompletionRequestTimeout,
	}, orchOpts...)

	rewardOpts := []reward.Option{reward.WithLocation(cfg.RewardLocation())}
	var broker app.Pinger
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := redpanda.NewSpinPublisher(ctx, cfg.KafkaBrokers, cfg.SpinTopic)
		if err != nil {
			return err
		}
		defer pub.Close()
		rewardOpts = append(rewardOpts, reward.WithPublisher(pub))
		broker = pub
		slog.Info("spin events enabled", slog.String("topic", cfg.SpinTopic))
	}
	engine, err := reward.New(st.sessions, st.history, personas.Rewards.Prizes, rewardOpts...)
	if err != nil {
		return err
	}

	var payments domain.PaymentVerifier
	if cfg.StripeSecretKey != "" {
		payments = payment.NewStripeVerifier(cfg.StripeSecretKey)
	} else {
		slog.Warn("STRIPE_SECRET_KEY not set; payment confirmation disabled")
	}

	tokens := httpserver.NewSessionTokens(cfg.SessionTokenSecret, cfg.SessionTokenTTL)
	advisor := usecase.NewAdvisorService(usecase.AdvisorDeps{
		Sessions:  st.sessions,
		Vault:     st.vault,
		Completer: orchestrator,
		Ledger:    ledger.New(ledger.WithStrictTurns(cfg.LedgerStrictTurns)),
		Rewards:   engine,
		Personas:  personas,
		Payments:  payments,
		Tokens:    tokens,
		Counter:   tokencount.NewCounter(),
	}, usecase.Limits{
		MaxMessageRunes:    cfg.MaxMessageChars,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxPromptTokens:    cfg.MaxPromptTokens,
	})

	var (
		dbPing app.Pinger
		rdb    redis.Cmdable
	)
	if st.pool != nil {
		dbPing = st.pool
	}
	if st.rdb != nil {
		rdb = st.rdb
	}
	srv := httpserver.NewServer(cfg, advisor, tokens, app.BuildReadinessChecks(dbPing, rdb, broker)...)

	var admin *httpserver.AdminAuth
	if cfg.AdminEnabled() {
		admin, err = httpserver.NewAdminAuth(cfg.AdminUsername, cfg.AdminPassword, httpserver.DefaultArgon2Params)
		if err != nil {
			return err
		}
	}
	handler := app.BuildRouter(cfg, srv, admin)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("session_store", cfg.SessionStore))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	return srvHTTP.Shutdown(shutdownCtx)
}
