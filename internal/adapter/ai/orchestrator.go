// Package ai contains the completion fallback chain, response shaping, and the
// provider routing shared by every advisor persona.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

var (
	errShortOutput = errors.New("output below minimum length")
	errBudgetSpent = errors.New("local rate limit")
)

// ModelLimiter is a per-model request budget, charged once per provider call.
// ratelimiter.RedisLuaLimiter satisfies it.
type ModelLimiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// OrchestratorConfig bounds the fallback chain.
type OrchestratorConfig struct {
	MaxAttemptsPerModel int
	AttemptBackoff      time.Duration
	ModelSwitchBackoff  time.Duration
	RequestTimeout      time.Duration
}

// Orchestrator drives a TextGenerator through an ordered model list with
// bounded retries. Attempts never run concurrently for one request.
type Orchestrator struct {
	gen      domain.TextGenerator
	cfg      OrchestratorConfig
	breakers *CircuitBreakerManager
	limiter  ModelLimiter
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithCircuitBreakers skips models whose circuit is open.
func WithCircuitBreakers(m *CircuitBreakerManager) OrchestratorOption {
	return func(o *Orchestrator) { o.breakers = m }
}

// WithModelLimiter skips models whose request budget is spent.
func WithModelLimiter(l ModelLimiter) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = l }
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(gen domain.TextGenerator, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.MaxAttemptsPerModel <= 0 {
		cfg.MaxAttemptsPerModel = 3
	}
	o := &Orchestrator{gen: gen, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Breakers exposes the circuit breaker manager, nil when disabled.
func (o *Orchestrator) Breakers() *CircuitBreakerManager { return o.breakers }

// Complete runs the fallback chain. On success the result carries the accepted
// text and only the failures of models that were exhausted before it. Exhaustion
// returns *domain.AllProvidersUnavailableError; quota, safety and auth failures
// stop the chain at once; an expired request deadline returns domain.ErrUpstreamTimeout.
func (o *Orchestrator) Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error) {
	ctx, span := otel.Tracer("ai.orchestrator").Start(ctx, "orchestrator.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.Int("models", len(req.ModelOrder)),
		attribute.String("target_length", string(req.TargetLength)),
	)

	var result domain.CompletionResult
	if len(req.ModelOrder) == 0 {
		return result, fmt.Errorf("op=orchestrator.complete: %w", &domain.ValidationError{Field: "modelOrder", Reason: "must not be empty"})
	}
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	maxAttempts := req.MaxAttemptsPerModel
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.MaxAttemptsPerModel
	}

	start := time.Now()
	exhaustedPrevious := false
	for _, model := range req.ModelOrder {
		if exhaustedPrevious {
			if err := sleepCtx(ctx, o.cfg.ModelSwitchBackoff); err != nil {
				return o.finish(ctx, span, result, start, err)
			}
		}
		if reason, skip := o.skipModel(ctx, model); skip {
			slog.Warn("completion model skipped", slog.String("model", model), slog.String("reason", reason))
			observability.CompletionAttemptsTotal.WithLabelValues(model, "skipped").Inc()
			result.Errors = append(result.Errors, domain.AttemptError{ModelID: model, Message: reason})
			exhaustedPrevious = false
			continue
		}

		text, failures, err := o.tryModel(ctx, model, req, maxAttempts)
		if err == nil {
			result.Text = text
			result.UsedModel = model
			result.Succeeded = true
			return o.finish(ctx, span, result, start, nil)
		}
		result.Errors = append(result.Errors, failures...)
		if domain.IsTerminalProviderError(err) || ctx.Err() != nil {
			return o.finish(ctx, span, result, start, err)
		}
		exhaustedPrevious = true
	}
	return o.finish(ctx, span, result, start, &domain.AllProvidersUnavailableError{Errors: result.Errors})
}

// tryModel runs up to maxAttempts attempts against one model with a constant
// backoff between them. Failures are only reported when the model gives up.
func (o *Orchestrator) tryModel(ctx context.Context, model string, req domain.CompletionRequest, maxAttempts int) (string, []domain.AttemptError, error) {
	var (
		text     string
		attempt  int
		failures []domain.AttemptError
		breaker  *CircuitBreaker
	)
	if o.breakers != nil {
		breaker = o.breakers.GetBreaker(model)
	}

	op := func() error {
		attempt++
		// the first call was charged by skipModel
		if attempt > 1 {
			if reason, ok := o.chargeBudget(ctx, model); !ok {
				failures = append(failures, domain.AttemptError{ModelID: model, Attempt: attempt, Message: reason})
				observability.CompletionAttemptsTotal.WithLabelValues(model, "skipped").Inc()
				slog.Warn("completion model budget spent", slog.String("model", model), slog.Int("attempt", attempt))
				return backoff.Permanent(fmt.Errorf("%w: %s", errBudgetSpent, model))
			}
		}
		started := time.Now()
		out, err := o.gen.Generate(ctx, domain.GenerationRequest{
			Model:             model,
			SystemInstruction: req.SystemInstruction,
			Prompt:            req.Prompt,
			Params:            req.Params,
		})
		observability.CompletionAttemptDuration.WithLabelValues(model).Observe(time.Since(started).Seconds())
		if err == nil {
			trimmed := strings.TrimSpace(out)
			if n := utf8.RuneCountInString(trimmed); n < req.MinLength {
				err = fmt.Errorf("%w: %d < %d", errShortOutput, n, req.MinLength)
			} else {
				text = trimmed
				observability.CompletionAttemptsTotal.WithLabelValues(model, "success").Inc()
				if breaker != nil {
					breaker.RecordSuccess()
				}
				slog.Debug("completion attempt accepted", slog.String("model", model), slog.Int("attempt", attempt), slog.Int("length", n))
				return nil
			}
		}

		failures = append(failures, domain.AttemptError{ModelID: model, Attempt: attempt, Message: err.Error()})
		observability.CompletionAttemptsTotal.WithLabelValues(model, attemptOutcome(err)).Inc()
		if breaker != nil && countsAgainstCircuit(err) {
			breaker.RecordFailure()
		}
		slog.Warn("completion attempt failed",
			slog.String("model", model),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Any("error", err))
		if domain.IsTerminalProviderError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.AttemptBackoff), uint64(maxAttempts-1)), //nolint:gosec // maxAttempts > 0
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return "", failures, err
	}
	return text, nil, nil
}

func (o *Orchestrator) skipModel(ctx context.Context, model string) (string, bool) {
	if o.breakers != nil && !o.breakers.GetBreaker(model).ShouldAttempt() {
		return "circuit open", true
	}
	if reason, ok := o.chargeBudget(ctx, model); !ok {
		return reason, true
	}
	return "", false
}

// chargeBudget takes one request from the model's budget. Limiter errors fail open.
func (o *Orchestrator) chargeBudget(ctx context.Context, model string) (string, bool) {
	if o.limiter == nil {
		return "", true
	}
	allowed, retryAfter, err := o.limiter.Allow(ctx, "model:"+model, 1)
	if err == nil && !allowed {
		return fmt.Sprintf("%s, retry after %s", errBudgetSpent, retryAfter.Round(time.Millisecond)), false
	}
	return "", true
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, result domain.CompletionResult, start time.Time, err error) (domain.CompletionResult, error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		err = fmt.Errorf("op=orchestrator.complete: completion exceeded %s: %w", o.cfg.RequestTimeout, domain.ErrUpstreamTimeout)
	case errors.Is(err, domain.ErrAllProvidersUnavailable):
		outcome = "exhausted"
	default:
		outcome = attemptOutcome(err)
		err = fmt.Errorf("op=orchestrator.complete: %w", err)
	}
	observability.CompletionChainsTotal.WithLabelValues(outcome).Inc()
	observability.CompletionChainDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		slog.Error("completion chain failed",
			slog.String("outcome", outcome),
			slog.Int("failed_attempts", len(result.Errors)),
			slog.Any("error", err))
	}
	return result, err
}

func attemptOutcome(err error) string {
	switch {
	case errors.Is(err, errShortOutput):
		return "short"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, domain.ErrSafetyFiltered):
		return "safety"
	case errors.Is(err, domain.ErrProviderAuth):
		return "auth"
	case errors.Is(err, domain.ErrProviderOverloaded):
		return "overloaded"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// countsAgainstCircuit excludes verdicts about the request itself.
func countsAgainstCircuit(err error) bool {
	return !errors.Is(err, errShortOutput) && !errors.Is(err, domain.ErrSafetyFiltered) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
