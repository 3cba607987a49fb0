// Package usecase contains the advisor application services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai"
	obsmetrics "github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	"github.com/fairyhunter13/ai-advisor/internal/observability"
	"github.com/fairyhunter13/ai-advisor/internal/service/ledger"
	"github.com/fairyhunter13/ai-advisor/internal/service/reward"
)

// Completer runs a fallback chain; *ai.Orchestrator implements it.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error)
}

// TokenCounter estimates prompt size; *tokencount.Counter implements it.
type TokenCounter interface {
	Count(text, model string) int
}

// TokenIssuer signs the opaque bearer token handed to a new session.
type TokenIssuer interface {
	Issue(sessionID string) (string, error)
}

// Limits bound the user input and the prompt sent to providers.
type Limits struct {
	MaxMessageRunes    int
	MaxHistoryMessages int
	MaxPromptTokens    int
}

// AdvisorDeps are the collaborators of AdvisorService. Payments and Counter
// are optional.
type AdvisorDeps struct {
	Sessions  domain.SessionStore
	Vault     domain.ResponseVault
	Completer Completer
	Ledger    *ledger.Ledger
	Rewards   *reward.Engine
	Personas  *config.PersonaCatalog
	Payments  domain.PaymentVerifier
	Tokens    TokenIssuer
	Counter   TokenCounter
}

// AdvisorService composes the usage ledger, the completion orchestrator, the
// response shaper and the reward engine per request.
type AdvisorService struct {
	AdvisorDeps
	limits  Limits
	shapers map[string]*ai.Shaper
	now     func() time.Time

	payGroup singleflight.Group
	verified *gocache.Cache
}

// NewAdvisorService wires the service. Each persona gets its own shaper.
func NewAdvisorService(d AdvisorDeps, l Limits) *AdvisorService {
	if l.MaxMessageRunes <= 0 {
		l.MaxMessageRunes = 1500
	}
	if l.MaxHistoryMessages <= 0 {
		l.MaxHistoryMessages = 10
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New()
	}
	shapers := make(map[string]*ai.Shaper, len(d.Personas.Personas))
	for key, p := range d.Personas.Personas {
		shapers[key] = ai.NewPersonaShaper(p)
	}
	return &AdvisorService{
		AdvisorDeps: d,
		limits:      l,
		shapers:     shapers,
		now:         time.Now,
		verified:    gocache.New(time.Hour, 10*time.Minute),
	}
}

// StartSession creates a session and its bearer token.
func (s *AdvisorService) StartSession(ctx context.Context) (domain.Session, string, error) {
	id := ulid.Make().String()
	sess := domain.NewSession(id, s.now().UTC())
	if err := s.Sessions.Create(ctx, sess); err != nil {
		return domain.Session{}, "", fmt.Errorf("op=advisor.start_session: %w", err)
	}
	token, err := s.Tokens.Issue(id)
	if err != nil {
		return domain.Session{}, "", fmt.Errorf("op=advisor.start_session: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("session started", slog.String("session_id", id))
	return sess, token, nil
}

func (s *AdvisorService) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=advisor.get_session: %w", err)
	}
	return sess, nil
}

// ChatInput is one chat turn. MessageCount is the caller's count of prior
// turns; nil means the caller does not track it.
type ChatInput struct {
	SessionID    string
	PersonaKey   string
	UserMessage  string
	History      []domain.ChatMessage
	MessageCount *int
}

// ChatOutput carries the shaped answer and the counters after the turn.
type ChatOutput struct {
	Response       domain.ShapedResponse
	Decision       ledger.Decision
	Session        domain.Session
	Persona        config.Persona
	UsedModel      string
	PaywallMessage string
}

// Chat runs one turn: access decision, completion, shaping.
func (s *AdvisorService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	ctx, span := otel.Tracer("usecase.advisor").Start(ctx, "advisor.Chat")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	persona, ok := s.Personas.Get(in.PersonaKey)
	if !ok {
		return ChatOutput{}, &domain.ValidationError{Field: "personaContext", Reason: "unknown persona"}
	}
	msg := strings.TrimSpace(in.UserMessage)
	if msg == "" {
		return ChatOutput{}, &domain.ValidationError{Field: "userMessage", Reason: "required"}
	}
	if utf8.RuneCountInString(msg) > s.limits.MaxMessageRunes {
		return ChatOutput{}, &domain.ValidationError{Field: "userMessage", Reason: fmt.Sprintf("must be at most %d characters", s.limits.MaxMessageRunes)}
	}
	span.SetAttributes(attribute.String("advisor.persona", persona.Key))
	out := ChatOutput{Persona: persona}

	requested := 0
	if in.MessageCount != nil {
		requested = *in.MessageCount + 1
	}
	var decision ledger.Decision
	sess, err := s.Sessions.Update(ctx, in.SessionID, func(sess *domain.Session) error {
		d, err := s.Ledger.Decide(*sess, persona.FreeLimit, requested)
		if err != nil {
			return err
		}
		ledger.Commit(sess, d)
		decision = d
		return nil
	})
	if err != nil {
		return ChatOutput{}, fmt.Errorf("op=advisor.chat: %w", err)
	}
	out.Decision, out.Session = decision, sess
	if requested != 0 && requested != decision.Turn {
		lg.Warn("turn hint disagrees with session",
			slog.Int("hinted_turn", requested),
			slog.Int("authoritative_turn", decision.Turn))
	}
	if decision.ShowPaywall {
		out.PaywallMessage = persona.PaywallMessage
	}
	obsmetrics.RecordAccessDecision(persona.Key, string(decision.Level), decision.ConsumedCredit)
	span.SetAttributes(attribute.Int("advisor.turn", decision.Turn), attribute.String("advisor.level", string(decision.Level)))

	prompt := s.buildPrompt(persona, in.History, msg)
	res, err := s.Completer.Complete(ctx, domain.CompletionRequest{
		Prompt:              prompt,
		SystemInstruction:   persona.SystemPrompt,
		TargetLength:        decision.Level,
		ModelOrder:          persona.Models,
		MinLength:           persona.MinLength.For(decision.Level),
		MaxAttemptsPerModel: persona.MaxAttempts,
		Params:              persona.Generation,
	})
	if err != nil {
		lg.Error("completion failed", slog.String("persona", persona.Key), slog.Int("turn", decision.Turn), slog.Int("attempt_errors", len(res.Errors)), slog.Any("error", err))
		if decision.ConsumedCredit {
			out.Session = s.refund(ctx, in.SessionID, decision, sess)
		}
		return out, fmt.Errorf("op=advisor.chat: %w", err)
	}
	out.UsedModel = res.UsedModel
	if s.Counter != nil {
		obsmetrics.RecordTokenUsage(res.UsedModel, s.Counter.Count(persona.SystemPrompt+prompt, res.UsedModel), s.Counter.Count(res.Text, res.UsedModel))
	}

	shaper := s.shapers[persona.Key]
	out.Response = shaper.Shape(res.Text, decision.Level)
	if decision.Level == domain.AccessTeaser {
		out.Session = s.withhold(ctx, in.SessionID, shaper.EnsureComplete(res.Text), out.Session)
	}
	lg.Info("chat turn served",
		slog.String("persona", persona.Key),
		slog.Int("turn", decision.Turn),
		slog.String("level", string(decision.Level)),
		slog.Bool("credit_consumed", decision.ConsumedCredit),
		slog.String("model", res.UsedModel))
	return out, nil
}

// refund hands back a credit spent on a turn that produced no answer.
func (s *AdvisorService) refund(ctx context.Context, sessionID string, d ledger.Decision, fallback domain.Session) domain.Session {
	ctx = context.WithoutCancel(ctx)
	sess, err := s.Sessions.Update(ctx, sessionID, func(sess *domain.Session) error {
		ledger.Refund(sess, d)
		return nil
	})
	if err != nil {
		observability.LoggerFromContext(ctx).Error("credit refund failed", slog.Any("error", err))
		return fallback
	}
	obsmetrics.RecordCreditRefund()
	return sess
}

// withhold stores the complete answer behind the paywall and remembers its id.
// The answer it replaces is dropped from the vault.
func (s *AdvisorService) withhold(ctx context.Context, sessionID, full string, fallback domain.Session) domain.Session {
	lg := observability.LoggerFromContext(ctx)
	id := uuid.NewString()
	if err := s.Vault.Put(ctx, id, full); err != nil {
		lg.Error("storing withheld answer failed", slog.Any("error", err))
		return fallback
	}
	var previous string
	sess, err := s.Sessions.Update(ctx, sessionID, func(sess *domain.Session) error {
		previous = ""
		if sess.BlockedResponseID != nil {
			previous = *sess.BlockedResponseID
		}
		sess.BlockedResponseID = &id
		return nil
	})
	if err != nil {
		lg.Error("recording withheld answer failed", slog.Any("error", err))
		return fallback
	}
	if previous != "" && previous != id {
		if _, err := s.Vault.Take(context.WithoutCancel(ctx), previous); err != nil && !errors.Is(err, domain.ErrNotFound) {
			lg.Warn("dropping replaced answer failed", slog.String("response_id", previous), slog.Any("error", err))
		}
	}
	return sess
}

func (s *AdvisorService) Spin(ctx context.Context, sessionID string) (reward.Result, error) {
	return s.Rewards.Spin(ctx, sessionID)
}

func (s *AdvisorService) SpinEligibility(ctx context.Context, sessionID string) (domain.SpinEligibility, error) {
	return s.Rewards.Eligibility(ctx, sessionID)
}

func (s *AdvisorService) SpinHistory(ctx context.Context, sessionID string, limit int) ([]domain.SpinRecord, error) {
	return s.Rewards.History(ctx, sessionID, limit)
}

// UnlockOutput is a session after a paywall unlock.
type UnlockOutput struct {
	Session  domain.Session
	Response string
}

// ConfirmPayment exchanges a processor verification token, grants premium,
// and releases the withheld answer if there is one. Concurrent confirmations
// of one token share a single processor call.
func (s *AdvisorService) ConfirmPayment(ctx context.Context, sessionID, token string) (UnlockOutput, error) {
	if s.Payments == nil {
		return UnlockOutput{}, &domain.ValidationError{Field: "verificationToken", Reason: "payments are not configured"}
	}
	if strings.TrimSpace(token) == "" {
		return UnlockOutput{}, &domain.ValidationError{Field: "verificationToken", Reason: "required"}
	}
	v, err := s.verifyPayment(ctx, token)
	if err != nil {
		obsmetrics.RecordPaymentConfirmation("error")
		return UnlockOutput{}, fmt.Errorf("op=advisor.confirm_payment: %w", err)
	}
	if !v.Paid {
		obsmetrics.RecordPaymentConfirmation("unpaid")
		return UnlockOutput{}, fmt.Errorf("op=advisor.confirm_payment: %w", domain.ErrPaymentNotCompleted)
	}
	if v.SessionID != sessionID {
		obsmetrics.RecordPaymentConfirmation("mismatch")
		return UnlockOutput{}, fmt.Errorf("op=advisor.confirm_payment: payment belongs to another session: %w", domain.ErrConflict)
	}

	var blocked string
	sess, err := s.Sessions.Update(ctx, sessionID, func(sess *domain.Session) error {
		sess.IsPremium = true
		if sess.BlockedResponseID != nil {
			blocked = *sess.BlockedResponseID
			sess.BlockedResponseID = nil
		}
		return nil
	})
	if err != nil {
		return UnlockOutput{}, fmt.Errorf("op=advisor.confirm_payment: %w", err)
	}
	obsmetrics.RecordPaymentConfirmation("paid")
	out := UnlockOutput{Session: sess}
	if blocked != "" {
		out.Response = s.takeWithheld(ctx, blocked)
	}
	observability.LoggerFromContext(ctx).Info("payment confirmed", slog.Bool("unlocked_response", out.Response != ""))
	return out, nil
}

func (s *AdvisorService) verifyPayment(ctx context.Context, token string) (domain.PaymentVerification, error) {
	if v, ok := s.verified.Get(token); ok {
		return v.(domain.PaymentVerification), nil
	}
	res, err, _ := s.payGroup.Do(token, func() (any, error) {
		v, err := s.Payments.Verify(ctx, token)
		if err != nil {
			return domain.PaymentVerification{}, err
		}
		if v.Paid {
			s.verified.SetDefault(token, v)
		}
		return v, nil
	})
	if err != nil {
		return domain.PaymentVerification{}, err
	}
	return res.(domain.PaymentVerification), nil
}

// UnlockBlocked releases the withheld answer of a premium session.
func (s *AdvisorService) UnlockBlocked(ctx context.Context, sessionID string) (UnlockOutput, error) {
	sess, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return UnlockOutput{}, fmt.Errorf("op=advisor.unlock: %w", err)
	}
	if !sess.IsPremium {
		return UnlockOutput{}, fmt.Errorf("op=advisor.unlock: %w", domain.ErrPaymentNotCompleted)
	}
	if sess.BlockedResponseID == nil {
		return UnlockOutput{}, fmt.Errorf("op=advisor.unlock: no withheld answer: %w", domain.ErrNotFound)
	}
	blocked := *sess.BlockedResponseID
	text, err := s.Vault.Take(ctx, blocked)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return UnlockOutput{}, fmt.Errorf("op=advisor.unlock: %w", err)
	}
	sess, err = s.Sessions.Update(ctx, sessionID, func(sess *domain.Session) error {
		if sess.BlockedResponseID != nil && *sess.BlockedResponseID == blocked {
			sess.BlockedResponseID = nil
		}
		return nil
	})
	if err != nil {
		return UnlockOutput{}, fmt.Errorf("op=advisor.unlock: %w", err)
	}
	if text == "" {
		return UnlockOutput{Session: sess}, fmt.Errorf("op=advisor.unlock: withheld answer expired: %w", domain.ErrNotFound)
	}
	return UnlockOutput{Session: sess, Response: text}, nil
}

func (s *AdvisorService) takeWithheld(ctx context.Context, id string) string {
	text, err := s.Vault.Take(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			observability.LoggerFromContext(ctx).Error("withheld answer lookup failed", slog.Any("error", err))
		}
		return ""
	}
	return text
}

// NewConversation restarts the free allowance. Premium, credits and spins are kept.
func (s *AdvisorService) NewConversation(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.Sessions.Update(ctx, sessionID, func(sess *domain.Session) error {
		sess.MessageCount = 0
		sess.BlockedResponseID = nil
		return nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=advisor.new_conversation: %w", err)
	}
	return sess, nil
}

// Breakers exposes circuit stats when the completer keeps them.
func (s *AdvisorService) Breakers() []ai.BreakerStats {
	if o, ok := s.Completer.(*ai.Orchestrator); ok && o.Breakers() != nil {
		return o.Breakers().AllStats()
	}
	return nil
}
