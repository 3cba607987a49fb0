// Package reward implements the daily spin mechanic. A spin is a per-session
// state machine Idle -> Spinning -> Resolved -> Idle whose prize mutates the
// same counters the usage ledger reads.
package reward

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obsmetrics "github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	"github.com/fairyhunter13/ai-advisor/internal/observability"
)

// State of a session's spin.
type State int

const (
	Idle State = iota
	Spinning
	Resolved
)

func (s State) String() string {
	switch s {
	case Spinning:
		return "spinning"
	case Resolved:
		return "resolved"
	default:
		return "idle"
	}
}

// Eligibility reasons.
const (
	ReasonBonus = "bonus"
	ReasonDaily = "daily"
	ReasonNone  = "none"
)

// Rand is the random source used for prize draws. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Result is a resolved spin.
type Result struct {
	Prize   domain.Prize
	Session domain.Session
	Record  domain.SpinRecord
}

// Engine runs spins against a session store.
type Engine struct {
	store     domain.SessionStore
	history   domain.SpinHistory
	publisher domain.SpinEventPublisher
	prizes    []domain.Prize
	loc       *time.Location
	now       func() time.Time

	rngMu sync.Mutex
	rng   Rand

	stateMu sync.Mutex
	states  map[string]State
}

// Option configures an Engine.
type Option func(*Engine)

func WithRand(r Rand) Option { return func(e *Engine) { e.rng = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the time zone in which "today" is evaluated.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithPublisher streams every resolved spin.
func WithPublisher(p domain.SpinEventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New constructs an Engine. The prize table must be non-empty.
func New(store domain.SessionStore, history domain.SpinHistory, prizes []domain.Prize, opts ...Option) (*Engine, error) {
	if store == nil || history == nil {
		return nil, fmt.Errorf("op=reward.new: store and history are required: %w", domain.ErrInvalidArgument)
	}
	if len(prizes) == 0 {
		return nil, fmt.Errorf("op=reward.new: empty prize table: %w", domain.ErrInvalidArgument)
	}
	e := &Engine{
		store:   store,
		history: history,
		prizes:  append([]domain.Prize(nil), prizes...),
		loc:     time.UTC,
		now:     time.Now,
		rng:     globalRand{},
		states:  make(map[string]State),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Prizes returns a copy of the prize table.
func (e *Engine) Prizes() []domain.Prize { return append([]domain.Prize(nil), e.prizes...) }

// State reports the spin state of a session.
func (e *Engine) State(sessionID string) State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.states[sessionID]
}

// CanSpin reports whether s may spin at now in the engine's time zone.
func (e *Engine) CanSpin(s domain.Session, now time.Time) bool {
	return CanSpin(s, now, e.loc)
}

// CanSpin is true when a bonus spin is held, no spin was ever taken, or the
// last free spin happened on an earlier calendar day in loc.
func CanSpin(s domain.Session, now time.Time, loc *time.Location) bool {
	if s.BonusSpins > 0 || s.LastSpinDate == nil {
		return true
	}
	return !sameDay(*s.LastSpinDate, now, loc)
}

// EligibilityAt derives the spin eligibility of s.
func EligibilityAt(s domain.Session, now time.Time, loc *time.Location) domain.SpinEligibility {
	el := domain.SpinEligibility{BonusSpins: s.BonusSpins, Reason: ReasonNone, NextFreeSpinAt: now}
	dailyAvailable := s.LastSpinDate == nil || !sameDay(*s.LastSpinDate, now, loc)
	switch {
	case s.BonusSpins > 0:
		el.CanSpin, el.Reason = true, ReasonBonus
	case dailyAvailable:
		el.CanSpin, el.Reason = true, ReasonDaily
	}
	if !dailyAvailable {
		el.NextFreeSpinAt = startOfDay(now, loc).AddDate(0, 0, 1)
	}
	return el
}

// Eligibility loads the session and derives its spin eligibility.
func (e *Engine) Eligibility(ctx domain.Context, sessionID string) (domain.SpinEligibility, error) {
	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return domain.SpinEligibility{}, fmt.Errorf("op=reward.eligibility: %w", err)
	}
	return EligibilityAt(s, e.now(), e.loc), nil
}

// History lists the most recent prizes of a session, newest first.
func (e *Engine) History(ctx domain.Context, sessionID string, limit int) ([]domain.SpinRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	recs, err := e.history.List(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=reward.history: %w", err)
	}
	return recs, nil
}

// Spin consumes one spin, draws a prize and applies it, all inside the
// session store's critical section. A concurrent spin on the same session
// fails with domain.ErrSpinInProgress.
func (e *Engine) Spin(ctx domain.Context, sessionID string) (Result, error) {
	ctx, span := otel.Tracer("reward").Start(ctx, "reward.Spin")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))
	lg := observability.LoggerFromContext(ctx)

	if !e.begin(sessionID) {
		obsmetrics.RecordSpinRejection("in_progress")
		return Result{}, fmt.Errorf("op=reward.spin: %w", domain.ErrSpinInProgress)
	}
	defer e.finish(sessionID)

	var prize domain.Prize
	now := e.now()
	updated, err := e.store.Update(ctx, sessionID, func(s *domain.Session) error {
		if !CanSpin(*s, now, e.loc) {
			return domain.ErrSpinUnavailable
		}
		if s.BonusSpins > 0 {
			s.BonusSpins--
		} else {
			today := startOfDay(now, e.loc)
			s.LastSpinDate = &today
		}
		prize = e.draw()
		e.transition(sessionID, Resolved)
		apply(s, prize.Effect)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSpinUnavailable) {
			obsmetrics.RecordSpinRejection("unavailable")
		}
		span.RecordError(err)
		return Result{}, fmt.Errorf("op=reward.spin: %w", err)
	}

	rec := domain.SpinRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		PrizeID:   prize.ID,
		PrizeName: prize.Name,
		Effect:    prize.Effect,
		SpunAt:    now.UTC(),
	}
	if err := e.history.Append(ctx, rec); err != nil {
		lg.Error("spin history append failed", slog.String("spin_id", rec.ID), slog.Any("error", err))
	}
	if e.publisher != nil {
		if err := e.publisher.PublishSpin(ctx, rec); err != nil {
			lg.Warn("spin event publish failed", slog.String("spin_id", rec.ID), slog.Any("error", err))
		}
	}
	obsmetrics.RecordSpin(prize.ID)
	span.SetAttributes(attribute.String("reward.prize", prize.ID))
	lg.Info("spin resolved", slog.String("prize", prize.ID), slog.Int("bonus_credits", updated.BonusCredits), slog.Bool("premium", updated.IsPremium))
	return Result{Prize: prize, Session: updated, Record: rec}, nil
}

func (e *Engine) begin(sessionID string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.states[sessionID] != Idle {
		return false
	}
	e.states[sessionID] = Spinning
	return true
}

func (e *Engine) transition(sessionID string, to State) {
	e.stateMu.Lock()
	e.states[sessionID] = to
	e.stateMu.Unlock()
}

func (e *Engine) finish(sessionID string) {
	e.stateMu.Lock()
	delete(e.states, sessionID)
	e.stateMu.Unlock()
}

func (e *Engine) draw() domain.Prize {
	e.rngMu.Lock()
	x := e.rng.Float64()
	e.rngMu.Unlock()
	return Draw(e.prizes, x)
}

// Draw selects the prize whose cumulative weight interval contains x in [0,1).
func Draw(prizes []domain.Prize, x float64) domain.Prize {
	var cum float64
	for _, p := range prizes {
		cum += p.Weight
		if x < cum {
			return p
		}
	}
	return prizes[len(prizes)-1]
}

func apply(s *domain.Session, eff domain.PrizeEffect) {
	switch eff.Kind {
	case domain.EffectGrantBonusCredits:
		s.BonusCredits += eff.Amount
	case domain.EffectGrantPremium:
		s.IsPremium = true
	case domain.EffectGrantBonusSpins:
		s.BonusSpins += eff.Amount
	}
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
