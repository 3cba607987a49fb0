// Package ledger decides how much of an answer a session may see on a given
// chat turn and how that decision mutates the session counters.
package ledger

import (
	"fmt"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// Unlimited is reported as the free allowance of premium sessions.
const Unlimited = -1

// DefaultFreeLimit applies when a persona does not configure one.
const DefaultFreeLimit = 3

// Decision is the outcome of one access check. It is computed before the
// provider call and applied with Commit inside the same critical section.
type Decision struct {
	Turn           int
	Level          domain.AccessLevel
	HasFullAccess  bool
	ShowPaywall    bool
	ConsumedCredit bool
	// FreeRemaining is the free allowance left after this turn, or Unlimited.
	FreeRemaining int
}

// Ledger is stateless apart from its turn policy.
type Ledger struct {
	strictTurns bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStrictTurns rejects a requested turn that does not follow the stored one.
func WithStrictTurns(strict bool) Option {
	return func(l *Ledger) { l.strictTurns = strict }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Decide computes the access decision for the next turn of s.
//
// requestedTurn is the caller's view of the turn number. Zero means the caller
// has no opinion. Any other value must equal MessageCount+1; a mismatch is
// clamped to the stored value unless strict turns are enabled, in which case
// it fails with domain.ErrConflict.
func (l *Ledger) Decide(s domain.Session, freeLimit, requestedTurn int) (Decision, error) {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	turn := s.MessageCount + 1
	if requestedTurn != 0 && requestedTurn != turn && l.strictTurns {
		return Decision{}, fmt.Errorf("op=ledger.decide: requested turn %d, expected %d: %w", requestedTurn, turn, domain.ErrConflict)
	}

	withinFree := turn <= freeLimit
	d := Decision{
		Turn:          turn,
		HasFullAccess: s.IsPremium || s.BonusCredits > 0 || withinFree,
	}
	d.ShowPaywall = !d.HasFullAccess
	d.ConsumedCredit = !s.IsPremium && !withinFree && s.BonusCredits > 0
	if d.HasFullAccess {
		d.Level = domain.AccessFull
	} else {
		d.Level = domain.AccessTeaser
	}
	if s.IsPremium {
		d.FreeRemaining = Unlimited
	} else {
		d.FreeRemaining = max(0, freeLimit-turn)
	}
	return d, nil
}

// Commit applies d to s: the turn is recorded and a consumed credit is spent.
func Commit(s *domain.Session, d Decision) {
	s.MessageCount = d.Turn
	if d.ConsumedCredit && s.BonusCredits > 0 {
		s.BonusCredits--
	}
}

// Refund returns the credit spent by d after the answer could not be produced.
// The turn stays recorded.
func Refund(s *domain.Session, d Decision) {
	if d.ConsumedCredit {
		s.BonusCredits++
	}
}
