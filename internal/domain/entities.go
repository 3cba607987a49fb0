// Package domain holds the advisor entities, error taxonomy, and ports.
package domain

import (
	"context"
	"time"
)

// Context aliases context.Context so ports read the same across adapters.
type Context = context.Context

// AccessLevel decides how much of a provider answer the caller may see.
type AccessLevel string

const (
	AccessFull   AccessLevel = "full"
	AccessTeaser AccessLevel = "teaser"
)

// Session is the caller-scoped usage and reward state.
// Invariants: MessageCount never decreases (except on an explicit new conversation),
// IsPremium never reverts to false, BonusCredits and BonusSpins never go below zero.
type Session struct {
	ID                string     `json:"id"`
	MessageCount      int        `json:"messageCount"`
	IsPremium         bool       `json:"isPremium"`
	BonusCredits      int        `json:"bonusCredits"`
	LastSpinDate      *time.Time `json:"lastSpinDate"`
	BonusSpins        int        `json:"bonusSpins"`
	BlockedResponseID *string    `json:"blockedResponseId"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// NewSession returns a fresh session with zeroed counters.
func NewSession(id string, now time.Time) Session {
	return Session{ID: id, CreatedAt: now, UpdatedAt: now}
}

// ChatMessage is one prior turn of the conversation as sent by the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters forwarded to the provider.
type GenerationParams struct {
	Temperature     float32 `yaml:"temperature" json:"temperature"`
	TopK            float32 `yaml:"top_k" json:"topK"`
	TopP            float32 `yaml:"top_p" json:"topP"`
	MaxOutputTokens int32   `yaml:"max_output_tokens" json:"maxOutputTokens"`
}

// GenerationRequest is a single provider call for a single model.
type GenerationRequest struct {
	Model             string
	SystemInstruction string
	Prompt            string
	Params            GenerationParams
}

// CompletionRequest is the input of one fallback chain run.
type CompletionRequest struct {
	Prompt              string
	SystemInstruction   string
	TargetLength        AccessLevel
	ModelOrder          []string
	MinLength           int
	MaxAttemptsPerModel int
	Params              GenerationParams
}

// AttemptError is one recorded failure of the fallback chain.
type AttemptError struct {
	ModelID string `json:"modelId"`
	Attempt int    `json:"attempt"`
	Message string `json:"message"`
}

// CompletionResult is the outcome of a fallback chain run.
type CompletionResult struct {
	Text      string
	UsedModel string
	Succeeded bool
	Errors    []AttemptError
}

// ShapedResponse is a provider answer ready to be shown to the caller.
type ShapedResponse struct {
	Text        string      `json:"text"`
	AccessLevel AccessLevel `json:"accessLevel"`
	IsComplete  bool        `json:"isComplete"`
}

// PrizeEffectKind enumerates what a prize does to the session.
type PrizeEffectKind string

const (
	EffectGrantBonusCredits PrizeEffectKind = "grant_bonus_credits"
	EffectGrantPremium      PrizeEffectKind = "grant_premium"
	EffectGrantBonusSpins   PrizeEffectKind = "grant_bonus_spins"
	EffectNoOp              PrizeEffectKind = "noop"
)

// PrizeEffect is the mutation a resolved prize applies.
type PrizeEffect struct {
	Kind   PrizeEffectKind `yaml:"kind" json:"kind"`
	Amount int             `yaml:"amount" json:"amount,omitempty"`
}

// Prize is one weighted entry of the spin table.
type Prize struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name" json:"name"`
	Weight float64     `yaml:"weight" json:"weight"`
	Effect PrizeEffect `yaml:"effect" json:"effect"`
}

// SpinEligibility is derived from the session and the current date, never stored.
type SpinEligibility struct {
	CanSpin        bool      `json:"canSpin"`
	Reason         string    `json:"reason"`
	BonusSpins     int       `json:"bonusSpins"`
	NextFreeSpinAt time.Time `json:"nextFreeSpinAt"`
}

// SpinRecord is an append-only prize history entry.
type SpinRecord struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	PrizeID   string      `json:"prizeId"`
	PrizeName string      `json:"prizeName"`
	Effect    PrizeEffect `json:"effect"`
	SpunAt    time.Time   `json:"spunAt"`
}

// Ports

// TextGenerator performs one provider call. Implementations classify failures
// with the provider sentinels (ErrProviderOverloaded, ErrQuotaExceeded, ...).
type TextGenerator interface {
	Generate(ctx Context, req GenerationRequest) (string, error)
}

// SessionStore persists sessions. Update runs fn inside a per-session critical
// section and persists the mutated session only when fn returns nil.
type SessionStore interface {
	Create(ctx Context, s Session) error
	Get(ctx Context, id string) (Session, error)
	Update(ctx Context, id string, fn func(*Session) error) (Session, error)
}

// SpinHistory is the append-only prize log.
type SpinHistory interface {
	Append(ctx Context, rec SpinRecord) error
	List(ctx Context, sessionID string, limit int) ([]SpinRecord, error)
}

// SpinEventPublisher streams resolved spins to downstream consumers.
type SpinEventPublisher interface {
	PublishSpin(ctx Context, rec SpinRecord) error
}

// ResponseVault holds full answers that were withheld behind a paywall.
type ResponseVault interface {
	Put(ctx Context, id, text string) error
	Take(ctx Context, id string) (string, error)
}

// PaymentVerification is the processor's verdict for a verification token.
type PaymentVerification struct {
	Token     string
	SessionID string
	Paid      bool
}

// PaymentVerifier exchanges a processor verification token.
type PaymentVerifier interface {
	Verify(ctx Context, token string) (PaymentVerification, error)
}
