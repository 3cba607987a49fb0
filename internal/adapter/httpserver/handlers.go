package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	obsctx "github.com/fairyhunter13/ai-advisor/internal/observability"
	"github.com/fairyhunter13/ai-advisor/internal/service/reward"
	"github.com/fairyhunter13/ai-advisor/internal/usecase"
)

// ReadinessCheck is one named dependency probe of /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handlers dependencies.
type Server struct {
	Cfg     config.Config
	Advisor *usecase.AdvisorService
	Tokens  *SessionTokens
	Checks  []ReadinessCheck
	now     func() time.Time
}

// NewServer constructs the HTTP handlers.
func NewServer(cfg config.Config, advisor *usecase.AdvisorService, tokens *SessionTokens, checks ...ReadinessCheck) *Server {
	return &Server{Cfg: cfg, Advisor: advisor, Tokens: tokens, Checks: checks, now: time.Now}
}

// MountAPI mounts the session routes. Everything except session creation
// requires a bearer token.
func (s *Server) MountAPI(r chi.Router) {
	r.Post("/v1/sessions", s.CreateSessionHandler())
	r.Group(func(ar chi.Router) {
		ar.Use(s.Tokens.SessionAuth)
		ar.Get("/v1/session", s.GetSessionHandler())
		ar.Post("/v1/chat", s.ChatHandler())
		ar.Post("/v1/conversations/reset", s.NewConversationHandler())
		ar.Get("/v1/spin", s.SpinEligibilityHandler())
		ar.Post("/v1/spin", s.SpinHandler())
		ar.Get("/v1/spin/history", s.SpinHistoryHandler())
		ar.Post("/v1/payments/confirm", s.ConfirmPaymentHandler())
		ar.Post("/v1/responses/unlock", s.UnlockHandler())
	})
}

func sessionID(r *http.Request) string { return obsctx.SessionIDFromContext(r.Context()) }

type sessionResponse struct {
	SessionID string                  `json:"sessionId,omitempty"`
	Token     string                  `json:"token,omitempty"`
	Session   domain.Session          `json:"session"`
	Spin      *domain.SpinEligibility `json:"spin,omitempty"`
}

// CreateSessionHandler starts a session and returns its bearer token.
func (s *Server) CreateSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, token, err := s.Advisor.StartSession(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID, Token: token, Session: sess})
	}
}

// GetSessionHandler returns the caller's session with its spin eligibility.
func (s *Server) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess, err := s.Advisor.GetSession(ctx, sessionID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		el := reward.EligibilityAt(sess, s.now(), s.Cfg.RewardLocation())
		writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Spin: &el})
	}
}

// chatResponse is the chat envelope. FreeMessagesRemaining is omitted for
// premium sessions, which report Unlimited instead.
type chatResponse struct {
	Success               bool            `json:"success"`
	Response              string          `json:"response,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
	FreeMessagesRemaining *int            `json:"freeMessagesRemaining,omitempty"`
	Unlimited             bool            `json:"unlimited,omitempty"`
	ShowPaywall           *bool           `json:"showPaywall,omitempty"`
	PaywallMessage        string          `json:"paywallMessage,omitempty"`
	IsCompleteResponse    *bool           `json:"isCompleteResponse,omitempty"`
	AccessLevel           string          `json:"accessLevel,omitempty"`
	Error                 string          `json:"error,omitempty"`
	Code                  string          `json:"code,omitempty"`
	Session               *domain.Session `json:"session,omitempty"`
	UsedModel             string          `json:"usedModel,omitempty"`
}

func newChatResponse(out usecase.ChatOutput, now time.Time) chatResponse {
	resp := chatResponse{
		Success:            true,
		Response:           out.Response.Text,
		Timestamp:          now.UTC(),
		ShowPaywall:        &out.Decision.ShowPaywall,
		PaywallMessage:     out.PaywallMessage,
		IsCompleteResponse: &out.Response.IsComplete,
		AccessLevel:        string(out.Response.AccessLevel),
		Session:            &out.Session,
		UsedModel:          out.UsedModel,
	}
	if out.Session.IsPremium {
		resp.Unlimited = true
	} else {
		remaining := max(0, out.Decision.FreeRemaining)
		resp.FreeMessagesRemaining = &remaining
	}
	return resp
}

// ChatHandler serves one chat turn.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeChatError(w, r, err, usecase.ChatOutput{})
			return
		}
		ctx := r.Context()
		history := make([]domain.ChatMessage, 0, len(req.ConversationHistory))
		for _, h := range req.ConversationHistory {
			history = append(history, domain.ChatMessage{Role: h.Role, Content: h.Content})
		}
		out, err := s.Advisor.Chat(ctx, usecase.ChatInput{
			SessionID:    sessionID(r),
			PersonaKey:   req.PersonaContext,
			UserMessage:  req.UserMessage,
			History:      history,
			MessageCount: req.MessageCount,
		})
		if err != nil {
			s.writeChatError(w, r, err, out)
			return
		}
		if req.IsPremiumUser != nil && *req.IsPremiumUser != out.Session.IsPremium {
			obsctx.LoggerFromContext(ctx).Debug("client premium hint ignored", slog.Bool("hint", *req.IsPremiumUser))
		}
		writeJSON(w, http.StatusOK, newChatResponse(out, s.now()))
	}
}

// writeChatError renders failures in the chat envelope. Provider failures are
// reported with the persona's own message; the cause only reaches the logs.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error, out usecase.ChatOutput) {
	status, code := classify(err)
	logError(r, err, status)
	msg := publicMessage(err, status)
	if isProviderFailure(err) && out.Persona.ErrorMessage != "" {
		msg = out.Persona.ErrorMessage
	}
	resp := chatResponse{Success: false, Timestamp: s.now().UTC(), Error: msg, Code: code}
	if out.Session.ID != "" {
		resp.Session = &out.Session
	}
	writeJSON(w, status, resp)
}

// NewConversationHandler restarts the free allowance of the session.
func (s *Server) NewConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Advisor.NewConversation(r.Context(), sessionID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
	}
}

// SpinEligibilityHandler reports whether the session may spin now.
func (s *Server) SpinEligibilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		el, err := s.Advisor.SpinEligibility(r.Context(), sessionID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, el)
	}
}

type spinResponse struct {
	Prize   domain.Prize      `json:"prize"`
	Record  domain.SpinRecord `json:"record"`
	Session domain.Session    `json:"session"`
}

// SpinHandler runs one spin of the reward wheel.
func (s *Server) SpinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Advisor.Spin(r.Context(), sessionID(r))
		if err != nil {
			var details any
			if errors.Is(err, domain.ErrSpinUnavailable) {
				if el, elErr := s.Advisor.SpinEligibility(r.Context(), sessionID(r)); elErr == nil {
					details = el
				}
			}
			writeError(w, r, err, details)
			return
		}
		writeJSON(w, http.StatusOK, spinResponse{Prize: res.Prize, Record: res.Record, Session: res.Session})
	}
}

// SpinHistoryHandler lists the session's prizes, newest first.
func (s *Server) SpinHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		recs, err := s.Advisor.SpinHistory(r.Context(), sessionID(r), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if recs == nil {
			recs = []domain.SpinRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"spins": recs})
	}
}

type unlockResponse struct {
	Success  bool           `json:"success"`
	Session  domain.Session `json:"session"`
	Response string         `json:"response,omitempty"`
}

// ConfirmPaymentHandler exchanges a processor verification token for premium access.
func (s *Server) ConfirmPaymentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmPaymentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		out, err := s.Advisor.ConfirmPayment(r.Context(), sessionID(r), req.VerificationToken)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, unlockResponse{Success: true, Session: out.Session, Response: out.Response})
	}
}

// UnlockHandler returns the answer withheld behind the paywall.
func (s *Server) UnlockHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.Advisor.UnlockBlocked(r.Context(), sessionID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, unlockResponse{Success: true, Session: out.Session, Response: out.Response})
	}
}

// ReadyzHandler probes every configured dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if err := c.Check(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, OK: false, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
