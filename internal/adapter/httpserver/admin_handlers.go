package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/ai"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	"github.com/fairyhunter13/ai-advisor/internal/service/reward"
)

// MountAdmin mounts the operator endpoints behind basic auth.
func (s *Server) MountAdmin(r chi.Router, auth *AdminAuth) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(auth.BasicAuth)
		ar.Get("/sessions/{id}", s.AdminSessionHandler())
		ar.Get("/sessions/{id}/spins", s.AdminSpinsHandler())
		ar.Get("/providers", s.AdminProvidersHandler())
	})
}

type adminSessionResponse struct {
	Session   domain.Session         `json:"session"`
	Spin      domain.SpinEligibility `json:"spin"`
	SpinState string                 `json:"spinState"`
}

// AdminSessionHandler inspects any session by id.
func (s *Server) AdminSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := s.Advisor.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, adminSessionResponse{
			Session:   sess,
			Spin:      reward.EligibilityAt(sess, s.now(), s.Cfg.RewardLocation()),
			SpinState: s.Advisor.Rewards.State(id).String(),
		})
	}
}

func (s *Server) AdminSpinsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		recs, err := s.Advisor.SpinHistory(r.Context(), chi.URLParam(r, "id"), limit)
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

// AdminProvidersHandler reports the circuit breaker of every model seen so far.
func (s *Server) AdminProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := s.Advisor.Breakers()
		if stats == nil {
			stats = []ai.BreakerStats{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": stats})
	}
}
