package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-advisor/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
	"github.com/fairyhunter13/ai-advisor/internal/service/ledger"
	"github.com/fairyhunter13/ai-advisor/internal/service/reward"
	"github.com/fairyhunter13/ai-advisor/internal/usecase"
)

const answer = "Water in dreams often mirrors emotion. A calm river suggests acceptance. " +
	"The bridge you crossed marks a transition. Someone waiting on the far bank is a guide. " +
	"Soon you will recognise them in waking life."

type scriptedCompleter struct {
	mu  sync.Mutex
	err error
}

func (c *scriptedCompleter) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *scriptedCompleter) Complete(_ context.Context, req domain.CompletionRequest) (domain.CompletionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.CompletionResult{}, c.err
	}
	return domain.CompletionResult{Text: answer, UsedModel: req.ModelOrder[0], Succeeded: true}, nil
}

type paidVerifier struct{ sessionID string }

func (v *paidVerifier) Verify(_ context.Context, token string) (domain.PaymentVerification, error) {
	return domain.PaymentVerification{Token: token, SessionID: v.sessionID, Paid: token == "cs_paid"}, nil
}

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

type testAPI struct {
	handler   http.Handler
	completer *scriptedCompleter
	payments  *paidVerifier
	sessions  *memory.SessionStore
}

var lightArgon = httpserver.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func newTestAPI(t *testing.T, checks ...httpserver.ReadinessCheck) testAPI {
	t.Helper()
	cat, err := config.LoadPersonas("")
	require.NoError(t, err)
	sessions := memory.NewSessionStore(time.Hour)
	engine, err := reward.New(sessions, memory.NewSpinHistory(), cat.Rewards.Prizes, reward.WithRand(fixedRand(0.01)))
	require.NoError(t, err)
	tokens := httpserver.NewSessionTokens("test-secret", time.Hour)
	api := testAPI{completer: &scriptedCompleter{}, payments: &paidVerifier{}, sessions: sessions}
	svc := usecase.NewAdvisorService(usecase.AdvisorDeps{
		Sessions:  sessions,
		Vault:     memory.NewVault(time.Hour),
		Completer: api.completer,
		Ledger:    ledger.New(),
		Rewards:   engine,
		Personas:  cat,
		Payments:  api.payments,
		Tokens:    tokens,
	}, usecase.Limits{})
	srv := httpserver.NewServer(config.Config{}, svc, tokens, checks...)
	admin, err := httpserver.NewAdminAuth("ops", "s3cret", lightArgon)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(httpserver.RequestID())
	srv.MountAPI(r)
	srv.MountAdmin(r, admin)
	r.Get("/readyz", srv.ReadyzHandler())
	api.handler = r
	return api
}

func (a testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (a testAPI) newSession(t *testing.T) (id, token string) {
	t.Helper()
	rec, body := a.do(t, http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ = body["sessionId"].(string)
	token, _ = body["token"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)
	return id, token
}

func chatBody(msg string) map[string]any {
	return map[string]any{"personaContext": "dreams", "userMessage": msg}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSessionAuth(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.newSession(t)

	rec, body := api.do(t, http.MethodGet, "/v1/session", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := body["session"].(map[string]any)
	assert.Equal(t, id, sess["id"])
	assert.Equal(t, float64(0), sess["messageCount"])
	spin := body["spin"].(map[string]any)
	assert.Equal(t, true, spin["canSpin"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec, body = api.do(t, http.MethodGet, "/v1/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	other := httpserver.NewSessionTokens("other-secret", time.Hour)
	forged, err := other.Issue(id)
	require.NoError(t, err)
	rec, _ = api.do(t, http.MethodGet, "/v1/session", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatHandler_FreeTurnsThenPaywall(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.newSession(t)

	for want := 2; want >= 0; want-- {
		rec, body := api.do(t, http.MethodPost, "/v1/chat", token, chatBody("I dreamt of a river"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, body["success"])
		assert.Equal(t, answer, body["response"])
		assert.Equal(t, float64(want), body["freeMessagesRemaining"])
		assert.Equal(t, false, body["showPaywall"])
		assert.Equal(t, true, body["isCompleteResponse"])
		assert.Equal(t, "gemini-2.0-flash", body["usedModel"])
		assert.NotEmpty(t, body["timestamp"])
	}

	rec, body := api.do(t, http.MethodPost, "/v1/chat", token, chatBody("and then?"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["showPaywall"])
	assert.Equal(t, false, body["isCompleteResponse"])
	assert.Equal(t, "teaser", body["accessLevel"])
	assert.NotEmpty(t, body["paywallMessage"])
	text := body["response"].(string)
	assert.True(t, strings.HasPrefix(text, "Water in dreams often mirrors emotion."))
	assert.NotContains(t, text, "Someone waiting")
	sess := body["session"].(map[string]any)
	assert.NotNil(t, sess["blockedResponseId"])
}

func TestChatHandler_Validation(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.newSession(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{name: "missing persona", body: map[string]any{"userMessage": "hi"}, field: "personaContext"},
		{name: "missing message", body: map[string]any{"personaContext": "dreams"}, field: "userMessage"},
		{name: "unknown persona", body: map[string]any{"personaContext": "tarot", "userMessage": "hi"}, field: "personaContext"},
		{name: "bad history role", body: map[string]any{
			"personaContext": "dreams", "userMessage": "hi",
			"conversationHistory": []map[string]string{{"role": "system", "content": "x"}},
		}, field: "conversationHistory[0].role"},
		{name: "negative count", body: map[string]any{"personaContext": "dreams", "userMessage": "hi", "messageCount": -1}, field: "messageCount"},
		{name: "too long", body: chatBody(strings.Repeat("a", 1501)), field: "userMessage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, http.MethodPost, "/v1/chat", token, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "INVALID_ARGUMENT", body["code"])
			assert.Contains(t, body["error"], tt.field)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandler_ProviderFailures(t *testing.T) {
	cat, err := config.LoadPersonas("")
	require.NoError(t, err)
	dreams, _ := cat.Get("dreams")

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: &domain.AllProvidersUnavailableError{Errors: []domain.AttemptError{{ModelID: "m", Attempt: 1, Message: "503"}}}, status: http.StatusServiceUnavailable, code: "ALL_PROVIDERS_UNAVAILABLE"},
		{err: domain.ErrQuotaExceeded, status: http.StatusTooManyRequests, code: "QUOTA_EXCEEDED"},
		{err: domain.ErrUpstreamTimeout, status: http.StatusGatewayTimeout, code: "UPSTREAM_TIMEOUT"},
		{err: domain.ErrProviderAuth, status: http.StatusUnauthorized, code: "PROVIDER_AUTH"},
		{err: domain.ErrSafetyFiltered, status: http.StatusBadRequest, code: "SAFETY_FILTERED"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			api := newTestAPI(t)
			_, token := api.newSession(t)
			api.completer.fail(tt.err)

			rec, body := api.do(t, http.MethodPost, "/v1/chat", token, chatBody("hello"))
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
			if tt.code == "INTERNAL" {
				assert.Equal(t, "internal error", body["error"])
			} else {
				assert.Equal(t, dreams.ErrorMessage, body["error"])
			}
			assert.NotContains(t, rec.Body.String(), "op=")
		})
	}
}

func TestSpinHandlers(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.newSession(t)

	rec, body := api.do(t, http.MethodGet, "/v1/spin", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["canSpin"])

	rec, body = api.do(t, http.MethodPost, "/v1/spin", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prize := body["prize"].(map[string]any)
	assert.Equal(t, "bonus_credits", prize["id"])
	assert.Equal(t, float64(3), body["session"].(map[string]any)["bonusCredits"])

	rec, body = api.do(t, http.MethodPost, "/v1/spin", token, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SPIN_UNAVAILABLE", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, false, details["canSpin"])
	assert.NotEmpty(t, details["nextFreeSpinAt"])

	rec, body = api.do(t, http.MethodGet, "/v1/spin/history?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["spins"], 1)

	rec, _ = api.do(t, http.MethodGet, "/v1/spin/history?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentConfirmAndUnlock(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.newSession(t)
	api.payments.sessionID = id
	for i := 0; i < 4; i++ {
		rec, _ := api.do(t, http.MethodPost, "/v1/chat", token, chatBody("tell me"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body := api.do(t, http.MethodPost, "/v1/responses/unlock", token, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PAYMENT_NOT_COMPLETED", errorCode(body))

	rec, body = api.do(t, http.MethodPost, "/v1/payments/confirm", token, map[string]string{"verificationToken": "cs_open"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PAYMENT_NOT_COMPLETED", errorCode(body))

	rec, body = api.do(t, http.MethodPost, "/v1/payments/confirm", token, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(body))

	rec, body = api.do(t, http.MethodPost, "/v1/payments/confirm", token, map[string]string{"verificationToken": "cs_paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, answer, body["response"])
	assert.Equal(t, true, body["session"].(map[string]any)["isPremium"])

	rec, body = api.do(t, http.MethodPost, "/v1/chat", token, chatBody("more"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["unlimited"])
	_, present := body["freeMessagesRemaining"]
	assert.False(t, present)
	assert.Equal(t, false, body["showPaywall"])

	rec, body = api.do(t, http.MethodPost, "/v1/responses/unlock", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	rec, body = api.do(t, http.MethodPost, "/v1/conversations/reset", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := body["session"].(map[string]any)
	assert.Equal(t, float64(0), sess["messageCount"])
	assert.Equal(t, true, sess["isPremium"])
}

func TestAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.newSession(t)
	rec, _ := api.do(t, http.MethodPost, "/v1/spin", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions/"+id, nil)
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodGet, "/admin/sessions/"+id, nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	get := func(path string) map[string]any {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.SetBasicAuth("ops", "s3cret")
		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}
	body := get("/admin/sessions/" + id)
	assert.Equal(t, "idle", body["spinState"])
	assert.Equal(t, id, body["session"].(map[string]any)["id"])
	assert.Len(t, get("/admin/sessions/"+id+"/spins")["spins"], 1)
	assert.Empty(t, get("/admin/providers")["providers"])
}

func TestReadyz(t *testing.T) {
	ok := httpserver.ReadinessCheck{Name: "db", Check: func(context.Context) error { return nil }}
	bad := httpserver.ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}

	api := newTestAPI(t, ok)
	rec, _ := api.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	api = newTestAPI(t, ok, bad)
	rec, body := api.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := body["checks"].([]any)
	require.Len(t, checks, 2)
	assert.Equal(t, false, checks[1].(map[string]any)["ok"])
}
