package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Estimated tokens exchanged with providers",
		},
		[]string{"model", "kind"},
	)

	// Completion orchestration
	CompletionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_attempts_total",
			Help: "Generation attempts by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	CompletionAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_attempt_duration_seconds",
			Help:    "Duration of individual generation attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
	CompletionChainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_chains_total",
			Help: "Completed fallback chains by outcome",
		},
		[]string{"outcome"},
	)
	CompletionChainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_chain_duration_seconds",
			Help:    "End-to-end duration of fallback chains",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	ProviderCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_state",
			Help: "Circuit breaker state per model (0=closed, 1=open, 2=half-open)",
		},
		[]string{"model"},
	)

	// Usage gating
	AccessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Chat turns by persona and granted access level",
		},
		[]string{"persona", "level"},
	)
	CreditsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bonus_credits_consumed_total",
			Help: "Bonus credits spent to unlock full answers",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bonus_credits_refunded_total",
			Help: "Bonus credits returned after failed completions",
		},
	)

	// Rewards and payments
	SpinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_spins_total",
			Help: "Resolved reward spins by prize",
		},
		[]string{"prize"},
	)
	SpinRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_spin_rejections_total",
			Help: "Rejected spin requests by reason",
		},
		[]string{"reason"},
	)
	PaymentConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_confirmations_total",
			Help: "Payment confirmations by result",
		},
		[]string{"result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(CompletionAttemptsTotal)
	prometheus.MustRegister(CompletionAttemptDuration)
	prometheus.MustRegister(CompletionChainsTotal)
	prometheus.MustRegister(CompletionChainDuration)
	prometheus.MustRegister(ProviderCircuitState)
	prometheus.MustRegister(AccessDecisionsTotal)
	prometheus.MustRegister(CreditsConsumedTotal)
	prometheus.MustRegister(CreditsRefundedTotal)
	prometheus.MustRegister(SpinsTotal)
	prometheus.MustRegister(SpinRejectionsTotal)
	prometheus.MustRegister(PaymentConfirmationsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// RecordAccessDecision counts a chat turn and, when a credit paid for it, the credit.
func RecordAccessDecision(persona, level string, consumedCredit bool) {
	AccessDecisionsTotal.WithLabelValues(persona, level).Inc()
	if consumedCredit {
		CreditsConsumedTotal.Inc()
	}
}

// RecordCreditRefund counts a credit handed back after a failed completion.
func RecordCreditRefund() { CreditsRefundedTotal.Inc() }

// RecordTokenUsage adds prompt and completion token estimates for a model.
func RecordTokenUsage(model string, prompt, completion int) {
	if prompt > 0 {
		AITokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		AITokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

func RecordSpin(prizeID string) { SpinsTotal.WithLabelValues(prizeID).Inc() }

func RecordSpinRejection(reason string) { SpinRejectionsTotal.WithLabelValues(reason).Inc() }

func RecordPaymentConfirmation(result string) {
	PaymentConfirmationsTotal.WithLabelValues(result).Inc()
}
