// Package metrics exposes Prometheus collectors for the invocation lifecycle,
// model turns and the HTTP API.
//
// Usage:
//
//	m := metrics.New()
//	m.ObserveTransition("transfer", "pending", "awaiting_confirmation")
//	mux.Handle("/metrics", m.Handler())
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector on a private registry. All methods are safe
// on a nil receiver so callers may leave metrics disabled.
type Metrics struct {
	registry *prometheus.Registry

	// Transitions counts invocation state changes.
	// Labels: tool, from, to
	Transitions *prometheus.CounterVec

	// Terminal counts invocations reaching a terminal state.
	// Labels: tool, outcome (success|failure|user_denied|wallet_rejected|validation_error|confirmation_unavailable)
	Terminal *prometheus.CounterVec

	// TurnSteps records how many model steps a turn used.
	TurnSteps prometheus.Histogram

	// BackendErrors counts aborted turns by backend mode.
	// Labels: mode (remote|local)
	BackendErrors *prometheus.CounterVec

	// WalletTransactions counts transactions signed and broadcast.
	// Labels: chain
	WalletTransactions *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: handler, method, code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API latency in seconds.
	// Labels: handler, method
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry together with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainchat_invocation_transitions_total",
			Help: "Invocation state transitions by tool and state pair",
		}, []string{"tool", "from", "to"}),
		Terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainchat_invocations_terminal_total",
			Help: "Invocations that reached a terminal state by outcome",
		}, []string{"tool", "outcome"}),
		TurnSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainchat_turn_steps",
			Help:    "Number of model steps used per conversation turn",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainchat_backend_errors_total",
			Help: "Turns aborted because the model backend failed",
		}, []string{"mode"}),
		WalletTransactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainchat_wallet_transactions_total",
			Help: "Transactions signed and broadcast by chain",
		}, []string{"chain"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainchat_http_requests_total",
			Help: "HTTP API requests by handler, method and status code",
		}, []string{"handler", "method", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainchat_http_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTransition records one invocation state change. An empty from means
// the invocation was just created.
func (m *Metrics) ObserveTransition(tool, from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.Transitions.WithLabelValues(tool, from, to).Inc()
}

// ObserveTerminal records a terminal outcome.
func (m *Metrics) ObserveTerminal(tool, outcome string) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(tool, outcome).Inc()
}

// ObserveTurn records the number of steps a finished turn used.
func (m *Metrics) ObserveTurn(steps int) {
	if m == nil {
		return
	}
	m.TurnSteps.Observe(float64(steps))
}

// ObserveBackendError records an aborted turn.
func (m *Metrics) ObserveBackendError(mode string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(mode).Inc()
}

// ObserveWalletSend records a broadcast transaction.
func (m *Metrics) ObserveWalletSend(chain string) {
	if m == nil {
		return
	}
	m.WalletTransactions.WithLabelValues(chain).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
