// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOpsTotal counts committed ledger primitives by operation and result.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_ledger_ops_total",
		Help: "Ledger operations by kind and result",
	}, []string{"op", "result"})

	// InvariantViolations counts aborted operations that would have broken a
	// balance invariant. Any non-zero value pages.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_invariant_violations_total",
		Help: "Balance invariant violations detected and aborted",
	}, []string{"op"})

	// StakesTotal counts accepted stakes.
	StakesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wicketx_stakes_total",
		Help: "Total number of stakes placed",
	})

	// StakeLimitRejections counts stakes rejected by the stake limiter.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wicketx_stake_limit_rejections_total",
		Help: "Stakes rejected by the stake limiter",
	})

	// PredictionsSettled counts settled predictions by result (won/lost/failed).
	PredictionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_predictions_settled_total",
		Help: "Predictions settled by result",
	}, []string{"result"})

	// SettlementLatency tracks the duration of a full market sweep.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wicketx_settlement_sweep_seconds",
		Help:    "Market settlement sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DepositsTotal counts deposit notifications by outcome
	// (credited/replayed/unresolved/rejected).
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_deposits_total",
		Help: "Deposit notifications by outcome",
	}, []string{"outcome"})

	// ReferralRewardsTotal counts referral commissions paid, by level.
	ReferralRewardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_referral_rewards_total",
		Help: "Referral commissions paid by level",
	}, []string{"level"})

	// ReconcileDiscrepancies counts wallets whose currency rows disagree with
	// the aggregate balance.
	ReconcileDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wicketx_reconcile_discrepancies_total",
		Help: "Wallets with advisory currency/aggregate mismatches",
	})

	// EventsDropped counts events a publisher could not deliver.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_events_dropped_total",
		Help: "Events dropped by a publisher",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wicketx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicketx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wicketx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
