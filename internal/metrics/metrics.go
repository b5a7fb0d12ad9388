// Package metrics provides Prometheus instrumentation for the auction engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// BidsTotal counts bid attempts, partitioned by result ("accepted" or
	// the rejection reason).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_total",
		Help: "Total number of bid attempts by result",
	}, []string{"result"})

	// BidLatency tracks PlaceBid latency including retries.
	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_bid_latency_seconds",
		Help:    "Bid placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// VersionConflicts counts optimistic concurrency losses, by operation.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_version_conflicts_total",
		Help: "Guarded writes that lost a version race",
	}, []string{"op"})

	// Extensions counts anti-sniping end time extensions.
	Extensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_extensions_total",
		Help: "Anti-sniping end time extensions applied",
	})

	// BuyNowsTotal counts buy-now attempts by result.
	BuyNowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_buy_nows_total",
		Help: "Buy-now attempts by result",
	}, []string{"result"})

	// SettlementsTotal counts completed closes by outcome ("winner",
	// "fallback_winner", "no_winner").
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_settlements_total",
		Help: "Completed auction settlements by outcome",
	}, []string{"outcome"})

	// SettlementFailures counts settlements that could not confirm funds.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_settlement_failures_total",
		Help: "Settlements aborted and left for retry",
	})

	// SweepDuration tracks how long a sweeper pass takes to schedule work.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_sweep_duration_seconds",
		Help:    "Expiration sweeper pass duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	})

	// SweepScheduled counts auctions handed to the settlement pool.
	SweepScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_sweep_scheduled_total",
		Help: "Expired auctions scheduled for closing by the sweeper",
	})

	// SweepErrors counts per-auction sweeper errors by kind.
	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_sweep_errors_total",
		Help: "Errors closing auctions from the sweeper",
	}, []string{"kind"})

	// Activations counts draft auctions moved to active.
	Activations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_activations_total",
		Help: "Draft auctions activated at their start time",
	})

	// NotificationsDropped counts events that could not be queued.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_notifications_dropped_total",
		Help: "Notification events dropped by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not implement http.Hijacker", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
