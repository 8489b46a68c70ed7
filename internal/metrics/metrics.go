// Package metrics provides Prometheus instrumentation for the sweep engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts deposits by final outcome (completed, failed, retried).
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_deposits_total",
		Help: "Deposits processed, partitioned by outcome",
	}, []string{"outcome"})

	// FillsTotal counts filled orders by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_fills_total",
		Help: "Filled orders, partitioned by side",
	}, []string{"side"})

	// OrderFailures counts rejected or errored orders by instrument.
	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_order_failures_total",
		Help: "Orders that did not fill",
	}, []string{"instrument"})

	// OrderLatency tracks order placement round trips.
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arki_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	// TransfersTotal counts committed sweeps.
	TransfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arki_transfers_total",
		Help: "Cash sweeps committed",
	})

	// TransferredAmount accumulates swept cash.
	TransferredAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arki_transferred_amount_total",
		Help: "Cumulative amount moved from cash to investment",
	})

	// SchedulerTicks counts scheduler iterations by result.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_scheduler_ticks_total",
		Help: "Scheduler iterations",
	}, []string{"result"})

	// TickDuration tracks how long a scheduler iteration takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arki_scheduler_tick_duration_seconds",
		Help:    "Scheduler iteration duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PendingDeposits is the current size of the deposit queue.
	PendingDeposits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arki_pending_deposits",
		Help: "Deposits waiting for allocation",
	})

	// AccountBalance exposes each account's cash balance.
	AccountBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arki_account_balance",
		Help: "Cash balance per account",
	}, []string{"account"})

	// LedgerTransactions counts appended ledger records by type.
	LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_ledger_transactions_total",
		Help: "Ledger records appended, partitioned by type",
	}, []string{"type"})

	// PriceLookups counts quote lookups by cache result.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_price_lookups_total",
		Help: "Price lookups, partitioned by cache hit or miss",
	}, []string{"cache"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arki_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	// Halted is 1 while automated transfers are paused.
	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arki_transfers_halted",
		Help: "1 when automated transfers are halted",
	})

	// NotificationsTotal counts notification deliveries by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_notifications_total",
		Help: "Notification deliveries, partitioned by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arki_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOrder records latency since start.
func ObserveOrder(start time.Time) {
	OrderLatency.Observe(time.Since(start).Seconds())
}

// CacheResult returns the label for a price lookup.
func CacheResult(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
