// Package metrics provides Prometheus instrumentation for the scanner.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arb-scanner/internal/execution"
	"arb-scanner/internal/rpc"
	"arb-scanner/internal/scan"
)

var (
	// CyclesTotal counts operator cycles by result (ok, failed, skipped).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbscan_cycles_total",
		Help: "Scan cycles by result",
	}, []string{"result"})

	// CycleDuration tracks wall time of one full cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbscan_cycle_duration_seconds",
		Help:    "Scan cycle duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// ConsecutiveFailures mirrors the operator watchdog streak.
	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbscan_consecutive_cycle_failures",
		Help: "Current streak of failed scan cycles",
	})

	// EndpointHealthy is 1 when the last probe of an endpoint succeeded.
	EndpointHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbscan_rpc_endpoint_healthy",
		Help: "1 if the endpoint passed its last health probe",
	}, []string{"chain_id", "endpoint"})

	// EndpointLatency is the last observed probe latency.
	EndpointLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbscan_rpc_endpoint_latency_ms",
		Help: "Latency of the last health probe in milliseconds",
	}, []string{"chain_id", "endpoint"})

	// QuoteErrors counts failed quotes per source.
	QuoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbscan_quote_errors_total",
		Help: "Scan errors by chain and source",
	}, []string{"chain_id", "source"})

	// Opportunities counts detected opportunities, split by whether they pass the threshold.
	Opportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbscan_opportunities_total",
		Help: "Detected opportunities",
	}, []string{"chain_id", "passes"})

	// BestNetProfit is the net profit of the top ranked opportunity in the last cycle.
	BestNetProfit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbscan_best_net_profit_eth",
		Help: "Net profit estimate of the best ranked opportunity",
	}, []string{"chain_id"})

	// ExecutionAttempts counts execution results by status and reason code.
	ExecutionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbscan_execution_attempts_total",
		Help: "Execution attempts by status and reason",
	}, []string{"status", "reason"})

	// PendingTransactions is the size of the pending-tx table.
	PendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbscan_pending_transactions",
		Help: "Submitted transactions without a receipt",
	})

	// KillSwitchActive is 1 while the kill switch file exists.
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbscan_kill_switch_active",
		Help: "1 while execution is halted by the kill switch",
	})

	// HTTPRequestsTotal counts status API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbscan_http_requests_total",
		Help: "Status API requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks status API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbscan_http_request_duration_seconds",
		Help:    "Status API request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})
)

// ChainLabel formats a chain id label.
func ChainLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics, labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
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

// ObserveHealth records one round of endpoint probes.
func ObserveHealth(chainID uint64, records []rpc.HealthRecord) {
	chain := ChainLabel(chainID)
	for _, h := range records {
		EndpointHealthy.WithLabelValues(chain, h.EndpointName).Set(BoolGauge(h.OK))
		EndpointLatency.WithLabelValues(chain, h.EndpointName).Set(float64(h.LatencyMs))
	}
}

// ObserveReport records the counters derived from one scan report.
func ObserveReport(report *scan.Report) {
	if report == nil {
		return
	}
	chain := ChainLabel(report.ChainID)
	for _, e := range report.Errors {
		source := e.Source
		if source == "" {
			source = "scan"
		}
		QuoteErrors.WithLabelValues(chain, source).Inc()
	}
	for _, sim := range report.Simulations {
		Opportunities.WithLabelValues(chain, strconv.FormatBool(sim.PassesThreshold)).Inc()
	}
	best := 0.0
	if b, ok := report.Best(); ok {
		best = b.Simulation.NetProfitEth
	}
	BestNetProfit.WithLabelValues(chain).Set(best)
}

// ObserveExecution counts one execution result.
func ObserveExecution(res execution.SendResult) {
	reason := string(res.Reason)
	if reason == "" {
		reason = "none"
	}
	ExecutionAttempts.WithLabelValues(string(res.Status), reason).Inc()
}
