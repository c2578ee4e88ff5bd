package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsTotal       prometheus.Gauge
	sessionLoadDuration *prometheus.HistogramVec
	sessionSaveDuration *prometheus.HistogramVec
	storageErrorsTotal  *prometheus.CounterVec

	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	turnsInProgress prometheus.Gauge

	modelCallsTotal     *prometheus.CounterVec
	modelCallDuration   *prometheus.HistogramVec
	streamFragmentTotal *prometheus.CounterVec

	rpcRequestsTotal *prometheus.CounterVec
	gatewayClients   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "convo_sessions",
					Help: "Number of sessions known to the store.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "convo_session_load_duration_seconds",
					Help:    "Session read duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "convo_session_save_duration_seconds",
					Help:    "Session append duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storageErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convo_storage_errors_total",
					Help: "Total storage failures by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convo_turns_total",
					Help: "Total chat turns by final status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "convo_turn_duration_seconds",
					Help:    "Duration of a chat turn from submit to completion.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
			),
			turnsInProgress: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "convo_turns_in_progress",
					Help: "Chat turns currently streaming.",
				},
			),
			modelCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convo_model_calls_total",
					Help: "Total model invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "convo_model_call_duration_seconds",
					Help:    "Model invocation duration in seconds by provider.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			streamFragmentTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convo_stream_fragments_total",
					Help: "Total streamed reply fragments by provider.",
				},
				[]string{"provider"},
			),
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convo_rpc_requests_total",
					Help: "Total gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "convo_gateway_clients",
					Help: "Connected websocket clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.sessionsTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.storageErrorsTotal,
			m.turnsTotal,
			m.turnDuration,
			m.turnsInProgress,
			m.modelCallsTotal,
			m.modelCallDuration,
			m.streamFragmentTotal,
			m.rpcRequestsTotal,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetSessions(count int) {
	getMetrics().sessionsTotal.Set(float64(count))
}

func RecordSessionLoad(backend string, duration time.Duration) {
	getMetrics().sessionLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionSave(backend string, duration time.Duration) {
	getMetrics().sessionSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordStorageError(backend, op string) {
	getMetrics().storageErrorsTotal.WithLabelValues(backend, op).Inc()
}

// TurnStarted marks a turn as streaming.
func TurnStarted() {
	getMetrics().turnsInProgress.Inc()
}

// RecordTurn records a finished turn. status is one of completed, failed,
// timeout or cancelled.
func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.turnsInProgress.Dec()
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

// RecordRejectedTurn counts a turn that never started, e.g. a busy session.
func RecordRejectedTurn(status string) {
	getMetrics().turnsTotal.WithLabelValues(status).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordStreamFragment(provider string) {
	getMetrics().streamFragmentTotal.WithLabelValues(provider).Inc()
}

func RecordRPCRequest(method string, success bool) {
	getMetrics().rpcRequestsTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}
