// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/booking-gateway/sessions"
	"github.com/prometheus/client_golang/prometheus"
)

// RPC outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeMethodNotFound = "method_not_found"
	OutcomeInvalidParams  = "invalid_params"
	OutcomeInternalError  = "internal_error"
	OutcomeToolError      = "tool_error"
	OutcomeBusy           = "busy"
)

type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsClosed *prometheus.CounterVec
	rpcTotal       *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	queueRejected  prometheus.Counter
	broadcastTotal *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "booking_gateway_sessions_active",
			Help: "Number of currently open sessions.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_gateway_sessions_closed_total",
			Help: "Total sessions closed by reason.",
		}, []string{"reason"}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_gateway_rpc_total",
			Help: "Total inbound JSON-RPC messages by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booking_gateway_tool_call_duration_seconds",
			Help:    "Tool call execution time by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_gateway_queue_rejected_total",
			Help: "Tool calls rejected because the session queue was full.",
		}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_gateway_broadcast_deliveries_total",
			Help: "Broadcast deliveries by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_gateway_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(
		m.sessionsActive,
		m.sessionsClosed,
		m.rpcTotal,
		m.callDuration,
		m.queueRejected,
		m.broadcastTotal,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) SessionOpened(*sessions.Session) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(_ *sessions.Session, reason sessions.CloseReason) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RPC(outcome string) {
	if m == nil {
		return
	}
	m.rpcTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCall(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) Broadcast(delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcastTotal.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcastTotal.WithLabelValues("failed").Add(float64(failed))
}

// Middleware counts requests by method and final status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
