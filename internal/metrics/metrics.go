// ABOUTME: Prometheus metrics for coven-rooms on a per-gateway registry
// ABOUTME: Counts deliveries, drops, agent reactions and HTTP traffic; no package-level collectors

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_rooms"

// Metrics owns a private registry and every collector registered on it.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	eventsDropped  *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	messagesFailed *prometheus.CounterVec
	agentReactions *prometheus.CounterVec
	rateLimited    prometheus.Counter
}

// New creates the registry with Go and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a bounded queue was full",
		}, []string{"queue"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Events broadcast to rooms",
		}, []string{"kind"}),
		messagesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that could not be broadcast",
		}, []string{"reason"}),
		agentReactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_reactions_total",
			Help:      "Agent reactions to mentions by outcome",
		}, []string{"agent", "outcome"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Message posts rejected by the rate limiter",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauges registers live gauges read on every scrape.
func (m *Metrics) Gauges(activeRooms, agents func() int) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Rooms with at least one live subscriber",
	}, func() float64 { return float64(activeRooms()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_running",
		Help:      "Registered LLM agent workers",
	}, func() float64 { return float64(agents()) })
}

// EventDropped counts one event dropped from queue ("subscriber", "agent" or "enter_room").
func (m *Metrics) EventDropped(queue string) {
	m.eventsDropped.WithLabelValues(queue).Inc()
}

// MessageSent counts a broadcast event by kind.
func (m *Metrics) MessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

// MessageFailed counts a failed send by reason.
func (m *Metrics) MessageFailed(reason string) {
	m.messagesFailed.WithLabelValues(reason).Inc()
}

// AgentReaction counts one reaction outcome for agent.
func (m *Metrics) AgentReaction(agent, outcome string) {
	m.agentReactions.WithLabelValues(agent, outcome).Inc()
}

// RateLimited counts a post rejected with 429.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records request counts and latency labelled by chi route
// pattern, which keeps room ids out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
