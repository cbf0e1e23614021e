// Package metrics exposes Prometheus metrics for the reminder engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// Metrics holds all application metrics. It implements engine.Recorder.
type Metrics struct {
	Materialized        prometheus.Counter
	RemindersSent       *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	ResponsesReceived   *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	DosesMissed         prometheus.Counter
	PassDuration        *prometheus.HistogramVec
	PassProcessed       *prometheus.CounterVec
	PassErrors          *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

var _ engine.Recorder = (*Metrics)(nil)

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry registers on reg and serves from gatherer. Tests pass a fresh
// prometheus.NewRegistry() for both.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_instances_materialized_total",
			Help: "Reminder instances created by materialization",
		}),
		RemindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Reminders delivered, by channel",
		}, []string{"channel"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_send_failures_total",
			Help: "Failed reminder deliveries, by channel",
		}, []string{"channel"}),
		ResponsesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_responses_total",
			Help: "Patient replies, by classified kind",
		}, []string{"kind"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_escalations_total",
			Help: "Escalations applied, by level",
		}, []string{"level"}),
		DosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_missed_total",
			Help: "Doses closed as missed",
		}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminder_pass_duration_seconds",
			Help:    "Duration of periodic passes",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"pass"}),
		PassProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_pass_processed_total",
			Help: "Items processed by periodic passes",
		}, []string{"pass"}),
		PassErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_pass_errors_total",
			Help: "Periodic passes that returned an error",
		}, []string{"pass"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.Materialized,
		m.RemindersSent,
		m.SendFailures,
		m.ResponsesReceived,
		m.Escalations,
		m.DosesMissed,
		m.PassDuration,
		m.PassProcessed,
		m.PassErrors,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// InstancesMaterialized implements engine.Recorder
func (m *Metrics) InstancesMaterialized(n int) {
	m.Materialized.Add(float64(n))
}

// ReminderSent implements engine.Recorder
func (m *Metrics) ReminderSent(channel reminder.Channel) {
	m.RemindersSent.WithLabelValues(string(channel)).Inc()
}

// SendFailed implements engine.Recorder
func (m *Metrics) SendFailed(channel reminder.Channel) {
	m.SendFailures.WithLabelValues(string(channel)).Inc()
}

// ResponseReceived implements engine.Recorder
func (m *Metrics) ResponseReceived(kind string) {
	m.ResponsesReceived.WithLabelValues(kind).Inc()
}

// Escalated implements engine.Recorder
func (m *Metrics) Escalated(level int) {
	m.Escalations.WithLabelValues(strconv.Itoa(level)).Inc()
}

// DoseMissed implements engine.Recorder
func (m *Metrics) DoseMissed() {
	m.DosesMissed.Inc()
}

// PassCompleted implements engine.Recorder
func (m *Metrics) PassCompleted(pass string, d time.Duration, processed int, err error) {
	m.PassDuration.WithLabelValues(pass).Observe(d.Seconds())
	m.PassProcessed.WithLabelValues(pass).Add(float64(processed))
	if err != nil {
		m.PassErrors.WithLabelValues(pass).Inc()
	}
}

// ObserveBreakers copies breaker states into CircuitBreakerState
func (m *Metrics) ObserveBreakers(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for the gatherer
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
