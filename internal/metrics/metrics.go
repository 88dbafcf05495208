// Package metrics defines the Prometheus collectors for batch runs.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devghori1264/quarterpatch/internal/errors"
)

const namespace = "quarterpatch"

type Metrics struct {
	batches            *prometheus.CounterVec
	batchDuration      *prometheus.HistogramVec
	serverOutcomes     *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	invalidTransitions prometheus.Counter
	retries            *prometheus.CounterVec
	schedulingFailures *prometheus.CounterVec
	inFlight           prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_runs_total",
			Help: "Batch runs by phase and outcome.",
		}, []string{"phase", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_duration_seconds",
			Help:    "Wall time of batch runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"phase"}),
		serverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "server_outcomes_total",
			Help: "Per-server phase outcomes by error kind.",
		}, []string{"phase", "result", "kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Accepted workflow transitions by event.",
		}, []string{"event"}),
		invalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalid_transitions_total",
			Help: "Rejected workflow events.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connectivity_retries_total",
			Help: "Connectivity retries spent by remote phases.",
		}, []string{"phase"}),
		schedulingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduling_failures_total",
			Help: "Servers the scheduler could not place, by constraint.",
		}, []string{"constraint"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "servers_in_flight",
			Help: "Servers currently being processed by a remote phase.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.batchDuration, m.serverOutcomes, m.transitions,
			m.invalidTransitions, m.retries, m.schedulingFailures, m.inFlight)
	}
	return m
}

func (m *Metrics) ObserveBatch(phase string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errors.KindOf(err))
	}
	m.batches.WithLabelValues(phase, outcome).Inc()
	m.batchDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveServer(phase string, success bool, kind errors.Kind, retries int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.serverOutcomes.WithLabelValues(phase, result, string(kind)).Inc()
	if retries > 0 {
		m.retries.WithLabelValues(phase).Add(float64(retries))
	}
}

func (m *Metrics) Transition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

func (m *Metrics) InvalidTransition() {
	if m == nil {
		return
	}
	m.invalidTransitions.Inc()
}

func (m *Metrics) SchedulingFailure(constraint string) {
	if m == nil {
		return
	}
	m.schedulingFailures.WithLabelValues(constraint).Inc()
}

// Track increments the in-flight gauge and returns its decrement.
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
