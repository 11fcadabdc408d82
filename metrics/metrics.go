// Package metrics exposes Prometheus instrumentation for the dispatch
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing, so wiring stays optional in tests.
type Metrics struct {
	dispatches *prometheus.CounterVec
	retries    *prometheus.CounterVec
	pollTicks  *prometheus.CounterVec
	terminal   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Name:      "dispatches_total",
			Help:      "Provider dispatch calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Name:      "retries_total",
			Help:      "Retry attempts by provider and error kind.",
		}, []string{"provider", "kind"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Name:      "poll_ticks_total",
			Help:      "Status poll calls by provider.",
		}, []string{"provider"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaflow",
			Name:      "requests_terminal_total",
			Help:      "Requests reaching a terminal status.",
		}, []string{"provider", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediaflow",
			Name:      "request_duration_seconds",
			Help:      "Wall time from submit to terminal status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"provider", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediaflow",
			Name:      "requests_in_flight",
			Help:      "Requests currently between submit and terminal status.",
		}),
	}
	reg.MustRegister(m.dispatches, m.retries, m.pollTicks, m.terminal, m.duration, m.inFlight)
	return m
}

func (m *Metrics) Dispatch(provider, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Retry(provider, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) PollTick(provider string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(provider).Inc()
}

func (m *Metrics) Terminal(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(provider, status).Inc()
	m.duration.WithLabelValues(provider, status).Observe(elapsed.Seconds())
}

func (m *Metrics) InFlightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
