// Package metrics exposes capture pipeline telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Capture outcomes.
const (
	OutcomeSaved    = "saved"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Captures     *prometheus.CounterVec
	Shutter      *prometheus.HistogramVec
	Save         *prometheus.HistogramVec
	Pending      prometheus.Gauge
	Reconfigures prometheus.Counter
	DroppedZSL   prometheus.Counter
	SessionState *prometheus.GaugeVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Captures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerocam_captures_total",
				Help: "Total number of capture requests by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		Shutter: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zerocam_shutter_latency_seconds",
				Help:    "Time from capture request to shutter (buffer grab for ZSL)",
				Buckets: latencyBuckets,
			},
			[]string{"mode"},
		),
		Save: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zerocam_save_latency_seconds",
				Help:    "Time from shutter to saved file (processing for ZSL)",
				Buckets: latencyBuckets,
			},
			[]string{"mode"},
		),
		Pending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "zerocam_pending_captures",
				Help: "Number of in-flight captures",
			},
		),
		Reconfigures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "zerocam_session_reconfigures_total",
				Help: "Total number of capture session reconfigurations",
			},
		),
		DroppedZSL: f.NewCounter(
			prometheus.CounterOpts{
				Name: "zerocam_zsl_frames_evicted_total",
				Help: "ZSL frames released unconsumed because a newer one arrived",
			},
		),
		SessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zerocam_session_state",
				Help: "1 for the current session state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Capture counts one capture outcome.
func (m *Metrics) Capture(mode, outcome string) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(mode, outcome).Inc()
}

// Benchmark records the two latency components of a finished capture.
func (m *Metrics) Benchmark(mode string, shutter, save time.Duration) {
	if m == nil {
		return
	}
	m.Shutter.WithLabelValues(mode).Observe(shutter.Seconds())
	m.Save.WithLabelValues(mode).Observe(save.Seconds())
}

// SetPending publishes the pending capture count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

// Reconfigured counts one session rebuild.
func (m *Metrics) Reconfigured() {
	if m == nil {
		return
	}
	m.Reconfigures.Inc()
}

// EvictedZSL counts one ZSL frame released unconsumed.
func (m *Metrics) EvictedZSL() {
	if m == nil {
		return
	}
	m.DroppedZSL.Inc()
}

// SetState marks state as current among all states.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}
