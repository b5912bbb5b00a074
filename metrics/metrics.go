// Package metrics exposes coordinator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plcoordinator"

// Reclaim reasons.
const (
	ReasonDestroy    = "destroy"
	ReasonOwnerGone  = "owner_gone"
	ReasonTerminal   = "terminal"
	ReasonVanished   = "vanished"
	ReasonSuperseded = "superseded"
)

// Metrics groups every collector the coordinator updates.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Creations       *prometheus.CounterVec
	StartAttempts   prometheus.Counter
	StartDuration   prometheus.Histogram
	GateRejections  prometheus.Counter
	Reclaims        *prometheus.CounterVec
	DeleteFailures  prometheus.Counter
	RegistryEntries *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
	GateInFlight    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "RPC requests handled, by operation and status.",
		}, []string{"op", "status"}),
		Creations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_creations_total",
			Help:      "Sandbox start sequences, by result.",
		}, []string{"result"}),
		StartAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_start_attempts_total",
			Help:      "Engine create and start attempts, including retries.",
		}),
		StartDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_start_seconds",
			Help:      "Time from accepted start request to a running sandbox.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		GateRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Start requests turned away because too many creations were in flight.",
		}),
		Reclaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_reclaims_total",
			Help:      "Sandboxes torn down, by reason.",
		}, []string{"reason"}),
		DeleteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_delete_failures_total",
			Help:      "Failed engine delete calls.",
		}),
		RegistryEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Entries in each loop's sandbox registry.",
		}, []string{"loop"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Notifications waiting for the monitor.",
		}),
		GateInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "Sandbox creations currently in progress.",
		}),
		gatherer: reg,
	}
}

// NewUnregistered returns metrics on a private registry. Tests and callers
// that do not export metrics use it.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStart records a finished start sequence.
func (m *Metrics) ObserveStart(ok bool, elapsed time.Duration) {
	result := "failure"
	if ok {
		result = "success"
		m.StartDuration.Observe(elapsed.Seconds())
	}
	m.Creations.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
