// Package metrics holds the process-wide processing metrics and the HTTP
// listener that exposes them in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "nsai"

// Registry owns the three detector series on a private Prometheus registry.
// It is built once at startup and shared by reference; every method is safe
// for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	processed prometheus.Counter
	errors    prometheus.Counter
	latency   prometheus.Histogram
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Processed    uint64  `json:"messages_processed"`
	Errors       uint64  `json:"errors"`
	LatencyCount uint64  `json:"latency_count"`
	LatencySum   float64 `json:"latency_sum_seconds"`
}

// NewRegistry creates the collectors and registers them on a fresh registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of messages processed",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Latency of message processing",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.reg.MustRegister(r.processed, r.errors, r.latency)
	return r
}

// IncProcessed counts one message that reached a verdict.
func (r *Registry) IncProcessed() { r.processed.Inc() }

// IncErrors counts one decode, stage or transport failure.
func (r *Registry) IncErrors() { r.errors.Inc() }

// ObserveLatency records d in seconds.
func (r *Registry) ObserveLatency(d time.Duration) {
	r.latency.Observe(d.Seconds())
}

// Snapshot reads the current values straight from the collectors.
func (r *Registry) Snapshot() Snapshot {
	var processed, errs, latency dto.Metric
	_ = r.processed.Write(&processed)
	_ = r.errors.Write(&errs)
	_ = r.latency.Write(&latency)

	return Snapshot{
		Processed:    uint64(processed.GetCounter().GetValue()),
		Errors:       uint64(errs.GetCounter().GetValue()),
		LatencyCount: latency.GetHistogram().GetSampleCount(),
		LatencySum:   latency.GetHistogram().GetSampleSum(),
	}
}

// Gatherer exposes the private registry, e.g. for prometheus/testutil.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler renders the registry in the text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
