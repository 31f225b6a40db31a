// Package metrics exports dispatch and RPC counters in the Prometheus text
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/dgworker/internal/lifecycle"
)

const namespace = "dgworker"

var _ lifecycle.Observer = (*Collector)(nil)

// Collector turns lifecycle events into Prometheus series. Each Collector
// owns its registry so several workers can live in one test binary.
type Collector struct {
	registry *prometheus.Registry

	dispatches  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	httpReqs    *prometheus.CounterVec
	httpTime    prometheus.Histogram
}

// New creates a Collector labelled with workerID.
func New(workerID string) *Collector {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"worker_id": workerID}

	c := &Collector{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dispatches_total",
			Help:        "Dispatches by handler, status and error code.",
			ConstLabels: labels,
		}, []string{"handler", "status", "error_code", "scope"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "dispatch_duration_seconds",
			Help:        "Handler execution time.",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 60},
		}, []string{"handler"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "handler_transitions_total",
			Help:        "Handler lifecycle transitions by target status.",
			ConstLabels: labels,
		}, []string{"to"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rpc_http_requests_total",
			Help:        "RPC HTTP requests by code and method.",
			ConstLabels: labels,
		}, []string{"code", "method"}),
		httpTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "rpc_http_response_seconds",
			Help:        "RPC HTTP response time.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.dispatches,
		c.duration,
		c.transitions,
		c.httpReqs,
		c.httpTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Publish implements lifecycle.Observer.
func (c *Collector) Publish(eventType string, data any) {
	switch ev := data.(type) {
	case lifecycle.CompletedEvent:
		c.dispatches.WithLabelValues(ev.Handler, ev.Status, ev.ErrorCode, string(ev.Scope)).Inc()
		c.duration.WithLabelValues(ev.Handler).Observe(ev.ExecutionTimeMs / 1000)
	case lifecycle.TransitionEvent:
		c.transitions.WithLabelValues(string(ev.To)).Inc()
	}
}

// Handler serves the registry at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Collect is chi middleware counting RPC HTTP requests. /metrics itself is
// not counted.
func (c *Collector) Collect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			if r.URL.Path == "/metrics" {
				return
			}
			c.httpReqs.WithLabelValues(strconv.Itoa(ww.Status()), r.Method).Inc()
			c.httpTime.Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(ww, r)
	})
}
