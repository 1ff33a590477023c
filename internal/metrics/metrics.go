package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admission"

// Rejection reasons recorded before the pipeline runs.
const (
	ReasonInvalidURI      = "invalid_uri"
	ReasonInvalidEncoding = "invalid_encoding"
	ReasonNoContext       = "no_context"
	ReasonRedirect        = "redirect"
	ReasonTrace           = "trace_not_allowed"
	ReasonPing            = "ping"
	ReasonCancelled       = "cancelled"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector exports admission metrics to Prometheus. A nil *Collector is
// valid and records nothing.
type Collector struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rejections    *prometheus.CounterVec
	remaps        prometheus.Histogram
	pausedWaits   prometheus.Counter
	asyncEvents   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	valvePanics   prometheus.Counter
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed exchanges by host, context and status code.",
		}, []string{"host", "context", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds from transport start to completion.",
			Buckets:   DefaultBuckets,
		}, []string{"host", "context"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Exchanges answered before the container pipeline ran.",
		}, []string{"reason"}),
		remaps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "map_iterations",
			Help:      "Mapper passes needed to settle on a context version.",
			Buckets:   []float64{1, 2, 3, 5, 10, 30},
		}),
		pausedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paused_context_waits_total",
			Help:      "Waits for a paused context to resume.",
		}),
		asyncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_dispatch_total",
			Help:      "Async dispatches by socket event and outcome.",
		}, []string{"event", "success"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Exchanges currently inside the adapter or suspended.",
		}),
		valvePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "valve_panics_total",
			Help:      "Panics recovered from pipeline valves.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by outcome.",
		}, []string{"result"}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.requests, c.duration, c.rejections, c.remaps, c.pausedWaits,
		c.asyncEvents, c.inFlight, c.valvePanics, c.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.handler = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler { return c.handler }

// RecordRequest records a completed exchange.
func (c *Collector) RecordRequest(host, context string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(host, context, strconv.Itoa(status)).Inc()
	c.duration.WithLabelValues(host, context).Observe(d.Seconds())
}

// RecordRejection records an exchange answered during mapping.
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// RecordMapIterations records how many mapper passes one exchange needed.
func (c *Collector) RecordMapIterations(n int) {
	if c == nil {
		return
	}
	c.remaps.Observe(float64(n))
}

// RecordPausedWait records one wait for a paused context.
func (c *Collector) RecordPausedWait() {
	if c == nil {
		return
	}
	c.pausedWaits.Inc()
}

// RecordAsyncDispatch records one async dispatch.
func (c *Collector) RecordAsyncDispatch(event string, success bool) {
	if c == nil {
		return
	}
	c.asyncEvents.WithLabelValues(event, strconv.FormatBool(success)).Inc()
}

// RecordValvePanic records a recovered valve panic.
func (c *Collector) RecordValvePanic() {
	if c == nil {
		return
	}
	c.valvePanics.Inc()
}

// RecordConfigReload records a reload attempt.
func (c *Collector) RecordConfigReload(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.configReloads.WithLabelValues(result).Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (c *Collector) InFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}
