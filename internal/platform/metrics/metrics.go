// Package metrics exposes prometheus collectors for HTTP traffic, rendered
// faults and store health.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "digitalhealth"

// Registry owns the service collectors. It satisfies fault.Observer.
type Registry struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	faults   *prometheus.CounterVec
	inflight prometheus.Gauge
}

// New builds a registry with the Go runtime and process collectors plus the
// service metrics.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Rendered errors by kind.",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.latency, r.faults, r.inflight,
	)
	return r
}

// Register adds extra collectors, e.g. a store health gauge.
func (r *Registry) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveFault counts one rendered error of the given kind.
func (r *Registry) ObserveFault(kind string) {
	r.faults.WithLabelValues(kind).Inc()
}

// Middleware records request count and latency labelled by the matched
// route pattern, never the raw path, to keep cardinality bounded.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.inflight.Inc()
			defer r.inflight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler set the final status first.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			r.requests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			r.latency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
}
