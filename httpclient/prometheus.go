package httpclient

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

// prometheusCollector exports the request lifecycle as Prometheus series.
// All methods are no-ops on a nil receiver.
type prometheusCollector struct {
	transportTotal    *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	redirectsTotal    *prometheus.CounterVec
	cacheHitsTotal    *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

func newPrometheusCollector(reg prometheus.Registerer) (c *prometheusCollector, err error) {
	// promauto panics on duplicate registration.
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("register prometheus collectors: %v", r)
		}
	}()

	factory := promauto.With(reg)
	return &prometheusCollector{
		transportTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_transport_calls_total",
				Help: "Total number of transport calls (hops), by method and status code",
			},
			[]string{"method", "status_code"},
		),
		transportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_transport_call_duration_seconds",
				Help:    "Duration of transport calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"method", "attempt"},
		),
		redirectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_redirects_total",
				Help: "Total number of followed redirects",
			},
			[]string{"status_code"},
		),
		cacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_cache_hits_total",
				Help: "Total number of responses served from the cache",
			},
			[]string{"method"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_errors_total",
				Help: "Total number of errors surfaced to callers, by kind and code",
			},
			[]string{"kind", "code"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}, nil
}

// observeTransport records one hop. status 0 means the hop failed before a
// response arrived.
func (c *prometheusCollector) observeTransport(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.transportTotal.WithLabelValues(method, code).Inc()
	c.transportDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *prometheusCollector) observeRetry(method string, attempt int) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(method, strconv.Itoa(attempt)).Inc()
}

func (c *prometheusCollector) observeRedirect(status int) {
	if c == nil {
		return
	}
	c.redirectsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (c *prometheusCollector) observeCacheHit(method string) {
	if c == nil {
		return
	}
	c.cacheHitsTotal.WithLabelValues(method).Inc()
}

func (c *prometheusCollector) observeError(err *RequestError) {
	if c == nil || err == nil {
		return
	}
	c.errorsTotal.WithLabelValues(err.Kind.String(), err.Code).Inc()
}

// setBreakerState follows gobreaker's numbering.
func (c *prometheusCollector) setBreakerState(name string, state gobreaker.State) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}
