package httpclient

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10}
	phaseBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{0, 100, 1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024}
)

// metrics holds the OpenTelemetry instruments of the request lifecycle. All
// record methods are no-ops on a nil receiver.
type metrics struct {
	// Per transport call.
	requestDuration  metric.Float64Histogram
	requestBodySize  metric.Int64Histogram
	responseBodySize metric.Int64Histogram
	activeRequests   metric.Int64UpDownCounter
	requestErrors    metric.Int64Counter

	// Per connection phase.
	dnsDuration     metric.Float64Histogram
	connectDuration metric.Float64Histogram
	tlsDuration     metric.Float64Histogram
	ttfb            metric.Float64Histogram

	// Per logical request.
	retryAttempts  metric.Int64Counter
	retryExhausted metric.Int64Counter
	redirects      metric.Int64Counter
	cacheHits      metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var errs []error

	seconds := func(name, desc string, buckets []float64) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		errs = append(errs, err)
		return h
	}
	bytesHist := func(name, desc string) metric.Int64Histogram {
		h, err := meter.Int64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("By"),
			metric.WithExplicitBucketBoundaries(sizeBuckets...),
		)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m.requestDuration = seconds("http.client.request.duration",
		"Duration of HTTP client transport calls in seconds", latencyBuckets)
	m.requestBodySize = bytesHist("http.client.request.body.size",
		"Size of HTTP client request bodies in bytes")
	m.responseBodySize = bytesHist("http.client.response.body.size",
		"Size of HTTP client response bodies in bytes")

	active, err := meter.Int64UpDownCounter("http.client.active_requests",
		metric.WithDescription("Number of in-flight HTTP client transport calls"),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)
	m.activeRequests = active

	m.requestErrors = counter("http.client.request.error",
		"Number of failed HTTP client requests", "{error}")

	m.dnsDuration = seconds("http.client.dns.duration", "DNS lookup duration in seconds", phaseBuckets)
	m.connectDuration = seconds("http.client.connection.duration",
		"Time to establish HTTP connection in seconds", phaseBuckets)
	m.tlsDuration = seconds("http.client.tls.duration", "TLS handshake duration in seconds", phaseBuckets)
	m.ttfb = seconds("http.client.ttfb", "Time to first response byte in seconds", latencyBuckets)

	m.retryAttempts = counter("http.client.retry.attempts",
		"Number of retries scheduled by the client", "{attempt}")
	m.retryExhausted = counter("http.client.retry.exhausted",
		"Number of requests rejected after at least one retry", "{request}")
	m.redirects = counter("http.client.redirects",
		"Number of redirects followed", "{redirect}")
	m.cacheHits = counter("http.client.cache.hits",
		"Number of responses served from the response cache", "{response}")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func withExtra(attrs []attribute.KeyValue, extra ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	all = append(all, attrs...)
	all = append(all, extra...)
	return metric.WithAttributes(all...)
}

func (m *metrics) recordRequestDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordRequestBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.requestBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

func (m *metrics) recordResponseBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.responseBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveRequest(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, delta, metric.WithAttributes(attrs...))
}

func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.requestErrors.Add(ctx, 1, withExtra(attrs, attribute.String("error.type", errorType)))
}

func (m *metrics) recordDNSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.dnsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordConnectDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.connectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordTLSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.tlsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordTTFB(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.ttfb.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordRetry(ctx context.Context, attempt int, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1, withExtra(attrs, attribute.Int("retry.attempt", attempt)))
}

func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordRedirect(ctx context.Context, status int, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.redirects.Add(ctx, 1, withExtra(attrs, attribute.Int("http.response.status_code", status)))
}

func (m *metrics) recordCacheHit(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}
