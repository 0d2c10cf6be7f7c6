package httpclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeter(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return mp, reader
}

// collectMetric returns the named metric, failing the test when absent.
func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not collected", name)
	return metricdata.Metrics{}
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is %T", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func histogramCount(t *testing.T, m metricdata.Metrics) uint64 {
	t.Helper()
	var total uint64
	switch h := m.Data.(type) {
	case metricdata.Histogram[float64]:
		for _, dp := range h.DataPoints {
			total += dp.Count
		}
	case metricdata.Histogram[int64]:
		for _, dp := range h.DataPoints {
			total += dp.Count
		}
	default:
		t.Fatalf("metric %q is %T", m.Name, m.Data)
	}
	return total
}

func TestNewMetrics(t *testing.T) {
	mp, _ := newTestMeter(t)

	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	assert.NotNil(t, m.requestDuration)
	assert.NotNil(t, m.requestBodySize)
	assert.NotNil(t, m.responseBodySize)
	assert.NotNil(t, m.activeRequests)
	assert.NotNil(t, m.requestErrors)
	assert.NotNil(t, m.dnsDuration)
	assert.NotNil(t, m.connectDuration)
	assert.NotNil(t, m.tlsDuration)
	assert.NotNil(t, m.ttfb)
	assert.NotNil(t, m.retryAttempts)
	assert.NotNil(t, m.retryExhausted)
	assert.NotNil(t, m.redirects)
	assert.NotNil(t, m.cacheHits)
}

func TestMetrics_Record(t *testing.T) {
	attrs := []attribute.KeyValue{attribute.String("http.client.name", "billing")}

	tests := []struct {
		name   string
		record func(ctx context.Context, m *metrics)
		metric string
		check  func(t *testing.T, m metricdata.Metrics)
	}{
		{
			name: "given request durations, then records a histogram",
			record: func(ctx context.Context, m *metrics) {
				m.recordRequestDuration(ctx, 120*time.Millisecond, attrs)
				m.recordRequestDuration(ctx, 30*time.Millisecond, attrs)
			},
			metric: "http.client.request.duration",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Equal(t, uint64(2), histogramCount(t, m))
				assert.Equal(t, "s", m.Unit)
			},
		},
		{
			name: "given body sizes, then records them in bytes",
			record: func(ctx context.Context, m *metrics) {
				m.recordRequestBodySize(ctx, 512, attrs)
			},
			metric: "http.client.request.body.size",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Equal(t, uint64(1), histogramCount(t, m))
				assert.Equal(t, "By", m.Unit)
			},
		},
		{
			name: "given balanced active request deltas, then nets to zero",
			record: func(ctx context.Context, m *metrics) {
				m.recordActiveRequest(ctx, 1, attrs)
				m.recordActiveRequest(ctx, 1, attrs)
				m.recordActiveRequest(ctx, -1, attrs)
				m.recordActiveRequest(ctx, -1, attrs)
			},
			metric: "http.client.active_requests",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Zero(t, sumValue(t, m))
			},
		},
		{
			name: "given errors, then counts them by type",
			record: func(ctx context.Context, m *metrics) {
				m.recordError(ctx, CodeConnReset, attrs)
				m.recordError(ctx, CodeTimedOut, attrs)
			},
			metric: "http.client.request.error",
			check: func(t *testing.T, m metricdata.Metrics) {
				sum := m.Data.(metricdata.Sum[int64])
				assert.Len(t, sum.DataPoints, 2)
				for _, dp := range sum.DataPoints {
					v, ok := dp.Attributes.Value("error.type")
					assert.True(t, ok)
					assert.Contains(t, []string{CodeConnReset, CodeTimedOut}, v.AsString())
				}
			},
		},
		{
			name: "given connection phases, then records each",
			record: func(ctx context.Context, m *metrics) {
				m.recordDNSDuration(ctx, time.Millisecond, attrs)
				m.recordConnectDuration(ctx, time.Millisecond, attrs)
				m.recordTLSDuration(ctx, time.Millisecond, attrs)
				m.recordTTFB(ctx, time.Millisecond, attrs)
			},
			metric: "http.client.tls.duration",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Equal(t, uint64(1), histogramCount(t, m))
			},
		},
		{
			name: "given retries, then counts attempts",
			record: func(ctx context.Context, m *metrics) {
				m.recordRetry(ctx, 1, attrs)
				m.recordRetry(ctx, 2, attrs)
				m.recordRetryExhausted(ctx, attrs)
			},
			metric: "http.client.retry.attempts",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Equal(t, int64(2), sumValue(t, m))
			},
		},
		{
			name: "given redirects and cache hits, then counts them",
			record: func(ctx context.Context, m *metrics) {
				m.recordRedirect(ctx, http.StatusFound, attrs)
				m.recordCacheHit(ctx, attrs)
			},
			metric: "http.client.redirects",
			check: func(t *testing.T, m metricdata.Metrics) {
				assert.Equal(t, int64(1), sumValue(t, m))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, reader := newTestMeter(t)
			m, err := newMetrics(mp.Meter("test"))
			require.NoError(t, err)

			tt.record(context.Background(), m)
			tt.check(t, collectMetric(t, reader, tt.metric))
		})
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.recordRequestDuration(ctx, time.Second, nil)
		m.recordRequestBodySize(ctx, 1, nil)
		m.recordResponseBodySize(ctx, 1, nil)
		m.recordActiveRequest(ctx, 1, nil)
		m.recordError(ctx, "x", nil)
		m.recordDNSDuration(ctx, time.Second, nil)
		m.recordConnectDuration(ctx, time.Second, nil)
		m.recordTLSDuration(ctx, time.Second, nil)
		m.recordTTFB(ctx, time.Second, nil)
		m.recordRetry(ctx, 1, nil)
		m.recordRetryExhausted(ctx, nil)
		m.recordRedirect(ctx, http.StatusFound, nil)
		m.recordCacheHit(ctx, nil)
	})
}

func TestClient_LifecycleMetrics(t *testing.T) {
	mp, reader := newTestMeter(t)
	mock := NewMockTransport().
		StubRedirect("/old", http.StatusMovedPermanently, "/flaky").
		StubSequence("/flaky",
			MockResponse{StatusCode: http.StatusServiceUnavailable},
			MockResponse{StatusCode: http.StatusOK, Body: "ok"},
		)
	client := newTestClient(t,
		WithMockTransport(mock),
		WithMeterProvider(mp),
		WithServiceName("billing"),
	)

	_, err := client.Get(context.Background(), "https://example.com/old", &Options{Retry: fastRetry(2)}).Response()
	require.NoError(t, err)

	assert.Equal(t, int64(1), sumValue(t, collectMetric(t, reader, "http.client.retry.attempts")))
	assert.Equal(t, int64(2), sumValue(t, collectMetric(t, reader, "http.client.redirects")))
	assert.Equal(t, uint64(4), histogramCount(t, collectMetric(t, reader, "http.client.request.duration")))
}
