package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newBenchServer(b *testing.B, body string) *httptest.Server {
	b.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}))
	b.Cleanup(ts.Close)
	return ts
}

func newBenchClient(b *testing.B, opts ...Option) *Client {
	b.Helper()
	opts = append([]Option{
		WithTracerProvider(tracenoop.NewTracerProvider()),
		WithMeterProvider(noop.NewMeterProvider()),
	}, opts...)
	client, err := New(opts...)
	if err != nil {
		b.Fatalf("new client: %v", err)
	}
	b.Cleanup(client.CloseIdleConnections)
	return client
}

func runGetBenchmark(b *testing.B, client *Client, url string) {
	b.Helper()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if _, err := client.Get(ctx, url, nil).Bytes(); err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
	}
}

// BenchmarkStandardClient is the net/http baseline.
func BenchmarkStandardClient(b *testing.B) {
	ts := newBenchServer(b, "ok")
	client := ts.Client()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
		resp, err := client.Do(req)
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

func BenchmarkClient_Default(b *testing.B) {
	ts := newBenchServer(b, "ok")
	runGetBenchmark(b, newBenchClient(b), ts.URL)
}

func BenchmarkClient_WithBreaker(b *testing.B) {
	ts := newBenchServer(b, "ok")
	runGetBenchmark(b, newBenchClient(b, WithCircuitBreaker(DefaultBreakerConfig())), ts.URL)
}

func BenchmarkClient_WithRateLimit(b *testing.B) {
	ts := newBenchServer(b, "ok")
	client := newBenchClient(b, WithRateLimit(RateLimitConfig{
		RequestsPerSecond: 1e9,
		Burst:             1e6,
		WaitOnLimit:       true,
	}))
	runGetBenchmark(b, client, ts.URL)
}

func BenchmarkClient_WithHooks(b *testing.B) {
	ts := newBenchServer(b, "ok")
	client := newBenchClient(b, WithDefaults(&Options{
		Hooks: Hooks{
			BeforeRequest: []BeforeRequestHook{
				BearerToken("token"),
				APIKey("X-API-Key", "key"),
				CorrelationID("X-Request-ID"),
				UserAgent("bench/1.0"),
			},
		},
	}))
	runGetBenchmark(b, client, ts.URL)
}

func BenchmarkClient_JSON(b *testing.B) {
	ts := newBenchServer(b, `{"id":1,"name":"courier","tags":["a","b","c"]}`)
	client := newBenchClient(b)
	ctx := context.Background()

	type payload struct {
		ID   int      `json:"id"`
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		var p payload
		if err := client.Get(ctx, ts.URL, nil).JSON(&p); err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
	}
}

func BenchmarkClient_Mock(b *testing.B) {
	mock := NewMockTransport().StubResponse(http.StatusOK, "ok")
	runGetBenchmark(b, newBenchClient(b, WithMockTransport(mock)), "https://bench.example.com/")
}

func BenchmarkClient_FullChain(b *testing.B) {
	ts := newBenchServer(b, "ok")
	client := newBenchClient(b,
		WithCircuitBreaker(DefaultBreakerConfig()),
		WithRateLimit(RateLimitConfig{RequestsPerSecond: 1e9, Burst: 1e6, WaitOnLimit: true}),
		WithDefaults(&Options{
			Retry: RetryLimit(2),
			Hooks: Hooks{BeforeRequest: []BeforeRequestHook{CorrelationID("X-Request-ID")}},
		}),
	)
	runGetBenchmark(b, client, ts.URL)
}

func BenchmarkNormalize(b *testing.B) {
	defaults := DefaultOptions()
	opts := &Options{
		PrefixURL:    String("https://api.example.com/v1"),
		Headers:      map[string]string{"X-Trace": "1"},
		SearchParams: map[string]any{"page": 2, "q": "courier"},
		Retry:        RetryLimit(3),
	}

	b.ReportAllocs()
	for b.Loop() {
		if _, err := Normalize("users", opts, defaults); err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
	}
}
