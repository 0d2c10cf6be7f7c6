package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kroma-labs/courier-go/example/fetch/internal/config"
	"github.com/kroma-labs/courier-go/example/fetch/internal/telemetry"
	"github.com/kroma-labs/courier-go/httpclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

type httpbinEcho struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	JSON    any               `json:"json"`
}

func main() {
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	shutdownTracing, shutdownMetrics, err := telemetry.Setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to setup OTel")
	}
	defer func() {
		_ = shutdownTracing(ctx)
		_ = shutdownMetrics(ctx)
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{Addr: config.MetricsPort, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting Prometheus metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	// 3. Build the client from the option file
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{config.RedisAddr}})
	defer rdb.Close()

	client, err := newClient(rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	defer client.CloseIdleConnections()

	// 4. Call the target in a loop
	tracer := otel.Tracer("example-app")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.OperationInterval) * time.Second)
	defer ticker.Stop()

	fmt.Println("Courier example app started!")
	fmt.Println("Prometheus metrics: http://localhost:2112/metrics")
	fmt.Println("Press Ctrl+C to stop...")

	for {
		select {
		case <-ticker.C:
			ctx, span := tracer.Start(ctx, "fetch-operations")
			runOperations(ctx, client, logger)
			span.End()

		case <-sigChan:
			fmt.Println("\nShutting down gracefully...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
			return
		}
	}
}

func newClient(rdb redis.UniversalClient, logger zerolog.Logger) (*httpclient.Client, error) {
	defaults := &httpclient.Options{PrefixURL: httpclient.String(config.DefaultTarget)}
	if data, err := os.ReadFile(config.DefaultOptionsFile); err == nil {
		defaults, err = httpclient.ParseOptionsYAML(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", config.DefaultOptionsFile, err)
		}
	} else {
		logger.Warn().Err(err).Msg("option file not found, using built-in defaults")
	}

	defaults.Cache = httpclient.NewRedisCache(rdb, "")
	defaults.Hooks.BeforeRequest = append(defaults.Hooks.BeforeRequest,
		httpclient.UserAgent(config.ServiceName+"/"+config.ServiceVersion),
		httpclient.CorrelationID("X-Request-ID"),
	)

	breaker := httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
	breaker.Timeout = 30 * time.Second

	return httpclient.New(
		httpclient.WithServiceName(config.ServiceName),
		httpclient.WithLogger(logger.Level(zerolog.DebugLevel)),
		httpclient.WithPrometheus(prometheus.DefaultRegisterer),
		httpclient.WithCircuitBreaker(breaker),
		httpclient.WithRateLimit(httpclient.DefaultRateLimitConfig()),
		httpclient.WithDefaults(defaults),
	)
}

func runOperations(ctx context.Context, client *httpclient.Client, logger zerolog.Logger) {
	var echo httpbinEcho
	if err := client.Get(ctx, "get", nil).JSON(&echo); err != nil {
		logger.Error().Err(err).Msg("GET failed")
	} else {
		logger.Info().Str("url", echo.URL).Str("request_id", echo.Headers["X-Request-Id"]).Msg("GET completed")
	}

	resp, err := client.Post(ctx, "post", &httpclient.Options{
		JSON: map[string]any{"sent_at": time.Now().Format(time.RFC3339)},
	}).Response()
	if err != nil {
		logger.Error().Err(err).Msg("POST failed")
	} else {
		logger.Info().Int("status", resp.StatusCode).Dur("total", resp.Timings().Phases.Total).Msg("POST completed")
	}

	// Retried on 503, then surfaced as an HTTP error.
	_, err = client.Get(ctx, "status/503", nil).Response()
	var rerr *httpclient.RequestError
	if errors.As(err, &rerr) {
		logger.Warn().
			Str("kind", rerr.Kind.String()).
			Str("code", rerr.Code).
			Msg("flaky endpoint failed after retries")
	}
}
