package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope name for OpenTelemetry.
const scope = "github.com/kroma-labs/courier-go/httpclient"

// =============================================================================
// TransportConfig - connection pool configuration
// =============================================================================

// TransportConfig tunes the pooled transports every hop is dispatched to when
// no custom transport or agent is configured. Per-request deadlines are not
// part of it; they live in Options.Timeout.
//
// Example:
//
//	cfg := httpclient.DefaultTransportConfig()
//	cfg.MaxIdleConnsPerHost = 50
//
//	client, err := httpclient.New(httpclient.WithTransportConfig(cfg))
type TransportConfig struct {
	// MaxIdleConns caps idle keep-alive connections across all hosts.
	//
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle keep-alive connections per host. If you
	// mostly call one service, set it close to MaxIdleConns.
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps idle plus active connections per host. 0 means
	// unlimited.
	//
	// Default: 100
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled. Keep it
	// below the idle timeout of the load balancer in front of the server to
	// avoid ECONNRESET on reuse.
	//
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake at the pool level. The
	// secureConnect phase timeout of a request is usually tighter.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// ExpectContinueTimeout is the wait for "100 Continue" when the request
	// carries "expect: 100-continue".
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// DialTimeout bounds the TCP connect at the pool level.
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 Happy Eyeballs delay. Negative disables
	// it.
	//
	// Default: 300ms
	FallbackDelay time.Duration

	// WriteBufferSize and ReadBufferSize size the per-connection buffers.
	//
	// Default: 64KB
	WriteBufferSize int
	ReadBufferSize  int

	// MaxResponseHeaderBytes limits response header size. 0 uses the net/http
	// default.
	MaxResponseHeaderBytes int64

	// DisableKeepAlives forces a new connection per hop.
	DisableKeepAlives bool
}

// DefaultTransportConfig returns a balanced pool configuration suitable for
// typical service to service traffic.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialTimeout:           5 * time.Second,
		KeepAlive:             30 * time.Second,
		FallbackDelay:         300 * time.Millisecond,
		WriteBufferSize:       64 * 1024,
		ReadBufferSize:        64 * 1024,
	}
}

// HighThroughputTransportConfig favors many concurrent requests to the same
// hosts: larger pools, unlimited connections per host and bigger buffers.
//
// Best for gateways and batch pipelines.
func HighThroughputTransportConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.MaxIdleConns = 500
	cfg.MaxIdleConnsPerHost = 100
	cfg.MaxConnsPerHost = 0
	cfg.IdleConnTimeout = 120 * time.Second
	cfg.WriteBufferSize = 128 * 1024
	cfg.ReadBufferSize = 128 * 1024
	return cfg
}

// LowLatencyTransportConfig fails fast on connection setup. Pair it with
// tight Options.Timeout phases.
func LowLatencyTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   25,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 500 * time.Millisecond,
		DialTimeout:           2 * time.Second,
		KeepAlive:             15 * time.Second,
		FallbackDelay:         150 * time.Millisecond,
		WriteBufferSize:       32 * 1024,
		ReadBufferSize:        32 * 1024,
	}
}

// ConservativeTransportConfig keeps few connections and small buffers, for
// memory constrained processes or many client instances.
func ConservativeTransportConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.MaxIdleConns = 20
	cfg.MaxIdleConnsPerHost = 5
	cfg.MaxConnsPerHost = 20
	cfg.IdleConnTimeout = 30 * time.Second
	cfg.WriteBufferSize = 4 * 1024
	cfg.ReadBufferSize = 4 * 1024
	return cfg
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig is the client wide configuration shared by a Client and
// every instance derived from it through Extend.
type internalConfig struct {
	transport TransportConfig

	logger zerolog.Logger

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *metrics
	propagators    propagation.TextMapPropagator
	filters        []Filter

	serviceName string

	tlsConfig            *tls.Config
	proxyURL             *url.URL
	proxyFromEnvironment bool

	breakerConfig   *BreakerConfig
	rateLimitConfig *RateLimitConfig
	registerer      prometheus.Registerer

	mock  *MockTransport
	chaos *ChaosConfig

	defaults        *Options
	handlers        []Handler
	mutableDefaults bool

	// Built by newConfig.
	pool       *transportPool
	breaker    *transportBreaker
	limiter    *transportLimiter
	prometheus *prometheusCollector
}

// newConfig applies opts over the defaults and builds the shared runtime
// pieces (pools, breaker, limiter, instruments).
func newConfig(opts ...Option) (*internalConfig, error) {
	cfg := &internalConfig{
		transport:            DefaultTransportConfig(),
		logger:               zerolog.Nop(),
		tracerProvider:       otel.GetTracerProvider(),
		meterProvider:        otel.GetMeterProvider(),
		proxyFromEnvironment: true,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.propagators == nil {
		cfg.propagators = propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)
	}
	cfg.tracer = cfg.tracerProvider.Tracer(scope)

	m, err := newMetrics(cfg.meterProvider.Meter(scope))
	if err != nil {
		return nil, err
	}
	cfg.metrics = m

	if cfg.registerer != nil {
		collector, err := newPrometheusCollector(cfg.registerer)
		if err != nil {
			return nil, err
		}
		cfg.prometheus = collector
	}

	cfg.pool = newTransportPool(cfg)
	cfg.breaker = newTransportBreaker(cfg)
	if cfg.rateLimitConfig != nil {
		cfg.limiter = newTransportLimiter(*cfg.rateLimitConfig)
	}
	return cfg, nil
}

// breakerName identifies the client in breaker state and metrics.
func (cfg *internalConfig) breakerName() string {
	if cfg.serviceName != "" {
		return cfg.serviceName
	}
	return "courier-http-client"
}

// baseAttributes returns the attributes shared by all spans and metrics of
// the client.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	if cfg.serviceName == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String("http.client.name", cfg.serviceName)}
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Filter reports whether a hop should be traced. All filters must return
// true for a span to be started.
type Filter func(r *http.Request) bool

// Option configures a Client.
type Option func(*internalConfig)

// WithTransportConfig sets the pooled transport configuration.
//
// Example:
//
//	client, err := httpclient.New(
//	    httpclient.WithTransportConfig(httpclient.HighThroughputTransportConfig()),
//	)
func WithTransportConfig(c TransportConfig) Option {
	return func(cfg *internalConfig) {
		cfg.transport = c
	}
}

// WithLogger sets the logger used for lifecycle events. The default discards
// everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.logger = logger
	}
}

// WithDebug switches the logger to a timestamped stdout logger at debug
// level when enabled.
func WithDebug(enabled bool) Option {
	return func(cfg *internalConfig) {
		if enabled {
			cfg.logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.DebugLevel)
		}
	}
}

// WithServiceName sets the "http.client.name" attribute on spans and
// metrics and names the circuit breaker.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.serviceName = name
	}
}

// WithTracerProvider sets the TracerProvider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.tracerProvider = tp
	}
}

// WithMeterProvider sets the MeterProvider. The global provider is used
// otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.meterProvider = mp
	}
}

// WithPropagators sets the propagators used to inject trace context into
// outgoing headers. Default: W3C TraceContext and Baggage.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.propagators = p
	}
}

// WithFilter adds a tracing filter.
//
// Example - skip health checks:
//
//	httpclient.WithFilter(func(r *http.Request) bool {
//	    return !strings.HasPrefix(r.URL.Path, "/health")
//	})
func WithFilter(f Filter) Option {
	return func(cfg *internalConfig) {
		cfg.filters = append(cfg.filters, f)
	}
}

// WithPrometheus registers a Prometheus collector for the request lifecycle
// on reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(cfg *internalConfig) {
		cfg.registerer = reg
	}
}

// WithCircuitBreaker guards every hop with a circuit breaker. Use
// DistributedBreakerConfig to share its state through Redis.
func WithCircuitBreaker(c BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.breakerConfig = &c
	}
}

// WithRateLimit limits the rate of hops issued by the client.
func WithRateLimit(c RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.rateLimitConfig = &c
	}
}

// WithTLSConfig sets the base TLS configuration of pooled transports.
// Options.RejectUnauthorized=false is applied on a copy of it.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.tlsConfig = tlsCfg
	}
}

// WithProxyURL routes pooled transports through proxyURL instead of the
// proxy environment variables.
func WithProxyURL(proxyURL *url.URL) Option {
	return func(cfg *internalConfig) {
		cfg.proxyURL = proxyURL
		cfg.proxyFromEnvironment = false
	}
}

// WithProxyFromEnvironment toggles HTTP_PROXY, HTTPS_PROXY and NO_PROXY
// handling. Default: true.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.proxyFromEnvironment = enabled
	}
}

// WithDefaults sets the request defaults of the instance. They are
// normalized over the built-in defaults when the client is created.
func WithDefaults(opts *Options) Option {
	return func(cfg *internalConfig) {
		cfg.defaults = opts
	}
}

// WithHandlers appends handlers to the instance pipeline.
func WithHandlers(handlers ...Handler) Option {
	return func(cfg *internalConfig) {
		cfg.handlers = append(cfg.handlers, handlers...)
	}
}

// WithMutableDefaults lets callers mutate the instance defaults returned by
// Client.Defaults in place.
func WithMutableDefaults(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.mutableDefaults = enabled
	}
}

// WithMockTransport dispatches every hop to mock instead of the network.
// Custom Options.Request transports still take precedence.
func WithMockTransport(mock *MockTransport) Option {
	return func(cfg *internalConfig) {
		cfg.mock = mock
	}
}

// WithChaos injects latency and faults under every hop. Meant for
// development and resilience tests.
func WithChaos(c ChaosConfig) Option {
	return func(cfg *internalConfig) {
		cfg.chaos = &c
	}
}
