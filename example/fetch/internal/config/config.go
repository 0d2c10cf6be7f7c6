package config

const (
	// Target configuration
	DefaultTarget      = "https://httpbin.org"
	DefaultOptionsFile = "options.yaml"

	// Redis backs the shared breaker state and the response cache.
	RedisAddr = "localhost:6379"

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "courier-fetch-example"
	ServiceVersion = "0.1.0"

	// Operation intervals
	OperationInterval = 5 // seconds
)
