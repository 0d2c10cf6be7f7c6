package httpclient

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrChaosInjected is the cause of network failures injected by
// WithChaos. It wraps ECONNRESET, so the default retry policy retries it.
var ErrChaosInjected = &chaosError{}

type chaosError struct{}

func (*chaosError) Error() string { return "chaos: simulated connection reset" }
func (*chaosError) Unwrap() error { return syscall.ECONNRESET }

// ChaosConfig injects faults under every hop, below the circuit breaker,
// the rate limiter and the cache. Use it to exercise retries, timeouts and
// breakers in development:
//
//	client, _ := httpclient.New(httpclient.WithChaos(httpclient.ChaosConfig{
//	    Latency:   200 * time.Millisecond,
//	    ErrorRate: 0.1,
//	}))
type ChaosConfig struct {
	// Latency delays every hop.
	Latency time.Duration
	// LatencyJitter adds a random delay in [0, LatencyJitter).
	LatencyJitter time.Duration
	// ErrorRate is the probability of failing a hop with ErrChaosInjected.
	ErrorRate float64
	// TimeoutRate is the probability of stalling a hop until it is canceled
	// or its timeout fires.
	TimeoutRate float64
	// StatusRate is the probability of answering with Status instead of
	// reaching the server.
	StatusRate float64
	// Status defaults to 503.
	Status int
}

// Delay returns the latency of one hop, jitter included.
func (c ChaosConfig) Delay() time.Duration {
	delay := c.Latency
	if c.LatencyJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(c.LatencyJitter))) //nolint:gosec
	}
	return delay
}

func roll(rate float64) bool {
	return rate > 0 && rand.Float64() < rate //nolint:gosec
}

// withChaos wraps next with the configured faults. Stalls and errors are
// decided before the latency is applied.
func withChaos(c ChaosConfig, next TransportFunc) TransportFunc {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if roll(c.TimeoutRate) {
			<-ctx.Done()
			return nil, context.Cause(ctx)
		}
		if roll(c.ErrorRate) {
			return nil, &net.OpError{Op: "read", Net: "tcp", Err: ErrChaosInjected}
		}

		if delay := c.Delay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, context.Cause(ctx)
			}
		}

		if roll(c.StatusRate) {
			status := c.Status
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			return MockResponse{StatusCode: status}.build(req), nil
		}
		return next(ctx, req)
	}
}
