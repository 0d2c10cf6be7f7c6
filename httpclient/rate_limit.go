package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is the cause of hops rejected by the client side rate
// limiter. The RequestError carries code ERATELIMITED.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitConfig configures client side rate limiting of hops. Redirect
// hops and retries consume tokens like any other hop.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. <= 0 disables limiting.
	RequestsPerSecond float64

	// Burst is the number of hops allowed above the rate at once.
	Burst int

	// WaitOnLimit waits for a token, bounded by the hop's context, instead
	// of failing with ErrRateLimited.
	WaitOnLimit bool

	// PerHost keeps one limiter per host instead of one for the client.
	PerHost bool
}

// DefaultRateLimitConfig returns 100 requests per second with a burst of 10,
// waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// RateLimiterStats is a snapshot of a limiter.
type RateLimiterStats struct {
	Limit           float64
	Burst           int
	TokensAvailable float64
}

type transportLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTransportLimiter(cfg RateLimitConfig) *transportLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &transportLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (l *transportLimiter) limiter(host string) *rate.Limiter {
	if !l.cfg.PerHost {
		host = ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.limiters[host] = lim
	}
	return lim
}

func (l *transportLimiter) wrap(next TransportFunc) TransportFunc {
	if l == nil {
		return next
	}
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		lim := l.limiter(req.URL.Host)
		if !l.cfg.WaitOnLimit {
			if !lim.Allow() {
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.URL.Host)
			}
			return next(ctx, req)
		}
		if err := waitReservation(ctx, lim); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// waitReservation blocks until lim grants a token or ctx ends. A caller
// deadline shorter than the wait surfaces as the context's cause once it
// fires, so it is reported as a cancellation rather than a rate limit.
func waitReservation(ctx context.Context, lim *rate.Limiter) error {
	res := lim.Reserve()
	if !res.OK() {
		return fmt.Errorf("%w: burst %d exceeded", ErrRateLimited, lim.Burst())
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return context.Cause(ctx)
	}
}

// stats returns the limiter state for host ("" for the client wide limiter).
func (l *transportLimiter) stats(host string) RateLimiterStats {
	if l == nil {
		return RateLimiterStats{}
	}
	lim := l.limiter(host)
	return RateLimiterStats{
		Limit:           float64(lim.Limit()),
		Burst:           lim.Burst(),
		TokensAvailable: lim.Tokens(),
	}
}
