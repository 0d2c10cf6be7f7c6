package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// ErrCircuitOpen is the cause of hops rejected by an open or saturated
// half-open circuit breaker. The RequestError carries code ECIRCUITOPEN.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewRedisStore returns a SharedDataStore backed by Redis so that breaker
// state is shared by every process talking to the same host.
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// BreakerClassifier reports whether a hop outcome counts as a failure.
type BreakerClassifier func(resp *http.Response, err error) bool

// BreakerConfig configures the per-host circuit breaker.
//
// Closed lets hops through, Open rejects them with ErrCircuitOpen, HalfOpen
// lets MaxRequests probes through to test recovery.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period after which the closed state clears its
	// counts. 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests in the interval
	// before FailureRatio is considered.
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached (0.0 - 1.0).
	FailureRatio float64

	// ConsecutiveFailures trips the breaker once reached. 0 disables the rule.
	ConsecutiveFailures uint32

	// Store shares state between processes. nil keeps it in memory.
	Store gobreaker.SharedDataStore

	// Classifier decides which outcomes are failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns an in-memory breaker that trips after 5
// consecutive failures, or at 50% failures over at least 20 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig with state shared
// through store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts network failures and 5xx responses. 429
// is left to the retry policy, and cancellations by the caller never count.
func DefaultBreakerClassifier(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) || errorCode(err) != ""
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

// hopBreaker is the subset shared by the local and distributed breakers.
type hopBreaker interface {
	Execute(req func() (*http.Response, error)) (*http.Response, error)
}

// errCountedFailure marks responses the classifier counted as failures. It
// never leaves the breaker layer.
var errCountedFailure = errors.New("counted failure")

// transportBreaker keeps one breaker per host.
type transportBreaker struct {
	cfg      *internalConfig
	settings BreakerConfig

	mu       sync.Mutex
	breakers map[string]hopBreaker
}

func newTransportBreaker(cfg *internalConfig) *transportBreaker {
	if cfg.breakerConfig == nil {
		return nil
	}
	settings := *cfg.breakerConfig
	if settings.Classifier == nil {
		settings.Classifier = DefaultBreakerClassifier
	}
	return &transportBreaker{
		cfg:      cfg,
		settings: settings,
		breakers: make(map[string]hopBreaker),
	}
}

func (b *transportBreaker) wrap(next TransportFunc) TransportFunc {
	if b == nil {
		return next
	}
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		var (
			classified *http.Response
			ignored    error
		)
		resp, err := b.forHost(req.URL.Host).Execute(func() (*http.Response, error) {
			resp, err := next(ctx, req) //nolint:bodyclose // returned to the caller
			if b.settings.Classifier(resp, err) {
				if err != nil {
					return nil, err
				}
				classified = resp
				return resp, errCountedFailure
			}
			// Errors the classifier ignores must not count against the host.
			ignored = err
			return resp, nil
		})
		switch {
		case ignored != nil:
			return nil, ignored
		case errors.Is(err, errCountedFailure):
			return classified, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, req.URL.Host, err)
		}
		return resp, err
	}
}

func (b *transportBreaker) forHost(host string) hopBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[host]; ok {
		return cb
	}
	cb := b.build(b.cfg.breakerName() + ":" + host)
	b.breakers[host] = cb
	return cb
}

func (b *transportBreaker) build(name string) hopBreaker {
	s := b.settings
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if s.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= s.ConsecutiveFailures {
				return true
			}
			if s.FailureThreshold > 0 && counts.Requests < s.FailureThreshold {
				return false
			}
			return s.FailureRatio > 0 && counts.Requests > 0 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.cfg.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			b.cfg.prometheus.setBreakerState(name, to)
			if s.OnStateChange != nil {
				s.OnStateChange(name, from, to)
			}
		},
	}

	if s.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](s.Store, st)
		if err == nil {
			return dcb
		}
		// A local breaker still protects this process.
		b.cfg.logger.Warn().Err(err).Str("breaker", name).Msg("distributed circuit breaker unavailable, using local state")
	}
	return gobreaker.NewCircuitBreaker[*http.Response](st)
}
