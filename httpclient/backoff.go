package httpclient

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBackOffInitial = time.Second
	defaultBackOffFactor  = 2
	defaultBackOffCeiling = time.Hour
	defaultBackOffNoise   = 100 * time.Millisecond
)

var _ backoff.BackOff = (*noisyBackOff)(nil)

// noisyBackOff adds a uniformly distributed noise in [0, noise) to every
// interval of the wrapped backoff.
type noisyBackOff struct {
	backoff.BackOff
	noise time.Duration
}

func (b *noisyBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return next + randomBetween(0, b.noise)
}

// newDefaultBackOff yields 1s, 2s, 4s, ... plus up to 100ms of noise.
func newDefaultBackOff() backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     defaultBackOffInitial,
		RandomizationFactor: 0,
		Multiplier:          defaultBackOffFactor,
		MaxInterval:         defaultBackOffCeiling,
	}
	exp.Reset()
	return &noisyBackOff{BackOff: exp, noise: defaultBackOffNoise}
}

// ConstantBackOff returns a RetryOptions.BackOff factory producing d on every
// retry, without noise.
func ConstantBackOff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// ExponentialBackOff returns a RetryOptions.BackOff factory starting at
// initial and growing by multiplier, with the default noise.
func ExponentialBackOff(initial time.Duration, multiplier float64, ceiling time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		exp := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0,
			Multiplier:          multiplier,
			MaxInterval:         ceiling,
		}
		exp.Reset()
		return &noisyBackOff{BackOff: exp, noise: defaultBackOffNoise}
	}
}

// randomBetween returns a random duration in [minDur, maxDur).
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(rand.Int64N(int64(maxDur-minDur)))
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date relative to now.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}
