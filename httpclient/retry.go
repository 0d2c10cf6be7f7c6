package httpclient

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryObject is passed to a RetryFunc when a failed attempt is evaluated.
type RetryObject struct {
	// AttemptCount is the number of the retry being considered, starting at 1.
	AttemptCount int
	RetryOptions RetryPolicy
	Error        *RequestError
	// ComputedValue is the delay proposed by the default policy; 0 means the
	// default policy would not retry.
	ComputedValue time.Duration
}

// RetryFunc returns the delay before the next attempt. A value <= 0 stops
// retrying.
type RetryFunc func(RetryObject) time.Duration

// RetryOptions is the partial retry policy of Options. Nil fields and empty
// lists inherit from the defaults.
type RetryOptions struct {
	Limit          *int
	Methods        []string
	StatusCodes    []int
	ErrorCodes     []string
	CalculateDelay RetryFunc
	// MaxRetryAfter caps the honored Retry-After value. Retry-After values
	// above it disable the retry.
	MaxRetryAfter *time.Duration
	// BackOff builds the source of the exponential delays for one logical
	// request.
	BackOff func() backoff.BackOff
}

// RetryLimit is the shorthand for a policy that only sets the limit.
func RetryLimit(n int) *RetryOptions {
	return &RetryOptions{Limit: Int(n)}
}

func (r *RetryOptions) clone() *RetryOptions {
	c := *r
	c.Methods = slices.Clone(r.Methods)
	c.StatusCodes = slices.Clone(r.StatusCodes)
	c.ErrorCodes = slices.Clone(r.ErrorCodes)
	return &c
}

// RetryPolicy is the resolved retry policy of NormalizedOptions.
type RetryPolicy struct {
	Limit          int
	Methods        []string
	StatusCodes    []int
	ErrorCodes     []string
	CalculateDelay RetryFunc
	// MaxRetryAfter of 0 means no ceiling.
	MaxRetryAfter time.Duration
	BackOff       func() backoff.BackOff
}

// DefaultRetryPolicy returns the built-in policy: two retries of idempotent
// methods on transient statuses and network errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit: 2,
		Methods: []string{
			http.MethodGet,
			http.MethodPut,
			http.MethodHead,
			http.MethodDelete,
			http.MethodOptions,
			http.MethodTrace,
		},
		StatusCodes: []int{408, 413, 429, 500, 502, 503, 504, 521, 522, 524},
		ErrorCodes: []string{
			CodeTimedOut,
			CodeConnReset,
			CodeAddrInUse,
			CodeConnRefused,
			CodeBrokenPipe,
			CodeNotFound,
			CodeNetUnreach,
			CodeDNSAgain,
		},
		CalculateDelay: func(o RetryObject) time.Duration { return o.ComputedValue },
		BackOff:        newDefaultBackOff,
	}
}

func (p RetryPolicy) clone() RetryPolicy {
	p.Methods = slices.Clone(p.Methods)
	p.StatusCodes = slices.Clone(p.StatusCodes)
	p.ErrorCodes = slices.Clone(p.ErrorCodes)
	return p
}

func (p RetryPolicy) merge(o *RetryOptions) RetryPolicy {
	p = p.clone()
	if o == nil {
		return p
	}
	if o.Limit != nil {
		p.Limit = max(*o.Limit, 0)
	}
	if len(o.Methods) > 0 {
		p.Methods = make([]string, len(o.Methods))
		for i, m := range o.Methods {
			p.Methods[i] = strings.ToUpper(m)
		}
	}
	if len(o.StatusCodes) > 0 {
		p.StatusCodes = slices.Clone(o.StatusCodes)
	}
	if len(o.ErrorCodes) > 0 {
		p.ErrorCodes = slices.Clone(o.ErrorCodes)
	}
	if o.CalculateDelay != nil {
		p.CalculateDelay = o.CalculateDelay
	}
	if o.MaxRetryAfter != nil {
		p.MaxRetryAfter = max(*o.MaxRetryAfter, 0)
	}
	if o.BackOff != nil {
		p.BackOff = o.BackOff
	}
	return p
}

func (p RetryPolicy) options() *RetryOptions {
	maxRetryAfter := p.MaxRetryAfter
	return &RetryOptions{
		Limit:          Int(p.Limit),
		Methods:        slices.Clone(p.Methods),
		StatusCodes:    slices.Clone(p.StatusCodes),
		ErrorCodes:     slices.Clone(p.ErrorCodes),
		CalculateDelay: p.CalculateDelay,
		MaxRetryAfter:  &maxRetryAfter,
		BackOff:        p.BackOff,
	}
}

// computeRetryDelay is the default policy's proposal for retry attemptCount.
// b supplies the exponential part and advances on every retryable error.
func computeRetryDelay(attemptCount int, policy RetryPolicy, err *RequestError, b backoff.BackOff) time.Duration {
	if err == nil || attemptCount > policy.Limit {
		return 0
	}
	if err.Kind == KindParse || err.Kind == KindCancel {
		return 0
	}

	method := ""
	if err.Options != nil {
		method = err.Options.Method
	}
	if !slices.Contains(policy.Methods, method) {
		return 0
	}

	status := 0
	if err.Response != nil {
		status = err.Response.StatusCode
	}
	hasCode := err.Code != "" && slices.Contains(policy.ErrorCodes, err.Code)
	hasStatus := status != 0 && slices.Contains(policy.StatusCodes, status)
	if !hasCode && !hasStatus {
		return 0
	}

	if err.Response != nil {
		if header := err.Response.Header.Get("Retry-After"); header != "" {
			after, ok := parseRetryAfter(header, time.Now())
			if ok {
				if policy.MaxRetryAfter > 0 && after > policy.MaxRetryAfter {
					return 0
				}
				// A zero Retry-After still means "retry now".
				return max(after, time.Millisecond)
			}
		}
		if status == http.StatusRequestEntityTooLarge {
			return 0
		}
	}

	if b == nil {
		b = newDefaultBackOff()
	}
	next := b.NextBackOff()
	if next == backoff.Stop {
		return 0
	}
	return next
}
