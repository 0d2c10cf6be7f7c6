package httpclient

import (
	"context"
	"net/http"
	"slices"
)

// InitHook runs synchronously on the raw options before normalization.
// Instance init hooks run before the caller's.
type InitHook func(opts *Options) error

// BeforeRequestHook runs before every hop. Returning a non-nil response
// short-circuits the transport and the response is used as if it came from
// the network.
type BeforeRequestHook func(ctx context.Context, opts *NormalizedOptions) (*http.Response, error)

// BeforeRedirectHook runs after a redirect has been accepted and before the
// next hop starts. Mutations of opts apply to that hop.
type BeforeRedirectHook func(ctx context.Context, opts *NormalizedOptions, resp *Response) error

// BeforeRetryHook runs before a retry is scheduled. err is nil when the retry
// is triggered from an afterResponse hook.
type BeforeRetryHook func(ctx context.Context, opts *NormalizedOptions, err *RequestError, retryCount int) error

// RetryWithMergedOptions re-issues the request with updated merged on top of
// the current options. It is only available to afterResponse hooks.
type RetryWithMergedOptions func(ctx context.Context, updated *Options) (*Response, error)

// AfterResponseHook may replace the response, typically with the result of
// retry. A nil response keeps the current one.
type AfterResponseHook func(ctx context.Context, resp *Response, retry RetryWithMergedOptions) (*Response, error)

// BeforeErrorHook runs on every error surfaced by the client. A non-nil
// return value replaces the error passed to the next hook.
type BeforeErrorHook func(ctx context.Context, err *RequestError) error

// Hooks groups the lifecycle hooks. When options are merged, the hooks of
// the defaults run before the hooks of the overlay.
type Hooks struct {
	Init           []InitHook
	BeforeRequest  []BeforeRequestHook
	BeforeRedirect []BeforeRedirectHook
	BeforeRetry    []BeforeRetryHook
	AfterResponse  []AfterResponseHook
	BeforeError    []BeforeErrorHook
}

func (h Hooks) clone() Hooks {
	return Hooks{
		Init:           slices.Clone(h.Init),
		BeforeRequest:  slices.Clone(h.BeforeRequest),
		BeforeRedirect: slices.Clone(h.BeforeRedirect),
		BeforeRetry:    slices.Clone(h.BeforeRetry),
		AfterResponse:  slices.Clone(h.AfterResponse),
		BeforeError:    slices.Clone(h.BeforeError),
	}
}

func concatHooks(base, extra Hooks) Hooks {
	return Hooks{
		Init:           concat(base.Init, extra.Init),
		BeforeRequest:  concat(base.BeforeRequest, extra.BeforeRequest),
		BeforeRedirect: concat(base.BeforeRedirect, extra.BeforeRedirect),
		BeforeRetry:    concat(base.BeforeRetry, extra.BeforeRetry),
		AfterResponse:  concat(base.AfterResponse, extra.AfterResponse),
		BeforeError:    concat(base.BeforeError, extra.BeforeError),
	}
}

func concat[T any](a, b []T) []T {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func runInitHooks(hooks []InitHook, opts *Options) error {
	for _, hook := range hooks {
		if err := hook(opts); err != nil {
			return err
		}
	}
	return nil
}

// runBeforeErrorHooks folds err through hooks. Errors that are not yet a
// *RequestError are wrapped before each hook sees them.
func runBeforeErrorHooks(ctx context.Context, hooks []BeforeErrorHook, err error, opts *NormalizedOptions) error {
	for _, hook := range hooks {
		if next := hook(ctx, asRequestError(err, opts)); next != nil {
			err = next
		}
	}
	return err
}
