package httpclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CancelableRequest is a request whose body is buffered and parsed for the
// caller, retried according to Options.Retry.
//
// It is dispatched on the first call of Response, Result, JSON, Text, Bytes
// or Done. Every CancelableRequest settles exactly once.
//
//	var user User
//	if err := client.Get(ctx, "https://example.com/users/1", nil).JSON(&user); err != nil {
//	    return err
//	}
type CancelableRequest struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	cfg    *internalConfig
	events *emitter

	options         *NormalizedOptions
	throwHTTPErrors bool

	startOnce  sync.Once
	settleOnce sync.Once
	done       chan struct{}

	mu         sync.Mutex
	canceled   bool
	retryCount int
	response   *Response
	err        error
}

func newCancelableRequest(ctx context.Context, cfg *internalConfig, o *NormalizedOptions) *CancelableRequest {
	ctx, cancel := context.WithCancelCause(ctx)
	makeReplayable(o)
	return &CancelableRequest{
		ctx:             ctx,
		cancel:          cancel,
		cfg:             cfg,
		events:          newEmitter(),
		options:         o,
		throwHTTPErrors: o.ThrowHTTPErrors,
		done:            make(chan struct{}),
	}
}

// rejectedRequest returns a CancelableRequest already settled with err.
func rejectedRequest(err error) *CancelableRequest {
	p := &CancelableRequest{
		ctx:    context.Background(),
		cancel: func(error) {},
		events: newEmitter(),
		done:   make(chan struct{}),
	}
	p.startOnce.Do(func() {})
	p.settle(nil, err)
	return p
}

func (p *CancelableRequest) start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

func (p *CancelableRequest) run() {
	ctx, span := p.cfg.startRequestSpan(p.ctx, p.options)
	defer span.End()

	newBackOff := p.options.Retry.BackOff
	if newBackOff == nil {
		newBackOff = newDefaultBackOff
	}
	b := newBackOff()

	for {
		resp, err := p.attempt(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			p.resolve(resp)
			return
		}

		delay, rerr, settled := p.handleError(ctx, err, b)
		if settled {
			setSpanError(span, err, errorTypeOf(err))
			return
		}

		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("courier.retry.count", p.RetryCount()),
			attribute.String("error.type", rerr.Code),
			attribute.Int64("courier.retry.delay_ms", delay.Milliseconds()),
		))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			span.SetStatus(codes.Error, "canceled")
			p.settle(nil, newCancelError(p.options))
			return
		}
	}
}

// attempt runs one engine to completion and returns the parsed response.
func (p *CancelableRequest) attempt(ctx context.Context) (*Response, error) {
	o := p.options.Clone()
	o.ThrowHTTPErrors = true
	if o.ResponseType == ResponseTypeJSON {
		if _, ok := o.Headers["accept"]; !ok {
			o.Headers["accept"] = "application/json"
		}
	}

	req := newNormalizedRequest(ctx, p.cfg, o, p.events, true)
	resp, err := req.Response()
	if err != nil {
		return nil, err
	}
	resp.RetryCount = p.RetryCount()

	body, err := io.ReadAll(req)
	if err != nil {
		return nil, err
	}
	resp.setBody(body)

	value, err := parseBody(body, o.ResponseType, o.Encoding)
	if err != nil {
		return nil, req.beforeError(newParseError(err, resp))
	}
	resp.value = value

	for i, hook := range o.Hooks.AfterResponse {
		next, err := hook(ctx, resp, p.retryWithMergedOptions(o, i))
		if err != nil {
			return nil, req.beforeError(err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// retryWithMergedOptions issues a non retrying request built from o and
// updated. Only the afterResponse hooks before index run for it.
func (p *CancelableRequest) retryWithMergedOptions(o *NormalizedOptions, index int) RetryWithMergedOptions {
	return func(ctx context.Context, updated *Options) (*Response, error) {
		over := updated.clone()
		over.ThrowHTTPErrors = Bool(false)
		over.ResolveBodyOnly = Bool(false)
		noRetry := func(RetryObject) time.Duration { return 0 }
		if over.Retry == nil {
			over.Retry = &RetryOptions{CalculateDelay: noRetry}
		} else {
			over.Retry.CalculateDelay = noRetry
		}

		child, err := normalizeInput(over, o)
		if err != nil {
			return nil, err
		}
		if over.Body == nil && over.JSON == nil && over.Form == nil {
			child.Body, child.JSON, child.Form = o.Body, o.JSON, o.Form
		}
		child.Hooks.AfterResponse = child.Hooks.AfterResponse[:min(index, len(child.Hooks.AfterResponse))]

		for _, hook := range child.Hooks.BeforeRetry {
			if err := hook(ctx, child, nil, p.RetryCount()); err != nil {
				return nil, err
			}
		}

		sub := newCancelableRequest(p.ctx, p.cfg, child)
		return sub.Response()
	}
}

// handleError decides between a retry (delay > 0) and settling the request.
func (p *CancelableRequest) handleError(ctx context.Context, err error, b backoff.BackOff) (time.Duration, *RequestError, bool) {
	o := p.options
	if p.isCanceled() || p.ctx.Err() != nil {
		p.settle(nil, newCancelError(o))
		return 0, nil, true
	}

	var rerr *RequestError
	if !errors.As(err, &rerr) {
		p.reject(err, nil)
		return 0, nil, true
	}

	p.mu.Lock()
	p.retryCount++
	attempt := p.retryCount
	p.mu.Unlock()

	computed := computeRetryDelay(attempt, o.Retry, rerr, b)
	delay := computed
	if o.Retry.CalculateDelay != nil {
		delay = o.Retry.CalculateDelay(RetryObject{
			AttemptCount:  attempt,
			RetryOptions:  o.Retry,
			Error:         rerr,
			ComputedValue: computed,
		})
	}

	if delay > 0 {
		for _, hook := range o.Hooks.BeforeRetry {
			if hookErr := hook(ctx, o, rerr, attempt); hookErr != nil {
				final := runBeforeErrorHooks(context.WithoutCancel(ctx), o.Hooks.BeforeError, hookErr, o)
				p.reject(final, rerr)
				return 0, nil, true
			}
		}
		p.events.emit(EventRetry, EventInfo{Options: o, RetryCount: attempt, Err: rerr})
		logRetry(p.cfg.logger, rerr, attempt, delay)
		p.cfg.metrics.recordRetry(ctx, attempt, p.cfg.baseAttributes())
		p.cfg.prometheus.observeRetry(o.Method, attempt)
		return delay, rerr, false
	}

	p.mu.Lock()
	p.retryCount--
	p.mu.Unlock()

	if rerr.Kind == KindHTTP && !p.throwHTTPErrors && rerr.Response != nil {
		resp := rerr.Response
		resp.RetryCount = p.RetryCount()
		value, parseErr := parseBody(resp.RawBody(), o.ResponseType, o.Encoding)
		if parseErr != nil {
			value = string(resp.RawBody())
		}
		resp.value = value
		p.resolve(resp)
		return 0, nil, true
	}
	p.reject(err, rerr)
	return 0, nil, true
}

func (p *CancelableRequest) resolve(resp *Response) {
	if resp.options != nil {
		resp.options.ThrowHTTPErrors = p.throwHTTPErrors
	}
	p.settle(resp, nil)
}

func (p *CancelableRequest) reject(err error, rerr *RequestError) {
	retries := p.RetryCount()
	if rerr == nil {
		rerr = asRequestError(err, p.options)
	}
	if rerr.Options != nil {
		rerr.Options.ThrowHTTPErrors = p.throwHTTPErrors
	}
	if retries > 0 {
		p.cfg.metrics.recordRetryExhausted(p.ctx, p.cfg.baseAttributes())
	}
	logRejection(p.cfg.logger, rerr, retries)
	p.settle(nil, err)
}

func (p *CancelableRequest) settle(resp *Response, err error) {
	p.settleOnce.Do(func() {
		p.mu.Lock()
		p.response, p.err = resp, err
		p.mu.Unlock()
		close(p.done)
		p.cancel(nil)
	})
}

func (p *CancelableRequest) isCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Cancel aborts the request. Pending retries are not issued and the request
// settles with a KindCancel error unless it has settled already.
func (p *CancelableRequest) Cancel() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()

	p.cancel(ErrCanceled)
	p.startOnce.Do(func() {
		p.settle(nil, newCancelError(p.options))
	})
}

// IsCanceled reports whether Cancel was called.
func (p *CancelableRequest) IsCanceled() bool {
	return p.isCanceled()
}

// Response waits for the final response. Its body is buffered.
func (p *CancelableRequest) Response() (*Response, error) {
	p.start()
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response, p.err
}

// Result returns the parsed body when ResolveBodyOnly is set and the
// *Response otherwise.
func (p *CancelableRequest) Result() (any, error) {
	resp, err := p.Response()
	if err != nil {
		return nil, err
	}
	if p.options.ResolveBodyOnly {
		return resp.Value(), nil
	}
	return resp, nil
}

// JSON decodes the body into v. Called before dispatch, it also defaults
// the accept header to application/json.
func (p *CancelableRequest) JSON(v any) error {
	p.startOnce.Do(func() {
		if _, ok := p.options.Headers["accept"]; !ok {
			p.options.Headers["accept"] = "application/json"
		}
		go p.run()
	})
	resp, err := p.Response()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.RawBody(), v); err != nil {
		return newParseError(err, resp)
	}
	return nil
}

// Text returns the body decoded with Options.Encoding.
func (p *CancelableRequest) Text() (string, error) {
	resp, err := p.Response()
	if err != nil {
		return "", err
	}
	return decodeText(resp.RawBody(), p.options.Encoding)
}

// Bytes returns the raw body.
func (p *CancelableRequest) Bytes() ([]byte, error) {
	resp, err := p.Response()
	if err != nil {
		return nil, err
	}
	return resp.RawBody(), nil
}

// On registers h for evt on every attempt. EventRetry is emitted between
// attempts.
func (p *CancelableRequest) On(evt Event, h EventHandler) *CancelableRequest {
	p.events.on(evt, h)
	return p
}

// Done is closed once the request has settled.
func (p *CancelableRequest) Done() <-chan struct{} {
	p.start()
	return p.done
}

// RetryCount returns the number of retries issued so far.
func (p *CancelableRequest) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// Options returns the options every attempt is built from.
func (p *CancelableRequest) Options() *NormalizedOptions {
	return p.options
}
