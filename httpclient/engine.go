package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errRequestClosed = errors.New("httpclient: request closed")

// Request is one HTTP exchange exposed as a byte stream: the request body is
// written with Write and CloseWrite, the response body is read with Read.
// Redirects are followed in place by the same Request.
//
// The request is dispatched on first use of Write, CloseWrite, Read,
// Response or Done, so handlers registered with On see every event.
//
//	req, err := client.Stream(ctx, "https://example.com/upload", &httpclient.Options{Method: http.MethodPut})
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    _, _ = io.Copy(req, file)
//	    _ = req.CloseWrite()
//	}()
//	defer req.Close()
//	_, err = io.Copy(os.Stdout, req)
type Request struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	cfg    *internalConfig
	events *emitter

	options *NormalizedOptions
	autoEnd bool

	startOnce sync.Once
	finalized chan struct{}
	responded chan struct{}
	done      chan struct{}

	// Upload side, set before finalized is closed.
	payload    []byte
	hasPayload bool
	stream     *replayBody
	pipe       *io.PipeWriter
	uploadSize int64
	writeErr   error

	uploaded      atomic.Int64
	uploadDone    atomic.Bool
	downloaded    atomic.Int64
	downloadTotal atomic.Int64
	ended         atomic.Bool

	timings timingsRecorder

	mu         sync.Mutex
	requestURL string
	redirects  []string
	response   *Response
	body       io.ReadCloser
	hopCtx     context.Context
	hopCancel  context.CancelCauseFunc
	watcher    *timeoutWatcher
	err        error

	failOnce    sync.Once
	endOnce     sync.Once
	destroyOnce sync.Once
}

// prepareOptions runs the init hooks of defaults and opts on the raw input
// and normalizes it.
func prepareOptions(rawURL any, opts *Options, defaults *NormalizedOptions) (*NormalizedOptions, error) {
	if defaults == nil {
		defaults = DefaultOptions()
	}
	input, err := resolveInput(rawURL, opts)
	if err != nil {
		return nil, err
	}
	if err := runInitHooks(concat(defaults.Hooks.Init, input.Hooks.Init), input); err != nil {
		return nil, err
	}
	return normalizeInput(input, defaults)
}

// newNormalizedRequest builds an engine over already normalized options. o
// is owned by the engine from now on. events may be shared with an
// orchestrator; nil creates a private emitter. autoEnd closes the writable
// side when no payload was given.
func newNormalizedRequest(
	ctx context.Context,
	cfg *internalConfig,
	o *NormalizedOptions,
	events *emitter,
	autoEnd bool,
) *Request {
	if events == nil {
		events = newEmitter()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Request{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		events:    events,
		options:   o,
		autoEnd:   autoEnd,
		finalized: make(chan struct{}),
		responded: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Request) start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *Request) run() {
	o := r.options
	if o.URL == nil {
		r.fail(validationErrorf("Missing `url` property"))
		return
	}
	if err := r.finalizeBody(); err != nil {
		r.fail(err)
		return
	}
	close(r.finalized)

	r.mu.Lock()
	r.requestURL = o.URL.String()
	r.mu.Unlock()

	for {
		resp, err := r.makeRequest()
		if err != nil {
			r.fail(err)
			return
		}
		redirected, err := r.onResponse(resp)
		if err != nil {
			r.fail(err)
			return
		}
		if !redirected {
			return
		}
	}
}

// makeRequest dispatches one hop and returns its raw response.
//
//nolint:funlen // hop setup follows the dispatch order step by step
func (r *Request) makeRequest() (*http.Response, error) {
	o := r.options

	if o.Decompress {
		if _, ok := o.Headers["accept-encoding"]; !ok {
			o.Headers["accept-encoding"] = acceptEncoding
		}
	}
	if o.CookieJar != nil {
		cookie, err := o.CookieJar.GetCookieString(r.ctx, o.URL.String())
		if err != nil {
			return nil, err
		}
		if cookie != "" {
			o.Headers["cookie"] = cookie
		}
	}

	var shortcut *http.Response
	for _, hook := range o.Hooks.BeforeRequest {
		resp, err := hook(r.ctx, o)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			shortcut = resp
			break
		}
	}
	if r.ctx.Err() != nil {
		return nil, context.Cause(r.ctx)
	}

	for k, v := range o.Headers {
		if v == "" {
			delete(o.Headers, k)
		}
	}
	if o.URL.Scheme != "http" && o.URL.Scheme != "https" {
		return nil, newUnsupportedProtocolError(o.URL.Scheme, o)
	}

	// http://unix/<socket>:<path>
	target := cloneURL(o.URL)
	target.User = nil
	socketPath := ""
	if target.Host == "unix" {
		socket, path, ok := strings.Cut(target.Path, ":")
		if !ok || path == "" {
			path = "/"
		}
		socketPath, target.Path, target.RawPath = socket, path, ""
	}

	hopCtx, hopCancel := context.WithCancelCause(r.ctx)
	watcher := newTimeoutWatcher(hopCancel, o.Timeout)
	r.timings.reset(time.Now())
	r.uploaded.Store(0)
	r.uploadDone.Store(false)
	r.downloaded.Store(0)
	hopCtx = httptrace.WithClientTrace(hopCtx, r.timings.clientTrace())
	hopCtx = httptrace.WithClientTrace(hopCtx, watcher.clientTrace())
	hopCtx = contextWithTimings(hopCtx, &r.timings)

	r.mu.Lock()
	r.hopCtx, r.hopCancel, r.watcher = hopCtx, hopCancel, watcher
	r.mu.Unlock()
	watcher.arm(PhaseRequest)

	req, err := http.NewRequestWithContext(hopCtx, o.Method, target.String(), nil)
	if err != nil {
		r.endHop()
		return nil, err
	}
	for k, v := range o.Headers {
		switch k {
		case "host":
			req.Host = v
		case "content-length", "transfer-encoding":
		default:
			req.Header.Set(k, v)
		}
	}
	if (o.Username != "" || o.Password != "") && req.Header.Get("Authorization") == "" {
		req.SetBasicAuth(o.Username, o.Password)
	}

	if body, size := r.hopBody(); body != nil {
		if _, chunked := o.Headers["transfer-encoding"]; chunked {
			size = -1
		}
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
		} else {
			req.Body = io.NopCloser(r.uploadReader(body, size, watcher))
		}
	}

	call := func(context.Context, *http.Request) (*http.Response, error) {
		return shortcut, nil
	}
	if shortcut == nil {
		call = r.cfg.decorate(o, r.cfg.baseTransport(o, socketPath))
	}

	r.events.emit(EventRequest, EventInfo{Request: req, Options: o})
	logHop(r.cfg.logger, req, len(r.redirects), r.payload)

	resp, err := call(hopCtx, req)
	if err != nil {
		r.timings.mark(func(t *Timings) { t.Error = time.Now() })
		tc := timeoutFrom(hopCtx)
		r.endHop()
		if tc != nil {
			return nil, newTimeoutError(tc.event, tc.limit, o)
		}
		if r.ctx.Err() != nil {
			return nil, context.Cause(r.ctx)
		}
		return nil, err
	}

	if resp.Request == nil {
		resp.Request = req
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	return resp, nil
}

func (r *Request) uploadReader(body io.Reader, size int64, watcher *timeoutWatcher) io.Reader {
	return &progressReader{Reader: body, onRead: func(n int, err error) {
		if n > 0 {
			watcher.touch()
		}
		transferred := r.uploaded.Add(int64(n))
		switch {
		case errors.Is(err, io.EOF):
			if r.uploadDone.CompareAndSwap(false, true) {
				r.emitProgress(EventUploadProgress, newProgress(transferred, size, true))
			}
		case n > 0:
			if p := newProgress(transferred, size, false); p.Percent < 1 {
				r.emitProgress(EventUploadProgress, p)
			}
		}
	}}
}

func (r *Request) emitProgress(evt Event, p Progress) {
	r.events.emit(evt, EventInfo{Options: r.options, Progress: p})
}

// onResponse stamps the response metadata and either follows a redirect
// (true) or hands the response to the reader.
func (r *Request) onResponse(httpResp *http.Response) (bool, error) {
	o := r.options

	r.mu.Lock()
	watcher := r.watcher
	resp := &Response{
		Response:      httpResp,
		RequestURL:    r.requestURL,
		RedirectURLs:  slices.Clone(r.redirects),
		IsFromCache:   isFromCache(httpResp),
		IP:            r.timings.remoteIP(),
		StatusMessage: statusMessage(httpResp),
		url:           o.URL.String(),
		options:       o,
	}
	r.response = resp
	r.mu.Unlock()

	r.timings.mark(func(t *Timings) {
		if t.Response.IsZero() {
			t.Response = time.Now()
		}
	})
	resp.timings.Store(r.timings.snapshot())

	if resp.IsFromCache {
		r.cfg.metrics.recordCacheHit(r.ctx, r.cfg.baseAttributes())
		r.cfg.prometheus.observeCacheHit(o.Method)
	}
	if o.Decompress && o.Method != http.MethodHead {
		decompressResponse(httpResp)
	}

	if o.CookieJar != nil {
		for _, raw := range httpResp.Header.Values("Set-Cookie") {
			err := o.CookieJar.SetCookie(r.ctx, raw, o.URL.String())
			if err != nil && !o.IgnoreInvalidCookies {
				return false, err
			}
		}
	}

	if o.FollowRedirect && redirectCodes[httpResp.StatusCode] && httpResp.Header.Get("Location") != "" {
		return true, r.followRedirect(resp)
	}

	if o.ThrowHTTPErrors && !isOK(httpResp.StatusCode, o.FollowRedirect) {
		return false, newHTTPError(resp)
	}

	total := httpResp.ContentLength
	r.downloadTotal.Store(total)
	r.mu.Lock()
	r.body = &progressBody{ReadCloser: httpResp.Body, onRead: r.onDownload(total, watcher)}
	r.mu.Unlock()

	logResponse(r.cfg.logger, resp, time.Since(resp.Timings().Start))
	close(r.responded)
	r.emitProgress(EventDownloadProgress, newProgress(0, total, false))
	r.events.emit(EventResponse, EventInfo{Response: resp, Options: o})
	return false, nil
}

func (r *Request) onDownload(total int64, watcher *timeoutWatcher) func(int, error) {
	return func(n int, err error) {
		if n > 0 {
			watcher.touch()
		}
		transferred := r.downloaded.Add(int64(n))
		if errors.Is(err, io.EOF) {
			r.finishBody()
			return
		}
		if n > 0 {
			if p := newProgress(transferred, total, false); p.Percent < 1 {
				r.emitProgress(EventDownloadProgress, p)
			}
		}
	}
}

// finishBody completes the request once the response body hit EOF.
func (r *Request) finishBody() {
	r.endOnce.Do(func() {
		r.ended.Store(true)
		r.timings.mark(func(t *Timings) { t.End = time.Now() })

		r.mu.Lock()
		resp := r.response
		r.mu.Unlock()
		if resp != nil {
			resp.timings.Store(r.timings.snapshot())
		}

		r.emitProgress(EventDownloadProgress, newProgress(r.downloaded.Load(), r.downloadTotal.Load(), true))
		r.destroy(nil)
	})
}

// endHop releases the timers and the context of the current hop.
func (r *Request) endHop() {
	r.mu.Lock()
	watcher, hopCancel := r.watcher, r.hopCancel
	r.watcher, r.hopCancel = nil, nil
	r.mu.Unlock()
	if watcher != nil {
		watcher.stop()
	}
	if hopCancel != nil {
		hopCancel(nil)
	}
}

// fail routes err through the beforeError hooks and destroys the request.
// Cancellations skip the hooks.
func (r *Request) fail(err error) {
	r.failOnce.Do(func() {
		if r.ctx.Err() != nil {
			r.destroy(r.cancelError(err))
			return
		}
		r.destroy(r.beforeError(err))
	})
}

// beforeError attaches the response body to err when there is one, then
// folds it through the beforeError hooks.
func (r *Request) beforeError(err error) error {
	o := r.options
	rerr := asRequestError(err, o)
	if rerr.Timings == nil {
		rerr.Timings = r.timings.snapshot()
	}
	if rerr.Request == nil {
		rerr.Request = r
	}
	if resp := rerr.Response; resp != nil && !resp.bodyRead {
		// Best effort: the body is only diagnostic.
		if _, readErr := resp.Body(); readErr != nil {
			resp.setBody(nil)
		}
	}
	r.cfg.prometheus.observeError(rerr)
	return runBeforeErrorHooks(context.WithoutCancel(r.ctx), o.Hooks.BeforeError, rerr, o)
}

// cancelError converts the cause of a canceled request into the error the
// request ends with.
func (r *Request) cancelError(err error) error {
	var rerr *RequestError
	if errors.As(err, &rerr) && rerr.Kind == KindCancel {
		return rerr
	}
	cause := context.Cause(r.ctx)
	switch {
	case cause == nil:
		cause = err
	case errors.As(cause, &rerr):
		return rerr
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, ErrCanceled) {
		rerr = newRequestError(KindCancel, CodeCanceled, cause.Error(), cause, r.options)
	} else {
		rerr = asRequestError(cause, r.options)
	}
	if rerr == nil {
		return nil
	}
	if rerr.Request == nil {
		rerr.Request = r
	}
	return rerr
}

// destroy ends the request with err, which is nil on success or when the
// caller closed it.
func (r *Request) destroy(err error) {
	r.destroyOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		body, resp := r.body, r.response
		r.mu.Unlock()

		if err != nil {
			r.timings.mark(func(t *Timings) {
				if t.Error.IsZero() {
					t.Error = time.Now()
				}
			})
		}

		cause := err
		if cause == nil {
			cause = errRequestClosed
		}
		r.cancel(cause)
		r.endHop()

		switch {
		case body != nil:
			_ = body.Close()
		case resp != nil && resp.Response != nil && resp.Response.Body != nil:
			_ = resp.Response.Body.Close()
		}
		if r.pipe != nil {
			_ = r.pipe.CloseWithError(cause)
		}
		close(r.done)
	})
}

// Destroy aborts the request. A nil err closes it without error; otherwise
// err becomes the error of the request.
func (r *Request) Destroy(err error) {
	if err == nil {
		r.destroy(nil)
		return
	}
	r.cancel(err)
	r.destroy(r.cancelError(err))
}

// Close aborts the request if it is still running and releases the
// response body.
func (r *Request) Close() error {
	r.destroy(nil)
	return nil
}

// Write appends p to the request body. It blocks until the transport has
// consumed p, and fails when the body was given through the options or the
// method cannot have one.
func (r *Request) Write(p []byte) (int, error) {
	r.start()
	select {
	case <-r.finalized:
	case <-r.done:
		return 0, r.closedErr()
	}
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	n, err := r.pipe.Write(p)
	if err != nil {
		return n, r.closedErr()
	}
	return n, nil
}

// CloseWrite ends the request body.
func (r *Request) CloseWrite() error {
	r.start()
	select {
	case <-r.finalized:
	case <-r.done:
		return r.closedErr()
	}
	if r.pipe == nil {
		return nil
	}
	return r.pipe.Close()
}

// Read reads the body of the final response. Failures while reading end the
// request; the returned error is then the error of the request.
func (r *Request) Read(p []byte) (int, error) {
	r.start()
	select {
	case <-r.responded:
	default:
		select {
		case <-r.responded:
		case <-r.done:
			select {
			case <-r.responded:
			default:
				return 0, r.closedErr()
			}
		}
	}

	r.mu.Lock()
	body := r.body
	r.mu.Unlock()

	n, err := body.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if r.ended.Load() {
		return n, io.EOF
	}
	r.fail(r.readError(err))
	<-r.done
	return n, r.closedErr()
}

func (r *Request) readError(err error) error {
	r.mu.Lock()
	hopCtx, resp := r.hopCtx, r.response
	r.mu.Unlock()

	if hopCtx != nil {
		if tc := timeoutFrom(hopCtx); tc != nil {
			return newTimeoutError(tc.event, tc.limit, r.options)
		}
	}
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	rerr := newReadError(err, r.options)
	rerr.Response = resp
	return rerr
}

// closedErr is the error returned by I/O on a finished request.
func (r *Request) closedErr() error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.ended.Load() {
		return io.EOF
	}
	return errRequestClosed
}

// Response waits for the final response, after redirects.
func (r *Request) Response() (*Response, error) {
	r.start()
	select {
	case <-r.responded:
	case <-r.done:
		select {
		case <-r.responded:
		default:
			return nil, r.closedErr()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response, nil
}

// On registers h for evt. Register handlers before the request starts to
// observe every event.
func (r *Request) On(evt Event, h EventHandler) *Request {
	r.events.on(evt, h)
	return r
}

// UploadProgress reports the request body progress of the current hop.
func (r *Request) UploadProgress() Progress {
	return newProgress(r.uploaded.Load(), r.uploadSize, r.uploadDone.Load())
}

// DownloadProgress reports the response body progress.
func (r *Request) DownloadProgress() Progress {
	return newProgress(r.downloaded.Load(), r.downloadTotal.Load(), r.ended.Load())
}

// Redirects returns the followed redirect URLs.
func (r *Request) Redirects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.redirects)
}

// Options returns the options of the request. Redirects update them in
// place.
func (r *Request) Options() *NormalizedOptions {
	return r.options
}

// Done is closed when the request has ended: the body was read to EOF, it
// failed or it was closed.
func (r *Request) Done() <-chan struct{} {
	r.start()
	return r.done
}

// Err returns the error the request ended with, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Timings returns the timings of the last hop.
func (r *Request) Timings() *Timings {
	return r.timings.snapshot()
}

func statusMessage(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); msg != "" && msg != resp.Status {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
