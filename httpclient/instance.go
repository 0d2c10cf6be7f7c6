package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
)

// Call is the result of dispatching a request: a *Request when
// Options.IsStream is set and a *CancelableRequest otherwise.
type Call interface {
	Done() <-chan struct{}
	Options() *NormalizedOptions
}

// Next dispatches opts to the rest of the handler pipeline.
type Next func(ctx context.Context, opts *NormalizedOptions) (Call, error)

// Handler is a middleware of a Client. Handlers run in registration order
// and must call next to dispatch the request.
type Handler interface {
	Handle(ctx context.Context, opts *NormalizedOptions, next Next) (Call, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, opts *NormalizedOptions, next Next) (Call, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, opts *NormalizedOptions, next Next) (Call, error) {
	return f(ctx, opts, next)
}

type defaultHandler struct{}

func (defaultHandler) Handle(ctx context.Context, opts *NormalizedOptions, next Next) (Call, error) {
	return next(ctx, opts)
}

// DefaultHandler only forwards to the dispatcher. Extend keeps at most one
// of it, so it can be listed explicitly without running twice.
var DefaultHandler Handler = defaultHandler{}

// InstanceDefaults configures an instance built with Create.
type InstanceDefaults struct {
	Options         *Options
	Handlers        []Handler
	MutableDefaults bool

	// inputs are the sparse options an existing Client was built from, in
	// merge order. They replace Options when set.
	inputs []*Options
}

func (d InstanceDefaults) optionChain() []*Options {
	if d.inputs != nil {
		return d.inputs
	}
	if d.Options != nil {
		return []*Options{d.Options}
	}
	return nil
}

// ExtendSource is accepted by Client.Extend: *Options, *Client or
// InstanceDefaults.
type ExtendSource interface {
	instanceDefaults() InstanceDefaults
}

func (o *Options) instanceDefaults() InstanceDefaults {
	return InstanceDefaults{Options: o}
}

func (d InstanceDefaults) instanceDefaults() InstanceDefaults {
	return d
}

// Client issues requests over a set of instance defaults. It is safe for
// concurrent use; Extend derives new instances that share its transports.
//
//	client, err := httpclient.New(
//	    httpclient.WithServiceName("payment-service"),
//	    httpclient.WithDefaults(&httpclient.Options{
//	        PrefixURL: httpclient.String("https://api.example.com"),
//	        Retry:     httpclient.RetryLimit(3),
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	body, err := client.Get(ctx, "payments/42", nil).Text()
type Client struct {
	cfg             *internalConfig
	defaults        *NormalizedOptions
	inputs          []*Options
	handlers        []Handler
	mutableDefaults bool
}

// New creates a Client. Request defaults are given with WithDefaults.
func New(opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, InstanceDefaults{
		Options:         cfg.defaults,
		Handlers:        cfg.handlers,
		MutableDefaults: cfg.mutableDefaults,
	})
}

// Create builds an instance from explicit defaults and handlers.
func Create(defaults InstanceDefaults, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	defaults.Handlers = append(slices.Clone(cfg.handlers), defaults.Handlers...)
	if defaults.Options == nil {
		defaults.Options = cfg.defaults
	}
	defaults.MutableDefaults = defaults.MutableDefaults || cfg.mutableDefaults
	return newClient(cfg, defaults)
}

func newClient(cfg *internalConfig, d InstanceDefaults) (*Client, error) {
	normalized, err := Normalize(nil, d.Options, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:             cfg,
		defaults:        normalized,
		inputs:          d.optionChain(),
		handlers:        dedupeHandlers(d.Handlers),
		mutableDefaults: d.MutableDefaults,
	}, nil
}

var defaultClient = sync.OnceValue(func() *Client {
	c, err := New()
	if err != nil {
		panic(fmt.Sprintf("httpclient: default client: %v", err))
	}
	return c
})

// Default returns the package wide client with the built-in defaults.
func Default() *Client {
	return defaultClient()
}

func (c *Client) instanceDefaults() InstanceDefaults {
	return InstanceDefaults{
		Handlers:        c.handlers,
		MutableDefaults: c.mutableDefaults,
		inputs:          slices.Clone(c.inputs),
	}
}

// Extend returns a new instance whose defaults are c's merged with every
// source in order. Hooks of earlier sources run first; handlers are
// concatenated.
//
// A *Client source contributes the options it was built from, not its
// normalized defaults, so only what it configured overrides c. Changes made
// through Defaults on a mutable source are not carried over.
func (c *Client) Extend(sources ...ExtendSource) (*Client, error) {
	defaults := c.defaults
	inputs := slices.Clone(c.inputs)
	handlers := slices.Clone(c.handlers)
	mutable := c.mutableDefaults

	for _, src := range sources {
		if src == nil {
			continue
		}
		d := src.instanceDefaults()
		for _, in := range d.optionChain() {
			next, err := normalizeInput(in.clone(), defaults)
			if err != nil {
				return nil, err
			}
			defaults = next
			inputs = append(inputs, in)
		}
		handlers = append(handlers, d.Handlers...)
		if d.MutableDefaults {
			mutable = true
		}
	}

	return &Client{
		cfg:             c.cfg,
		defaults:        defaults,
		inputs:          inputs,
		handlers:        dedupeHandlers(handlers),
		mutableDefaults: mutable,
	}, nil
}

// MergeOptions normalizes sources one over the other, starting from the
// built-in defaults.
func (c *Client) MergeOptions(sources ...*Options) (*NormalizedOptions, error) {
	merged := DefaultOptions()
	for _, src := range sources {
		next, err := normalizeInput(src.clone(), merged)
		if err != nil {
			return nil, err
		}
		merged = next
	}
	return merged, nil
}

// Defaults returns the instance defaults. The value is live only when the
// instance was built with mutable defaults; otherwise it is a copy.
func (c *Client) Defaults() *NormalizedOptions {
	if c.mutableDefaults {
		return c.defaults
	}
	return c.defaults.Clone()
}

// Do runs the init hooks, normalizes the request over the instance defaults
// and passes it through the handlers. Normalization failures are returned
// after the instance beforeError hooks have seen them.
func (c *Client) Do(ctx context.Context, rawURL any, opts *Options) (Call, error) {
	o, err := prepareOptions(rawURL, opts, c.defaults)
	if err != nil {
		var rerr *RequestError
		if errors.As(err, &rerr) {
			err = runBeforeErrorHooks(ctx, c.defaults.Hooks.BeforeError, rerr, rerr.Options)
		}
		return nil, err
	}
	return c.next(0)(ctx, o)
}

func (c *Client) next(i int) Next {
	return func(ctx context.Context, o *NormalizedOptions) (Call, error) {
		if i >= len(c.handlers) {
			return c.dispatch(ctx, o), nil
		}
		return c.handlers[i].Handle(ctx, o, c.next(i+1))
	}
}

func (c *Client) dispatch(ctx context.Context, o *NormalizedOptions) Call {
	if o.IsStream {
		return newNormalizedRequest(ctx, c.cfg, o, nil, false)
	}
	return newCancelableRequest(ctx, c.cfg, o)
}

// Stream issues a request in stream mode. Unless a payload is given, the
// caller must end the request body with CloseWrite for methods that may
// carry one.
func (c *Client) Stream(ctx context.Context, rawURL any, opts *Options) (*Request, error) {
	in := opts.clone()
	in.IsStream = Bool(true)
	call, err := c.Do(ctx, rawURL, in)
	if err != nil {
		return nil, err
	}
	req, ok := call.(*Request)
	if !ok {
		return nil, fmt.Errorf("httpclient: handler returned %T for a stream request", call)
	}
	return req, nil
}

// Request issues a buffered request with the method given in opts.
func (c *Client) Request(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, "", rawURL, opts)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodGet, rawURL, opts)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodPost, rawURL, opts)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodPut, rawURL, opts)
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodPatch, rawURL, opts)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodHead, rawURL, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL any, opts *Options) *CancelableRequest {
	return c.promise(ctx, http.MethodDelete, rawURL, opts)
}

func (c *Client) promise(ctx context.Context, method string, rawURL any, opts *Options) *CancelableRequest {
	in := opts.clone()
	if method != "" {
		in.Method = method
	}
	in.IsStream = Bool(false)

	call, err := c.Do(ctx, rawURL, in)
	if err != nil {
		return rejectedRequest(err)
	}
	p, ok := call.(*CancelableRequest)
	if !ok {
		return rejectedRequest(fmt.Errorf("httpclient: handler returned %T for a buffered request", call))
	}
	return p
}

// CloseIdleConnections closes the idle connections of the pooled
// transports.
func (c *Client) CloseIdleConnections() {
	c.cfg.pool.closeIdleConnections()
}

// RateLimiterStats returns the limiter state for host, or for the client
// wide limiter when rate limiting is not per host.
func (c *Client) RateLimiterStats(host string) RateLimiterStats {
	return c.cfg.limiter.stats(host)
}

func dedupeHandlers(handlers []Handler) []Handler {
	out := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if _, ok := h.(defaultHandler); ok {
			continue
		}
		out = append(out, h)
	}
	return out
}
