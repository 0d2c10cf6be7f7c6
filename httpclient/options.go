package httpclient

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ResponseType selects how a CancelableRequest parses the response body.
type ResponseType string

const (
	// ResponseTypeText decodes the body with the configured Encoding.
	ResponseTypeText ResponseType = "text"
	// ResponseTypeJSON parses the body as JSON. An empty body yields "".
	ResponseTypeJSON ResponseType = "json"
	// ResponseTypeBuffer keeps the raw bytes.
	ResponseTypeBuffer ResponseType = "buffer"
)

var knownEncodings = map[string]struct{}{
	"utf8": {}, "utf-8": {}, "latin1": {}, "binary": {}, "base64": {}, "hex": {},
}

// TransportFunc performs one HTTP exchange. It is the capability every hop
// is eventually dispatched to.
type TransportFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Timeouts holds per-phase deadlines. A zero value disables the phase.
type Timeouts struct {
	// Lookup bounds DNS resolution.
	Lookup time.Duration
	// Connect bounds the TCP handshake.
	Connect time.Duration
	// SecureConnect bounds the TLS handshake.
	SecureConnect time.Duration
	// Socket bounds idle time on the connection while sending or receiving.
	Socket time.Duration
	// Send bounds writing the request once a connection is assigned.
	Send time.Duration
	// Response bounds the wait for the first response byte after the request
	// was written.
	Response time.Duration
	// Request bounds each hop from dispatch until the body has been read.
	Request time.Duration
}

// RequestTimeout is the shorthand for a timeout over the whole request.
func RequestTimeout(d time.Duration) *Timeouts {
	return &Timeouts{Request: d}
}

func (t Timeouts) merge(o *Timeouts) Timeouts {
	if o == nil {
		return t
	}
	pick := func(base, over time.Duration) time.Duration {
		if over != 0 {
			return over
		}
		return base
	}
	return Timeouts{
		Lookup:        pick(t.Lookup, o.Lookup),
		Connect:       pick(t.Connect, o.Connect),
		SecureConnect: pick(t.SecureConnect, o.SecureConnect),
		Socket:        pick(t.Socket, o.Socket),
		Send:          pick(t.Send, o.Send),
		Response:      pick(t.Response, o.Response),
		Request:       pick(t.Request, o.Request),
	}
}

// Agents overrides the round tripper used per protocol. Nil fields fall back
// to the client's pooled transports.
type Agents struct {
	HTTP  http.RoundTripper
	HTTPS http.RoundTripper
	HTTP2 http.RoundTripper
}

// Options is the caller supplied, partially specified configuration of a
// request. Nil pointers and nil interfaces mean "inherit from the defaults".
type Options struct {
	// URL is a string or *url.URL. Relative values are resolved against
	// PrefixURL.
	URL       any
	PrefixURL *string
	Method    string

	// Headers are merged over the default headers. An empty value deletes
	// the header.
	Headers map[string]string

	// Body is a string, []byte, io.Reader or *FormData.
	Body any
	// JSON is serialized as the request body.
	JSON any
	// Form is a map[string]string, map[string]any or url.Values.
	Form any

	// SearchParams is a query string, a url.Values or a map whose values are
	// strings, numbers, booleans or nil.
	SearchParams any

	Username *string
	Password *string
	// Auth is the deprecated "user:password" form of Username and Password.
	Auth string

	// CookieJar is a CookieJar or a net/http CookieJar. false disables an
	// inherited jar.
	CookieJar any
	// DNSCache is true for the package default cache, false to disable, or a
	// DNSResolver.
	DNSCache any
	Cache    CacheStorage

	Timeout *Timeouts
	Retry   *RetryOptions
	Hooks   Hooks

	// Context is a free-form bag for hook state.
	Context map[string]any

	Decompress           *bool
	FollowRedirect       *bool
	ThrowHTTPErrors      *bool
	HTTP2                *bool
	AllowGetBody         *bool
	RejectUnauthorized   *bool
	MethodRewriting      *bool
	ResolveBodyOnly      *bool
	IgnoreInvalidCookies *bool
	IsStream             *bool

	MaxRedirects *int
	ResponseType ResponseType
	Encoding     string

	Agent   *Agents
	Request TransportFunc
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

func (o *Options) clone() *Options {
	if o == nil {
		return &Options{}
	}
	c := *o
	c.Headers = maps.Clone(o.Headers)
	c.Hooks = o.Hooks.clone()
	if o.Timeout != nil {
		t := *o.Timeout
		c.Timeout = &t
	}
	if o.Retry != nil {
		c.Retry = o.Retry.clone()
	}
	if o.Agent != nil {
		a := *o.Agent
		c.Agent = &a
	}
	if u, ok := o.URL.(*url.URL); ok && u != nil {
		c.URL = cloneURL(u)
	}
	return &c
}

// NormalizedOptions is the validated, fully populated configuration of a
// request. Each engine owns its copy; redirects mutate it in place.
type NormalizedOptions struct {
	URL       *url.URL
	PrefixURL string
	Method    string
	Headers   map[string]string

	Body any
	JSON any
	Form any

	SearchParams url.Values

	Username string
	Password string

	CookieJar CookieJar
	DNSCache  DNSResolver
	Cache     CacheStorage

	Timeout Timeouts
	Retry   RetryPolicy
	Hooks   Hooks
	Context map[string]any

	Decompress           bool
	FollowRedirect       bool
	ThrowHTTPErrors      bool
	HTTP2                bool
	AllowGetBody         bool
	RejectUnauthorized   bool
	MethodRewriting      bool
	ResolveBodyOnly      bool
	IgnoreInvalidCookies bool
	IsStream             bool

	MaxRedirects int
	ResponseType ResponseType
	Encoding     string

	Agent   Agents
	Request TransportFunc
}

// Clone returns a deep copy. Payload values and Context are shared.
func (o *NormalizedOptions) Clone() *NormalizedOptions {
	if o == nil {
		return nil
	}
	c := *o
	c.URL = cloneURL(o.URL)
	c.Headers = maps.Clone(o.Headers)
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	c.SearchParams = cloneValues(o.SearchParams)
	c.Retry = o.Retry.clone()
	c.Hooks = o.Hooks.clone()
	return &c
}

// Options converts the normalized form back to an input bag. Normalizing the
// result with no defaults yields an equivalent value.
func (o *NormalizedOptions) Options() *Options {
	in := &Options{
		URL:                  cloneURL(o.URL),
		PrefixURL:            String(o.PrefixURL),
		Method:               o.Method,
		Headers:              maps.Clone(o.Headers),
		Body:                 o.Body,
		JSON:                 o.JSON,
		Form:                 o.Form,
		Cache:                o.Cache,
		Timeout:              &Timeouts{},
		Retry:                o.Retry.options(),
		Hooks:                o.Hooks.clone(),
		Context:              o.Context,
		Decompress:           Bool(o.Decompress),
		FollowRedirect:       Bool(o.FollowRedirect),
		ThrowHTTPErrors:      Bool(o.ThrowHTTPErrors),
		HTTP2:                Bool(o.HTTP2),
		AllowGetBody:         Bool(o.AllowGetBody),
		RejectUnauthorized:   Bool(o.RejectUnauthorized),
		MethodRewriting:      Bool(o.MethodRewriting),
		ResolveBodyOnly:      Bool(o.ResolveBodyOnly),
		IgnoreInvalidCookies: Bool(o.IgnoreInvalidCookies),
		IsStream:             Bool(o.IsStream),
		MaxRedirects:         Int(o.MaxRedirects),
		ResponseType:         o.ResponseType,
		Encoding:             o.Encoding,
		Request:              o.Request,
	}
	*in.Timeout = o.Timeout
	if o.SearchParams != nil {
		in.SearchParams = cloneValues(o.SearchParams)
	}
	if o.Username != "" {
		in.Username = String(o.Username)
	}
	if o.Password != "" {
		in.Password = String(o.Password)
	}
	if o.CookieJar != nil {
		in.CookieJar = o.CookieJar
	}
	if o.DNSCache != nil {
		in.DNSCache = o.DNSCache
	} else {
		in.DNSCache = false
	}
	agent := o.Agent
	in.Agent = &agent
	return in
}

// SetPrefixURL rebases the URL onto prefix. The current URL must start with
// the current prefix.
func (o *NormalizedOptions) SetPrefixURL(prefix string) error {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if o.URL == nil {
		o.PrefixURL = prefix
		return nil
	}
	href := o.URL.String()
	if o.PrefixURL != "" && !strings.HasPrefix(href, o.PrefixURL) {
		return validationErrorf("Cannot change `prefixUrl` from %s to %s: %s", o.PrefixURL, prefix, href)
	}
	next, err := url.Parse(prefix + href[len(o.PrefixURL):])
	if err != nil {
		return &ValidationError{Message: err.Error(), Err: err}
	}
	o.URL = next
	o.PrefixURL = prefix
	return nil
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	c := make(url.Values, len(v))
	for k, vals := range v {
		c[k] = slices.Clone(vals)
	}
	return c
}
