package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptrace"
	"reflect"
	"sync"

	"golang.org/x/net/http2"
)

// poolKey identifies the transports that can share connections. Requests
// that differ in TLS verification, protocol, socket or resolver never share
// a pool.
type poolKey struct {
	insecure   bool
	http2      bool
	socketPath string
	resolver   DNSResolver
}

// transportPool lazily builds one round tripper per poolKey from the
// client's TransportConfig.
type transportPool struct {
	cfg *internalConfig

	mu         sync.Mutex
	transports map[poolKey]http.RoundTripper
}

func newTransportPool(cfg *internalConfig) *transportPool {
	return &transportPool{
		cfg:        cfg,
		transports: make(map[poolKey]http.RoundTripper),
	}
}

func (p *transportPool) get(key poolKey) http.RoundTripper {
	// Resolvers that cannot be map keys get a private, unpooled transport.
	if key.resolver != nil && !reflect.TypeOf(key.resolver).Comparable() {
		return p.build(key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.transports[key]; ok {
		return rt
	}
	rt := p.build(key)
	p.transports[key] = rt
	return rt
}

// closeIdleConnections closes idle connections of every pooled transport.
func (p *transportPool) closeIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rt := range p.transports {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func (p *transportPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

func (p *transportPool) build(key poolKey) http.RoundTripper {
	tc := p.cfg.transport

	dialer := &net.Dialer{
		Timeout:       tc.DialTimeout,
		KeepAlive:     tc.KeepAlive,
		FallbackDelay: tc.FallbackDelay,
	}
	dial := dialer.DialContext
	switch {
	case key.socketPath != "":
		socketPath := key.socketPath
		dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		}
	case key.resolver != nil:
		dial = dialWithResolver(dialer, key.resolver)
	}

	tlsCfg := p.tlsConfig(key.insecure)

	if key.http2 {
		return &http2.Transport{
			TLSClientConfig:    tlsCfg,
			DisableCompression: true,
			IdleConnTimeout:    tc.IdleConnTimeout,
			DialTLSContext: func(ctx context.Context, network, addr string, c *tls.Config) (net.Conn, error) {
				return dialTLS(ctx, dial, network, addr, c)
			},
		}
	}

	t := &http.Transport{
		DialContext:            dial,
		MaxIdleConns:           tc.MaxIdleConns,
		MaxIdleConnsPerHost:    tc.MaxIdleConnsPerHost,
		MaxConnsPerHost:        tc.MaxConnsPerHost,
		IdleConnTimeout:        tc.IdleConnTimeout,
		TLSHandshakeTimeout:    tc.TLSHandshakeTimeout,
		ExpectContinueTimeout:  tc.ExpectContinueTimeout,
		DisableKeepAlives:      tc.DisableKeepAlives,
		WriteBufferSize:        tc.WriteBufferSize,
		ReadBufferSize:         tc.ReadBufferSize,
		MaxResponseHeaderBytes: tc.MaxResponseHeaderBytes,
		TLSClientConfig:        tlsCfg,
		// Decoding is done by the engine so that Content-Encoding is
		// visible to hooks and every codec is handled the same way.
		DisableCompression: true,
	}
	if p.cfg.proxyURL != nil {
		t.Proxy = http.ProxyURL(p.cfg.proxyURL)
	} else if p.cfg.proxyFromEnvironment {
		t.Proxy = http.ProxyFromEnvironment
	}
	return t
}

func (p *transportPool) tlsConfig(insecure bool) *tls.Config {
	var c *tls.Config
	if p.cfg.tlsConfig != nil {
		c = p.cfg.tlsConfig.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if insecure {
		c.InsecureSkipVerify = true //nolint:gosec // rejectUnauthorized=false
	}
	return c
}

// dialTLS establishes a TLS connection for the HTTP/2 transport and reports
// the handshake to the hop's client trace so that timings and the
// secureConnect timeout cover it.
func dialTLS(
	ctx context.Context,
	dial func(ctx context.Context, network, addr string) (net.Conn, error),
	network, addr string,
	c *tls.Config,
) (net.Conn, error) {
	conn, err := dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := c.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}

	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	tlsConn := tls.Client(conn, cfg)
	err = tlsConn.HandshakeContext(ctx)
	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(tlsConn.ConnectionState(), err)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// roundTripper selects the round tripper of a hop. Per-request agents win
// over the mock transport, which wins over the pool.
func (cfg *internalConfig) roundTripper(opts *NormalizedOptions, socketPath string) http.RoundTripper {
	https := opts.URL.Scheme == "https"
	useHTTP2 := opts.HTTP2 && https

	switch {
	case useHTTP2 && opts.Agent.HTTP2 != nil:
		return opts.Agent.HTTP2
	case https && opts.Agent.HTTPS != nil:
		return opts.Agent.HTTPS
	case !https && opts.Agent.HTTP != nil:
		return opts.Agent.HTTP
	}
	if cfg.mock != nil {
		return cfg.mock
	}
	return cfg.pool.get(poolKey{
		insecure:   !opts.RejectUnauthorized,
		http2:      useHTTP2,
		socketPath: socketPath,
		resolver:   opts.DNSCache,
	})
}

// baseTransport returns the transport function of a hop before decoration:
// the custom Options.Request when set, the selected round tripper otherwise.
func (cfg *internalConfig) baseTransport(opts *NormalizedOptions, socketPath string) TransportFunc {
	if opts.Request != nil {
		return opts.Request
	}
	rt := cfg.roundTripper(opts, socketPath)
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return rt.RoundTrip(req.WithContext(ctx))
	}
}

// decorate wraps base with the client wide layers. The cache is outermost
// so that hits skip every other layer.
func (cfg *internalConfig) decorate(opts *NormalizedOptions, base TransportFunc) TransportFunc {
	next := base
	if cfg.chaos != nil {
		next = withChaos(*cfg.chaos, next)
	}
	next = cfg.breaker.wrap(next)
	next = cfg.limiter.wrap(next)
	next = cfg.instrument(next)
	if opts.Cache != nil {
		next = withCache(opts.Cache, next)
	}
	return next
}
