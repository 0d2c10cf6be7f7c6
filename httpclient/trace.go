package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http/httptrace"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Timings records the wall clock of each connection event of the last hop.
// Zero times mean the event did not happen, e.g. Lookup on a reused
// connection.
type Timings struct {
	Start         time.Time
	Socket        time.Time
	Lookup        time.Time
	Connect       time.Time
	SecureConnect time.Time
	Upload        time.Time
	Response      time.Time
	End           time.Time
	Error         time.Time
	Abort         time.Time

	Phases TimingPhases
}

// TimingPhases are the durations derived from Timings.
type TimingPhases struct {
	Wait      time.Duration
	DNS       time.Duration
	TCP       time.Duration
	TLS       time.Duration
	Request   time.Duration
	FirstByte time.Duration
	Download  time.Duration
	Total     time.Duration
}

// timingsRecorder collects Timings and connection details through
// httptrace. It is reset at the start of every hop.
type timingsRecorder struct {
	mu sync.Mutex
	t  Timings

	dnsStart     time.Time
	connectStart time.Time
	tlsStart     time.Time

	reused   bool
	wasIdle  bool
	remote   string
	protocol string
	dnsAddrs []string
}

func (r *timingsRecorder) reset(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.t = Timings{Start: now}
	r.dnsStart, r.connectStart, r.tlsStart = time.Time{}, time.Time{}, time.Time{}
	r.reused, r.wasIdle = false, false
	r.remote, r.protocol = "", ""
	r.dnsAddrs = nil
}

func (r *timingsRecorder) mark(fn func(t *Timings)) {
	r.mu.Lock()
	fn(&r.t)
	r.mu.Unlock()
}

func (r *timingsRecorder) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.t.Socket = time.Now()
			r.reused = info.Reused
			r.wasIdle = info.WasIdle
			if info.Conn != nil {
				if addr := info.Conn.RemoteAddr(); addr != nil {
					r.remote = addr.String()
				}
			}
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			r.mu.Lock()
			r.dnsStart = time.Now()
			r.mu.Unlock()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.t.Lookup = time.Now()
			r.dnsAddrs = r.dnsAddrs[:0]
			for _, addr := range info.Addrs {
				r.dnsAddrs = append(r.dnsAddrs, addr.String())
			}
		},
		ConnectStart: func(string, string) {
			r.mu.Lock()
			r.connectStart = time.Now()
			r.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			r.mark(func(t *Timings) { t.Connect = time.Now() })
		},
		TLSHandshakeStart: func() {
			r.mu.Lock()
			r.tlsStart = time.Now()
			r.mu.Unlock()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.t.SecureConnect = time.Now()
			r.protocol = state.NegotiatedProtocol
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			r.mark(func(t *Timings) { t.Upload = time.Now() })
		},
		GotFirstResponseByte: func() {
			r.mark(func(t *Timings) { t.Response = time.Now() })
		},
	}
}

// remoteIP returns the peer IP of the hop's connection, if known.
func (r *timingsRecorder) remoteIP() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host, _, err := net.SplitHostPort(r.remote); err == nil {
		return host
	}
	return r.remote
}

func (r *timingsRecorder) snapshot() *Timings {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.t
	since := func(from, to time.Time) time.Duration {
		if from.IsZero() || to.IsZero() {
			return 0
		}
		return to.Sub(from)
	}
	t.Phases = TimingPhases{
		Wait:      since(t.Start, t.Socket),
		DNS:       since(r.dnsStart, t.Lookup),
		TCP:       since(r.connectStart, t.Connect),
		TLS:       since(r.tlsStart, t.SecureConnect),
		Request:   since(t.Socket, t.Upload),
		FirstByte: since(t.Upload, t.Response),
		Download:  since(t.Response, t.End),
		Total:     since(t.Start, t.End),
	}
	if t.End.IsZero() {
		t.Phases.Total = since(t.Start, firstNonZero(t.Error, t.Abort))
	}
	return &t
}

func firstNonZero(times ...time.Time) time.Time {
	for _, t := range times {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// addSpanEvents records the connection events of the hop on span.
func (r *timingsRecorder) addSpanEvents(span trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dnsStart.IsZero() && !r.t.Lookup.IsZero() {
		span.AddEvent("dns.done", trace.WithTimestamp(r.t.Lookup), trace.WithAttributes(
			attribute.Float64("dns.duration_ms", float64(r.t.Lookup.Sub(r.dnsStart).Milliseconds())),
			attribute.StringSlice("dns.addresses", r.dnsAddrs),
		))
	}
	if !r.connectStart.IsZero() && !r.t.Connect.IsZero() {
		span.AddEvent("connect.done", trace.WithTimestamp(r.t.Connect), trace.WithAttributes(
			attribute.Float64("connect.duration_ms", float64(r.t.Connect.Sub(r.connectStart).Milliseconds())),
		))
	}
	if !r.tlsStart.IsZero() && !r.t.SecureConnect.IsZero() {
		span.AddEvent("tls.done", trace.WithTimestamp(r.t.SecureConnect), trace.WithAttributes(
			attribute.Float64("tls.duration_ms", float64(r.t.SecureConnect.Sub(r.tlsStart).Milliseconds())),
			attribute.String("tls.protocol", r.protocol),
		))
	}
	if !r.t.Socket.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(r.t.Socket), trace.WithAttributes(
			attribute.Bool("connection.reused", r.reused),
			attribute.Bool("connection.was_idle", r.wasIdle),
			attribute.String("network.peer.address", r.remote),
		))
	}
	if !r.t.Response.IsZero() && !r.t.Upload.IsZero() {
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(r.t.Response), trace.WithAttributes(
			attribute.Float64("ttfb_ms", float64(r.t.Response.Sub(r.t.Upload).Milliseconds())),
		))
	}
}

// recordTimingMetrics feeds the phase durations of the hop into m.
func (r *timingsRecorder) recordTimingMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	t := r.snapshot()
	if t.Phases.DNS > 0 {
		m.recordDNSDuration(ctx, t.Phases.DNS, attrs)
	}
	if t.Phases.TCP > 0 {
		m.recordConnectDuration(ctx, t.Phases.TCP, attrs)
	}
	if t.Phases.TLS > 0 {
		m.recordTLSDuration(ctx, t.Phases.TLS, attrs)
	}
	if t.Phases.FirstByte > 0 {
		m.recordTTFB(ctx, t.Phases.FirstByte, attrs)
	}
}
