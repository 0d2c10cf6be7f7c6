package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http/httptrace"
	"sync"
	"time"
)

// Timeout phases reported in RequestError.Event.
const (
	PhaseLookup        = "lookup"
	PhaseConnect       = "connect"
	PhaseSecureConnect = "secureConnect"
	PhaseSocket        = "socket"
	PhaseSend          = "send"
	PhaseResponse      = "response"
	PhaseRequest       = "request"
)

// timeoutCause is the cancellation cause of a hop whose phase deadline fired.
type timeoutCause struct {
	event string
	limit time.Duration
}

func (c *timeoutCause) Error() string {
	return fmt.Sprintf("Timeout awaiting '%s' for %s", c.event, c.limit)
}

// timeoutWatcher arms one timer per phase and cancels the hop with a
// timeoutCause when any of them fires.
type timeoutWatcher struct {
	cancel   context.CancelCauseFunc
	timeouts Timeouts

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newTimeoutWatcher(cancel context.CancelCauseFunc, timeouts Timeouts) *timeoutWatcher {
	return &timeoutWatcher{
		cancel:   cancel,
		timeouts: timeouts,
		timers:   make(map[string]*time.Timer),
	}
}

func (w *timeoutWatcher) limit(event string) time.Duration {
	switch event {
	case PhaseLookup:
		return w.timeouts.Lookup
	case PhaseConnect:
		return w.timeouts.Connect
	case PhaseSecureConnect:
		return w.timeouts.SecureConnect
	case PhaseSocket:
		return w.timeouts.Socket
	case PhaseSend:
		return w.timeouts.Send
	case PhaseResponse:
		return w.timeouts.Response
	case PhaseRequest:
		return w.timeouts.Request
	}
	return 0
}

// arm starts (or restarts) the timer of event. Phases without a limit are
// ignored.
func (w *timeoutWatcher) arm(event string) {
	d := w.limit(event)
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[event]; ok {
		t.Reset(d)
		return
	}
	w.timers[event] = time.AfterFunc(d, func() {
		w.cancel(&timeoutCause{event: event, limit: d})
	})
}

func (w *timeoutWatcher) disarm(event string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[event]; ok {
		t.Stop()
		delete(w.timers, event)
	}
}

// touch resets the socket idle timer if it is running.
func (w *timeoutWatcher) touch() {
	w.mu.Lock()
	t, ok := w.timers[PhaseSocket]
	stopped := w.stopped
	w.mu.Unlock()
	if ok && !stopped {
		t.Reset(w.timeouts.Socket)
	}
}

func (w *timeoutWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for event, t := range w.timers {
		t.Stop()
		delete(w.timers, event)
	}
}

// clientTrace maps connection events to phase timers.
func (w *timeoutWatcher) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { w.arm(PhaseLookup) },
		DNSDone:  func(httptrace.DNSDoneInfo) { w.disarm(PhaseLookup) },
		ConnectStart: func(string, string) {
			w.arm(PhaseConnect)
		},
		ConnectDone: func(string, string, error) { w.disarm(PhaseConnect) },
		TLSHandshakeStart: func() {
			w.arm(PhaseSecureConnect)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) { w.disarm(PhaseSecureConnect) },
		GotConn: func(httptrace.GotConnInfo) {
			w.arm(PhaseSocket)
			w.arm(PhaseSend)
		},
		WroteHeaders: func() { w.touch() },
		WroteRequest: func(httptrace.WroteRequestInfo) {
			w.disarm(PhaseSend)
			w.touch()
			w.arm(PhaseResponse)
		},
		GotFirstResponseByte: func() {
			w.disarm(PhaseResponse)
			w.touch()
		},
	}
}

// timeoutFrom returns the timeout cause of ctx, if its cancellation was
// caused by a phase deadline.
func timeoutFrom(ctx context.Context) *timeoutCause {
	if tc, ok := context.Cause(ctx).(*timeoutCause); ok {
		return tc
	}
	return nil
}
