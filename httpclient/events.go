package httpclient

import (
	"fmt"
	"net/http"
	"sync"
)

// Event identifies a lifecycle notification emitted by a Request or a
// CancelableRequest.
type Event int

const (
	// EventRequest fires right before the transport is invoked for a hop.
	EventRequest Event = iota
	// EventResponse fires once the final response is available for reading.
	EventResponse
	// EventRedirect fires after a redirect has been accepted and the
	// beforeRedirect hooks have run.
	EventRedirect
	// EventUploadProgress fires as request body bytes are written.
	EventUploadProgress
	// EventDownloadProgress fires as response body bytes are read.
	EventDownloadProgress
	// EventRetry fires when a failed attempt is scheduled to be retried.
	EventRetry

	numEvents
)

var eventNames = [...]string{
	EventRequest:          "request",
	EventResponse:         "response",
	EventRedirect:         "redirect",
	EventUploadProgress:   "uploadProgress",
	EventDownloadProgress: "downloadProgress",
	EventRetry:            "retry",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

// Progress describes transfer progress. Total is -1 when the size is not
// known in advance; Percent is then 0 until the transfer completes.
type Progress struct {
	Percent     float64
	Transferred int64
	Total       int64
}

func newProgress(transferred, total int64, done bool) Progress {
	p := Progress{Transferred: transferred, Total: total}
	switch {
	case done:
		p.Percent = 1
	case total > 0:
		p.Percent = float64(transferred) / float64(total)
		if p.Percent > 1 {
			p.Percent = 1
		}
	}
	return p
}

// EventInfo carries the payload of an event. Fields not relevant to the
// event are zero.
type EventInfo struct {
	Request    *http.Request
	Response   *Response
	Options    *NormalizedOptions
	Progress   Progress
	RetryCount int
	Err        error
}

// EventHandler receives events. Handlers run synchronously on the goroutine
// that produced the event and must be safe for concurrent use.
type EventHandler func(Event, EventInfo)

type emitter struct {
	mu       sync.RWMutex
	handlers [numEvents][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{}
}

func (e *emitter) on(evt Event, h EventHandler) {
	if h == nil || evt < 0 || evt >= numEvents {
		return
	}
	e.mu.Lock()
	e.handlers[evt] = append(e.handlers[evt], h)
	e.mu.Unlock()
}

func (e *emitter) emit(evt Event, info EventInfo) {
	e.mu.RLock()
	handlers := e.handlers[evt]
	e.mu.RUnlock()

	for _, h := range handlers {
		h(evt, info)
	}
}
