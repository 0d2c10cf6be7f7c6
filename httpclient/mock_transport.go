package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
)

// MockResponse describes a stubbed response.
type MockResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// MockTransport is an http.RoundTripper for tests of code built on a
// Client. Stubs are matched in registration order; the first match wins.
//
//	mock := httpclient.NewMockTransport().
//	    StubPath("/users", http.StatusOK, `[{"id":1}]`)
//	client, _ := httpclient.New(httpclient.WithMockTransport(mock))
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []stub
	fallback    func(*http.Request) (*http.Response, error)
	requests    []RecordedRequest
	requestHook func(*http.Request)
}

// RecordedRequest is a request seen by a MockTransport, with its body
// already read.
type RecordedRequest struct {
	*http.Request
	Body []byte
}

type stub struct {
	matcher   func(*http.Request) bool
	responder func(*http.Request) (*http.Response, error)
}

// NewMockTransport creates an empty MockTransport. Unmatched requests fail.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse answers every unmatched request with statusCode and body.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	resp := MockResponse{StatusCode: statusCode, Body: body}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = func(req *http.Request) (*http.Response, error) {
		return resp.build(req), nil
	}
	return m
}

// StubError fails every unmatched request with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = func(*http.Request) (*http.Response, error) {
		return nil, err
	}
	return m
}

// StubPath answers requests for path.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(matchPath(path), MockResponse{StatusCode: statusCode, Body: body})
}

// StubPathRegex answers requests whose path matches pattern.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, MockResponse{StatusCode: statusCode, Body: body})
}

// StubRedirect answers requests for path with a redirect to location.
func (m *MockTransport) StubRedirect(path string, statusCode int, location string) *MockTransport {
	return m.StubFunc(matchPath(path), MockResponse{
		StatusCode: statusCode,
		Header:     http.Header{"Location": []string{location}},
	})
}

// StubFunc answers requests matching matcher with resp.
func (m *MockTransport) StubFunc(matcher func(*http.Request) bool, resp MockResponse) *MockTransport {
	return m.addStub(matcher, func(req *http.Request) (*http.Response, error) {
		return resp.build(req), nil
	})
}

// StubSequence answers requests for path with responses in order. The last
// one is repeated once the sequence is exhausted.
func (m *MockTransport) StubSequence(path string, responses ...MockResponse) *MockTransport {
	if len(responses) == 0 {
		return m
	}
	var (
		mu   sync.Mutex
		next int
	)
	return m.addStub(matchPath(path), func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		resp := responses[min(next, len(responses)-1)]
		next++
		mu.Unlock()
		return resp.build(req), nil
	})
}

// StubFuncError fails requests matching matcher with err.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	return m.addStub(matcher, func(*http.Request) (*http.Response, error) {
		return nil, err
	})
}

// StubHandler answers requests matching matcher with fn.
func (m *MockTransport) StubHandler(
	matcher func(*http.Request) bool,
	fn func(*http.Request) (*http.Response, error),
) *MockTransport {
	return m.addStub(matcher, fn)
}

func (m *MockTransport) addStub(
	matcher func(*http.Request) bool,
	responder func(*http.Request) (*http.Response, error),
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, responder: responder})
	return m
}

// OnRequest sets a hook called for each request, after its body was
// recorded.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{Request: req, Body: body})
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	m.mu.RLock()
	stubs, fallback := m.stubs, m.fallback
	m.mu.RUnlock()

	for _, s := range stubs {
		if s.matcher(req) {
			return s.responder(req)
		}
	}
	if fallback != nil {
		return fallback(req)
	}
	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
}

// Requests returns the recorded requests in order.
func (m *MockTransport) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of recorded requests.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	last := m.requests[len(m.requests)-1]
	return &last
}

// Reset clears the recorded requests and the stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.fallback = nil
	m.requestHook = nil
}

func matchPath(path string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		return req.URL.Path == path
	}
}

func (r MockResponse) build(req *http.Request) *http.Response {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewBufferString(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
