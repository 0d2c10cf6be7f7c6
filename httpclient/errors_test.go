package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindRequest, "RequestError"},
		{KindHTTP, "HTTPError"},
		{KindMaxRedirects, "MaxRedirectsError"},
		{KindCache, "CacheError"},
		{KindUpload, "UploadError"},
		{KindTimeout, "TimeoutError"},
		{KindRead, "ReadError"},
		{KindParse, "ParseError"},
		{KindUnsupportedProtocol, "UnsupportedProtocolError"},
		{KindCancel, "CancelError"},
		{ErrorKind(42), "ErrorKind(42)"},
		{ErrorKind(-1), "ErrorKind(-1)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestRequestError_Is(t *testing.T) {
	sentinels := []error{
		ErrRequest, ErrHTTP, ErrMaxRedirects, ErrCache, ErrUpload,
		ErrTimeout, ErrRead, ErrParse, ErrUnsupportedProtocol, ErrCanceled,
	}

	for i, want := range sentinels {
		kind := ErrorKind(i)
		t.Run(kind.String(), func(t *testing.T) {
			err := error(&RequestError{Kind: kind})
			for _, other := range sentinels {
				assert.Equal(t, other == want, errors.Is(err, other), "kind %s vs %v", kind, other)
			}
			assert.False(t, errors.Is(err, ErrValidation))
		})
	}

	assert.False(t, errors.Is(&RequestError{Kind: ErrorKind(99)}, ErrRequest))
}

func TestRequestError_Wrapping(t *testing.T) {
	cause := syscall.ECONNRESET
	err := fmt.Errorf("do: %w", newRequestError(KindRequest, "", "read: connection reset", cause, nil))

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeConnReset, re.Code)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.ErrorIs(t, err, ErrRequest)
	assert.False(t, re.Timeout())
}

func TestErrorConstructors(t *testing.T) {
	u, _ := url.Parse("https://example.com/items")
	opts := &NormalizedOptions{URL: u}
	resp := &Response{
		Response:      &http.Response{StatusCode: http.StatusNotFound},
		StatusMessage: "Not Found",
		options:       opts,
	}

	tests := []struct {
		name        string
		err         *RequestError
		wantKind    ErrorKind
		wantCode    string
		wantMessage string
	}{
		{
			name:        "given an HTTP error, then reports the status",
			err:         newHTTPError(resp),
			wantKind:    KindHTTP,
			wantCode:    CodeHTTPStatus,
			wantMessage: "Response code 404 (Not Found)",
		},
		{
			name:        "given too many redirects, then reports the limit",
			err:         newMaxRedirectsError(resp, 10),
			wantKind:    KindMaxRedirects,
			wantCode:    CodeTooManyRedirects,
			wantMessage: "Redirected 10 times. Aborting.",
		},
		{
			name:        "given a timeout, then names the phase",
			err:         newTimeoutError("connect", 50*time.Millisecond, opts),
			wantKind:    KindTimeout,
			wantCode:    CodeTimedOut,
			wantMessage: "Timeout awaiting 'connect' for 50ms",
		},
		{
			name:        "given an unsupported scheme, then quotes it",
			err:         newUnsupportedProtocolError("ftp", opts),
			wantKind:    KindUnsupportedProtocol,
			wantCode:    CodeUnsupportedProtocol,
			wantMessage: `Unsupported protocol "ftp:"`,
		},
		{
			name:        "given a cancellation, then uses the canceled code",
			err:         newCancelError(opts),
			wantKind:    KindCancel,
			wantCode:    CodeCanceled,
			wantMessage: "Promise was canceled",
		},
		{
			name:        "given a parse failure, then appends the URL",
			err:         newParseError(errors.New("unexpected end of JSON input"), resp),
			wantKind:    KindParse,
			wantCode:    CodeBodyParse,
			wantMessage: `unexpected end of JSON input in "https://example.com/items"`,
		},
		{
			name:        "given a read failure without a network code, then uses the read code",
			err:         newReadError(errors.New("short body"), opts),
			wantKind:    KindRead,
			wantCode:    CodeReadResponse,
			wantMessage: "short body",
		},
		{
			name:        "given a read failure on a reset connection, then keeps the network code",
			err:         newReadError(syscall.ECONNRESET, opts),
			wantKind:    KindRead,
			wantCode:    CodeConnReset,
			wantMessage: syscall.ECONNRESET.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, tt.err.Kind)
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantMessage, tt.err.Error())
			assert.Same(t, opts, tt.err.Options)
		})
	}
}

func TestNewTimeoutError(t *testing.T) {
	err := newTimeoutError("request", time.Second, nil)

	assert.True(t, err.Timeout())
	assert.Equal(t, "request", err.Event)

	var tc *timeoutCause
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, time.Second, tc.limit)
}

func TestAsRequestError(t *testing.T) {
	opts := &NormalizedOptions{}
	existing := &RequestError{Kind: KindHTTP, Code: CodeHTTPStatus}

	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
		wantCode string
	}{
		{
			name:     "given a RequestError, then returns it",
			err:      existing,
			wantKind: KindHTTP,
			wantCode: CodeHTTPStatus,
		},
		{
			name:     "given a wrapped timeout cause, then builds a timeout error",
			err:      fmt.Errorf("hop: %w", &timeoutCause{event: "socket", limit: time.Second}),
			wantKind: KindTimeout,
			wantCode: CodeTimedOut,
		},
		{
			name:     "given an upload failure, then tags it",
			err:      &uploadError{err: errors.New("disk gone")},
			wantKind: KindUpload,
			wantCode: CodeUpload,
		},
		{
			name:     "given an upload failure on a broken pipe, then keeps the network code",
			err:      &uploadError{err: syscall.EPIPE},
			wantKind: KindUpload,
			wantCode: CodeBrokenPipe,
		},
		{
			name:     "given a cache failure, then tags it",
			err:      &cacheError{err: errors.New("redis down")},
			wantKind: KindCache,
			wantCode: CodeCacheAccess,
		},
		{
			name:     "given a canceled sentinel, then builds a cancel error",
			err:      fmt.Errorf("stop: %w", ErrCanceled),
			wantKind: KindCancel,
			wantCode: CodeCanceled,
		},
		{
			name:     "given a deadline, then classifies the code",
			err:      context.DeadlineExceeded,
			wantKind: KindRequest,
			wantCode: CodeTimedOut,
		},
		{
			name:     "given an unknown error, then wraps it without a code",
			err:      errors.New("boom"),
			wantKind: KindRequest,
			wantCode: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := asRequestError(tt.err, opts)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Same(t, opts, got.Options)
		})
	}

	assert.Nil(t, asRequestError(nil, opts))
}

func TestValidationError(t *testing.T) {
	cause := errors.New("bad json")
	err := error(&ValidationError{Message: "Invalid options JSON: bad json", Err: cause})

	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Invalid options JSON: bad json", err.Error())
	assert.Equal(t, "The `x` option cannot be used", validationErrorf("The `%s` option cannot be used", "x").Error())
}

func TestClient_UnsupportedProtocol(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Get(context.Background(), "ftp://example.com/file", nil).Response()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnsupportedProtocol, re.Code)
}

func TestClient_UnknownResponseType(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusOK, "<ok/>")
	client := newTestClient(t, WithMockTransport(mock))

	_, err := client.Get(context.Background(), "https://example.com/feed", &Options{ResponseType: "xml"}).Response()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Unknown body type 'xml'")
	assert.Zero(t, mock.RequestCount())
}
