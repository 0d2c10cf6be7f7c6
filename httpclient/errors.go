package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind discriminates the variants of RequestError.
type ErrorKind int

const (
	// KindRequest is the generic variant for transport and hook failures.
	KindRequest ErrorKind = iota
	// KindHTTP is raised for non-OK status codes when ThrowHTTPErrors is set.
	KindHTTP
	// KindMaxRedirects is raised when the redirect chain exceeds MaxRedirects.
	KindMaxRedirects
	// KindCache is raised when the cache storage fails.
	KindCache
	// KindUpload is raised when the request body source fails.
	KindUpload
	// KindTimeout is raised when a per-phase timeout fires.
	KindTimeout
	// KindRead is raised when reading the response body fails.
	KindRead
	// KindParse is raised when the response body cannot be parsed.
	KindParse
	// KindUnsupportedProtocol is raised for schemes other than http, https and unix.
	KindUnsupportedProtocol
	// KindCancel is raised when a request is canceled.
	KindCancel
)

var kindNames = [...]string{
	KindRequest:             "RequestError",
	KindHTTP:                "HTTPError",
	KindMaxRedirects:        "MaxRedirectsError",
	KindCache:               "CacheError",
	KindUpload:              "UploadError",
	KindTimeout:             "TimeoutError",
	KindRead:                "ReadError",
	KindParse:               "ParseError",
	KindUnsupportedProtocol: "UnsupportedProtocolError",
	KindCancel:              "CancelError",
}

// String returns the error class name of the kind.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

// Sentinel errors matched by errors.Is against a *RequestError of the
// corresponding kind.
var (
	ErrRequest             = errors.New("httpclient: request failed")
	ErrHTTP                = errors.New("httpclient: unsuccessful response status")
	ErrMaxRedirects        = errors.New("httpclient: too many redirects")
	ErrCache               = errors.New("httpclient: cache failure")
	ErrUpload              = errors.New("httpclient: upload failed")
	ErrTimeout             = errors.New("httpclient: timeout")
	ErrRead                = errors.New("httpclient: reading response failed")
	ErrParse               = errors.New("httpclient: parsing response failed")
	ErrUnsupportedProtocol = errors.New("httpclient: unsupported protocol")
	ErrCanceled            = errors.New("httpclient: canceled")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("httpclient: invalid options")
)

var kindSentinels = [...]error{
	KindRequest:             ErrRequest,
	KindHTTP:                ErrHTTP,
	KindMaxRedirects:        ErrMaxRedirects,
	KindCache:               ErrCache,
	KindUpload:              ErrUpload,
	KindTimeout:             ErrTimeout,
	KindRead:                ErrRead,
	KindParse:               ErrParse,
	KindUnsupportedProtocol: ErrUnsupportedProtocol,
	KindCancel:              ErrCanceled,
}

// Error codes assigned by the client itself. Network failures carry the
// errno style code derived from the underlying error (see errorCode).
const (
	CodeHTTPStatus          = "ERR_NON_2XX_3XX_RESPONSE"
	CodeTooManyRedirects    = "ERR_TOO_MANY_REDIRECTS"
	CodeUnsupportedProtocol = "ERR_UNSUPPORTED_PROTOCOL"
	CodeCanceled            = "ERR_CANCELED"
	CodeTimedOut            = "ETIMEDOUT"
	CodeBodyParse           = "ERR_BODY_PARSE_FAILURE"
	CodeCacheAccess         = "ERR_CACHE_ACCESS"
	CodeUpload              = "ERR_UPLOAD"
	CodeReadResponse        = "ERR_READING_RESPONSE_STREAM"
)

// RequestError is the error type of every failure surfaced by a Request or
// a CancelableRequest. Kind tells the variants apart; Code carries either a
// client code or an errno style network code such as ECONNRESET.
type RequestError struct {
	Kind    ErrorKind
	Code    string
	Message string

	// Event names the timeout phase for KindTimeout.
	Event string

	Options  *NormalizedOptions
	Response *Response
	Timings  *Timings
	// Request is the engine the error was raised in. It is nil for errors
	// returned before a request started, such as invalid options.
	Request *Request

	// Err is the underlying cause, if any.
	Err error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *RequestError) Is(target error) bool {
	if e.Kind < 0 || int(e.Kind) >= len(kindSentinels) {
		return false
	}
	return target == kindSentinels[e.Kind]
}

// Timeout reports whether the error is a per-phase timeout.
func (e *RequestError) Timeout() bool {
	return e.Kind == KindTimeout
}

// ValidationError reports invalid options. It is returned synchronously by
// Normalize and by the option bag parsers.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// uploadError tags failures of the request body source so the transport
// error can be classified as KindUpload.
type uploadError struct {
	err error
}

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

// cacheError tags storage failures raised by the caching transport.
type cacheError struct {
	err error
}

func (e *cacheError) Error() string { return e.err.Error() }
func (e *cacheError) Unwrap() error { return e.err }

func newRequestError(kind ErrorKind, code, message string, cause error, opts *NormalizedOptions) *RequestError {
	if code == "" {
		code = errorCode(cause)
	}
	return &RequestError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Options: opts,
		Err:     cause,
	}
}

func newHTTPError(resp *Response) *RequestError {
	e := newRequestError(
		KindHTTP,
		CodeHTTPStatus,
		fmt.Sprintf("Response code %d (%s)", resp.StatusCode, resp.StatusMessage),
		nil,
		resp.options,
	)
	e.Response = resp
	e.Timings = resp.Timings()
	return e
}

func newMaxRedirectsError(resp *Response, maxRedirects int) *RequestError {
	e := newRequestError(
		KindMaxRedirects,
		CodeTooManyRedirects,
		fmt.Sprintf("Redirected %d times. Aborting.", maxRedirects),
		nil,
		resp.options,
	)
	e.Response = resp
	e.Timings = resp.Timings()
	return e
}

func newTimeoutError(event string, limit time.Duration, opts *NormalizedOptions) *RequestError {
	e := newRequestError(
		KindTimeout,
		CodeTimedOut,
		fmt.Sprintf("Timeout awaiting '%s' for %s", event, limit),
		&timeoutCause{event: event, limit: limit},
		opts,
	)
	e.Event = event
	return e
}

func newUnsupportedProtocolError(scheme string, opts *NormalizedOptions) *RequestError {
	return newRequestError(
		KindUnsupportedProtocol,
		CodeUnsupportedProtocol,
		fmt.Sprintf("Unsupported protocol %q", scheme+":"),
		nil,
		opts,
	)
}

func newCancelError(opts *NormalizedOptions) *RequestError {
	return newRequestError(KindCancel, CodeCanceled, "Promise was canceled", nil, opts)
}

func newParseError(cause error, resp *Response) *RequestError {
	target := ""
	if resp.options != nil && resp.options.URL != nil {
		target = resp.options.URL.String()
	}
	e := newRequestError(
		KindParse,
		CodeBodyParse,
		fmt.Sprintf("%s in %q", cause.Error(), target),
		cause,
		resp.options,
	)
	e.Response = resp
	e.Timings = resp.Timings()
	return e
}

func newReadError(cause error, opts *NormalizedOptions) *RequestError {
	code := errorCode(cause)
	if code == "" {
		code = CodeReadResponse
	}
	return newRequestError(KindRead, code, cause.Error(), cause, opts)
}

// asRequestError returns err itself when it is a *RequestError and wraps it
// into a KindRequest error otherwise. Wrapped chains are classified by their
// tagged causes.
func asRequestError(err error, opts *NormalizedOptions) *RequestError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RequestError); ok {
		if re.Options == nil {
			re.Options = opts
		}
		return re
	}

	var (
		tc *timeoutCause
		ue *uploadError
		ce *cacheError
	)
	switch {
	case errors.As(err, &tc):
		return newTimeoutError(tc.event, tc.limit, opts)
	case errors.As(err, &ue):
		code := errorCode(ue.err)
		if code == "" {
			code = CodeUpload
		}
		return newRequestError(KindUpload, code, err.Error(), err, opts)
	case errors.As(err, &ce):
		return newRequestError(KindCache, CodeCacheAccess, err.Error(), err, opts)
	case errors.Is(err, ErrCanceled):
		return newRequestError(KindCancel, CodeCanceled, err.Error(), err, opts)
	}
	return newRequestError(KindRequest, "", err.Error(), err, opts)
}
