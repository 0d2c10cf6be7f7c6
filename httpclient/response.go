package httpclient

import (
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// Response is the final response of a request, after redirects and
// decompression, with the metadata collected along the way.
//
// In stream mode the body is read through the Request. In promise mode it is
// already buffered: Body and RawBody return it and Value holds the parsed
// result.
//
//	resp, err := client.Get(ctx, "https://example.com/users").Response()
//	if err != nil {
//	    return err
//	}
//	fmt.Println(resp.StatusCode, resp.RedirectURLs, resp.Timings().Phases.Total)
type Response struct {
	// Response embeds the last hop's http.Response. Use Body for the
	// payload.
	*http.Response

	// RequestURL is the URL of the first hop.
	RequestURL string
	// RedirectURLs lists every followed Location, in order.
	RedirectURLs []string
	// IsFromCache reports whether the response was served by the cache.
	IsFromCache bool
	// IP is the peer address of the last hop, when known.
	IP string
	// RetryCount is the number of retries consumed before this response.
	RetryCount int
	// StatusMessage is the reason phrase, e.g. "Not Found".
	StatusMessage string

	url      string
	options  *NormalizedOptions
	rawBody  []byte
	bodyRead bool
	value    any
	timings  atomic.Pointer[Timings]
}

// Timings returns the timings of the last hop. End is set once the body has
// been read to EOF.
func (r *Response) Timings() *Timings {
	return r.timings.Load()
}

// Body returns the response payload. The stream is read once and cached.
func (r *Response) Body() ([]byte, error) {
	if r.bodyRead {
		return r.rawBody, nil
	}
	if r.Response == nil || r.Response.Body == nil {
		r.bodyRead = true
		return nil, nil
	}

	defer r.Response.Body.Close()
	body, err := io.ReadAll(r.Response.Body)
	if err != nil {
		return nil, err
	}
	r.setBody(body)
	return r.rawBody, nil
}

// String returns the payload as a string.
func (r *Response) String() (string, error) {
	body, err := r.Body()
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RawBody returns the buffered payload, or nil before it has been read.
func (r *Response) RawBody() []byte {
	return r.rawBody
}

// Value returns the body parsed according to Options.ResponseType. It is
// only set for responses of a CancelableRequest.
func (r *Response) Value() any {
	return r.value
}

// Decode unmarshals the payload into v, as XML when the content type says
// so and as JSON otherwise.
func (r *Response) Decode(v any) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/xml") || strings.Contains(contentType, "text/xml") {
		return xml.Unmarshal(body, v)
	}
	return json.Unmarshal(body, v)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError reports a 4xx or 5xx status.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// URL returns the URL of the last hop.
func (r *Response) URL() string {
	return r.url
}

// Options returns the options of the request that produced the response.
func (r *Response) Options() *NormalizedOptions {
	return r.options
}

func (r *Response) setBody(body []byte) {
	r.rawBody = body
	r.bodyRead = true
}

// isOK reports whether status counts as success for ThrowHTTPErrors. 3xx
// responses are only OK when redirects are not followed.
func isOK(status int, followRedirect bool) bool {
	limit := 299
	if !followRedirect {
		limit = 399
	}
	return (status >= 200 && status <= limit) || status == http.StatusNotModified
}
