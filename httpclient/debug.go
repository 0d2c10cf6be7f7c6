package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"X-Api-Key":           true,
}

// redactedURL strips the password from rawURL for logs and spans.
func redactedURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}

// curlCommand renders req as a cURL command with credentials masked. body
// is only rendered when the upload was buffered.
//
//	curl -X POST 'https://api.example.com/users' -H 'Content-Type: application/json' -d '{"name":"John"}'
func curlCommand(req *http.Request, body []byte) string {
	parts := []string{"curl"}
	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}
	parts = append(parts, fmt.Sprintf("'%s'", redactedURL(req.URL.String())))

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range req.Header[k] {
			if sensitiveHeaders[k] {
				v = "***"
			}
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}
	if req.Host != "" && req.Host != req.URL.Host {
		parts = append(parts, "-H", fmt.Sprintf("'Host: %s'", req.Host))
	}

	if len(body) > 0 {
		parts = append(parts, "-d", fmt.Sprintf("'%s'", strings.ReplaceAll(string(body), "'", `'\''`)))
	}
	return strings.Join(parts, " ")
}

func logHop(logger zerolog.Logger, req *http.Request, redirects int, body []byte) {
	logger.Debug().
		Str("method", req.Method).
		Str("url", redactedURL(req.URL.String())).
		Int("redirects", redirects).
		Msg("HTTP request")
	if e := logger.Trace(); e.Enabled() {
		e.Str("curl", curlCommand(req, body)).Msg("HTTP request as curl")
	}
}

func logResponse(logger zerolog.Logger, resp *Response, duration time.Duration) {
	logger.Debug().
		Str("url", redactedURL(resp.URL())).
		Int("status", resp.StatusCode).
		Bool("from_cache", resp.IsFromCache).
		Str("ip", resp.IP).
		Dur("duration", duration).
		Msg("HTTP response")
}

func logRedirect(logger zerolog.Logger, from *Response, to *url.URL) {
	logger.Debug().
		Int("status", from.StatusCode).
		Str("from", redactedURL(from.URL())).
		Str("to", redactedURL(to.String())).
		Msg("following redirect")
}

func logRetry(logger zerolog.Logger, err *RequestError, retryCount int, delay time.Duration) {
	logger.Warn().
		Err(err).
		Str("kind", err.Kind.String()).
		Str("code", err.Code).
		Int("retry", retryCount).
		Dur("delay", delay).
		Msg("retrying request")
}

func logRejection(logger zerolog.Logger, err *RequestError, retryCount int) {
	e := logger.Error().
		Err(err).
		Str("kind", err.Kind.String()).
		Str("code", err.Code).
		Int("retries", retryCount)
	if err.Options != nil && err.Options.URL != nil {
		e = e.Str("method", err.Options.Method).Str("url", redactedURL(err.Options.URL.String()))
	}
	if err.Response != nil {
		e = e.Int("status", err.Response.StatusCode)
	}
	e.Msg("request failed")
}
