package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// CookieJar is the cookie storage consulted before every hop and fed with
// the Set-Cookie headers of every response. Implementations must be safe for
// concurrent use; a jar may be shared by many clients.
type CookieJar interface {
	// GetCookieString returns the Cookie header value for rawURL, or "".
	GetCookieString(ctx context.Context, rawURL string) (string, error)
	// SetCookie stores one raw Set-Cookie header value received from rawURL.
	SetCookie(ctx context.Context, rawCookie, rawURL string) error
}

// NewCookieJar returns an in-memory jar backed by net/http/cookiejar with the
// public suffix list applied.
func NewCookieJar() (CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return AdaptCookieJar(jar), nil
}

// AdaptCookieJar wraps a net/http cookie jar.
func AdaptCookieJar(jar http.CookieJar) CookieJar {
	return &stdCookieJar{jar: jar}
}

type stdCookieJar struct {
	jar http.CookieJar
}

func (j *stdCookieJar) GetCookieString(ctx context.Context, rawURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	cookies := j.jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

func (j *stdCookieJar) SetCookie(ctx context.Context, rawCookie, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	c, err := http.ParseSetCookie(rawCookie)
	if err != nil {
		return fmt.Errorf("invalid cookie %q: %w", rawCookie, err)
	}
	j.jar.SetCookies(u, []*http.Cookie{c})
	return nil
}

// toCookieJar accepts a CookieJar or a net/http jar. The richer interface
// wins when a value implements both.
func toCookieJar(v any) (CookieJar, error) {
	switch jar := v.(type) {
	case CookieJar:
		return jar, nil
	case http.CookieJar:
		return AdaptCookieJar(jar), nil
	default:
		return nil, validationErrorf("The `cookieJar` option must be a CookieJar or an http.CookieJar, got %T", v)
	}
}
