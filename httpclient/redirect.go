package httpclient

import (
	"io"
	"net/http"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var redirectCodes = map[int]bool{
	http.StatusMultipleChoices:   true,
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusNotModified:       true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// maxDrainBytes bounds how much of a redirect body is read before the
// connection is given up instead of reused.
const maxDrainBytes = 1 << 20

// followRedirect prepares the options for the hop to the Location of resp.
// The caller dispatches the next hop on the same Request.
func (r *Request) followRedirect(resp *Response) error {
	o := r.options

	body, _ := io.ReadAll(io.LimitReader(resp.Response.Body, maxDrainBytes))
	_ = resp.Response.Body.Close()
	resp.setBody(body)
	r.endHop()

	status := resp.StatusCode
	rewrite := status == http.StatusSeeOther && o.Method != http.MethodGet && o.Method != http.MethodHead
	if rewrite || !o.MethodRewriting {
		if o.Method != http.MethodHead {
			o.Method = http.MethodGet
		}
		r.dropPayload()
	}

	if len(r.redirects) >= o.MaxRedirects {
		return newMaxRedirectsError(resp, o.MaxRedirects)
	}

	location := resp.Header.Get("Location")
	if !utf8.ValidString(location) {
		if decoded, err := charmap.ISO8859_1.NewDecoder().String(location); err == nil {
			location = decoded
		}
	}
	next, err := o.URL.Parse(location)
	if err != nil {
		return err
	}
	redirectURL := next.String()

	if next.Hostname() != o.URL.Hostname() || next.Port() != o.URL.Port() {
		delete(o.Headers, "host")
		delete(o.Headers, "cookie")
		delete(o.Headers, "authorization")
		o.Username, o.Password = "", ""
		next.User = nil
	} else {
		next.User = o.URL.User
	}

	o.URL = next

	r.mu.Lock()
	r.redirects = append(r.redirects, redirectURL)
	r.mu.Unlock()

	for _, hook := range o.Hooks.BeforeRedirect {
		if err := hook(r.ctx, o, resp); err != nil {
			return err
		}
	}

	r.events.emit(EventRedirect, EventInfo{Response: resp, Options: o})
	r.cfg.metrics.recordRedirect(r.ctx, status, r.cfg.baseAttributes())
	r.cfg.prometheus.observeRedirect(status)
	logRedirect(r.cfg.logger, resp, next)
	return nil
}
