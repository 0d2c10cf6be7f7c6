package httpclient

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// DefaultUserAgent is sent unless the caller overrides the user-agent header.
const DefaultUserAgent = "courier-go (https://github.com/kroma-labs/courier-go)"

const defaultMaxRedirects = 10

// DefaultOptions returns the built-in defaults used when Normalize is given
// nil defaults.
func DefaultOptions() *NormalizedOptions {
	return &NormalizedOptions{
		Method:             http.MethodGet,
		Headers:            map[string]string{"user-agent": DefaultUserAgent},
		Retry:              DefaultRetryPolicy(),
		Decompress:         true,
		FollowRedirect:     true,
		ThrowHTTPErrors:    true,
		RejectUnauthorized: true,
		MethodRewriting:    true,
		MaxRedirects:       defaultMaxRedirects,
		ResponseType:       ResponseTypeText,
		Encoding:           "utf8",
	}
}

// Normalize validates opts and resolves it over defaults. rawURL is a string,
// a *url.URL, an *Options overlay applied under opts, or nil. Nil defaults
// mean DefaultOptions.
func Normalize(rawURL any, opts *Options, defaults *NormalizedOptions) (*NormalizedOptions, error) {
	input, err := resolveInput(rawURL, opts)
	if err != nil {
		return nil, err
	}
	return normalizeInput(input, defaults)
}

// resolveInput folds the positional url argument into a private copy of opts.
func resolveInput(rawURL any, opts *Options) (*Options, error) {
	input := opts.clone()
	switch v := rawURL.(type) {
	case nil:
	case string:
		input.URL = v
	case *url.URL:
		input.URL = cloneURL(v)
	case *Options:
		input = mergeInput(v.clone(), input)
	default:
		return nil, validationErrorf("The `url` argument must be a string, *url.URL or *Options, got %T", rawURL)
	}
	return input, nil
}

// mergeInput overlays over onto base field by field. Hooks concatenate with
// base first; headers and retry settings merge per key.
func mergeInput(base, over *Options) *Options {
	out := base
	if over.URL != nil {
		out.URL = over.URL
	}
	if over.PrefixURL != nil {
		out.PrefixURL = over.PrefixURL
	}
	if over.Method != "" {
		out.Method = over.Method
	}
	if len(over.Headers) > 0 {
		if out.Headers == nil {
			out.Headers = map[string]string{}
		}
		maps.Copy(out.Headers, over.Headers)
	}
	if over.Body != nil || over.JSON != nil || over.Form != nil {
		out.Body, out.JSON, out.Form = over.Body, over.JSON, over.Form
	}
	if over.SearchParams != nil {
		out.SearchParams = over.SearchParams
	}
	if over.Username != nil {
		out.Username = over.Username
	}
	if over.Password != nil {
		out.Password = over.Password
	}
	if over.Auth != "" {
		out.Auth = over.Auth
	}
	if over.CookieJar != nil {
		out.CookieJar = over.CookieJar
	}
	if over.DNSCache != nil {
		out.DNSCache = over.DNSCache
	}
	if over.Cache != nil {
		out.Cache = over.Cache
	}
	if over.Timeout != nil {
		t := Timeouts{}.merge(out.Timeout).merge(over.Timeout)
		out.Timeout = &t
	}
	if over.Retry != nil {
		if out.Retry == nil {
			out.Retry = over.Retry.clone()
		} else {
			out.Retry = mergeRetryOptions(out.Retry, over.Retry)
		}
	}
	out.Hooks = concatHooks(out.Hooks, over.Hooks)
	if over.Context != nil {
		out.Context = over.Context
	}
	for _, f := range []struct{ dst, src **bool }{
		{&out.Decompress, &over.Decompress},
		{&out.FollowRedirect, &over.FollowRedirect},
		{&out.ThrowHTTPErrors, &over.ThrowHTTPErrors},
		{&out.HTTP2, &over.HTTP2},
		{&out.AllowGetBody, &over.AllowGetBody},
		{&out.RejectUnauthorized, &over.RejectUnauthorized},
		{&out.MethodRewriting, &over.MethodRewriting},
		{&out.ResolveBodyOnly, &over.ResolveBodyOnly},
		{&out.IgnoreInvalidCookies, &over.IgnoreInvalidCookies},
		{&out.IsStream, &over.IsStream},
	} {
		if *f.src != nil {
			*f.dst = *f.src
		}
	}
	if over.MaxRedirects != nil {
		out.MaxRedirects = over.MaxRedirects
	}
	if over.ResponseType != "" {
		out.ResponseType = over.ResponseType
	}
	if over.Encoding != "" {
		out.Encoding = over.Encoding
	}
	if over.Agent != nil {
		out.Agent = mergeAgents(out.Agent, over.Agent)
	}
	if over.Request != nil {
		out.Request = over.Request
	}
	return out
}

func mergeRetryOptions(base, over *RetryOptions) *RetryOptions {
	out := base.clone()
	if over.Limit != nil {
		out.Limit = over.Limit
	}
	if len(over.Methods) > 0 {
		out.Methods = over.Methods
	}
	if len(over.StatusCodes) > 0 {
		out.StatusCodes = over.StatusCodes
	}
	if len(over.ErrorCodes) > 0 {
		out.ErrorCodes = over.ErrorCodes
	}
	if over.CalculateDelay != nil {
		out.CalculateDelay = over.CalculateDelay
	}
	if over.MaxRetryAfter != nil {
		out.MaxRetryAfter = over.MaxRetryAfter
	}
	if over.BackOff != nil {
		out.BackOff = over.BackOff
	}
	return out
}

func mergeAgents(base, over *Agents) *Agents {
	out := &Agents{}
	if base != nil {
		*out = *base
	}
	if over.HTTP != nil {
		out.HTTP = over.HTTP
	}
	if over.HTTPS != nil {
		out.HTTPS = over.HTTPS
	}
	if over.HTTP2 != nil {
		out.HTTP2 = over.HTTP2
	}
	return out
}

func pickBool(base bool, over *bool) bool {
	if over != nil {
		return *over
	}
	return base
}

//nolint:gocyclo,funlen // one step per option, in resolution order
func normalizeInput(in *Options, defaults *NormalizedOptions) (*NormalizedOptions, error) {
	if defaults == nil {
		defaults = DefaultOptions()
	}
	o := &NormalizedOptions{}

	o.Method = defaults.Method
	if in.Method != "" {
		o.Method = in.Method
	}
	o.Method = strings.ToUpper(o.Method)
	if o.Method == "" {
		o.Method = http.MethodGet
	}

	o.Headers = make(map[string]string, len(defaults.Headers)+len(in.Headers))
	for k, v := range defaults.Headers {
		o.Headers[strings.ToLower(k)] = v
	}
	for k, v := range in.Headers {
		key := strings.ToLower(k)
		if v == "" {
			delete(o.Headers, key)
			continue
		}
		o.Headers[key] = v
	}

	o.PrefixURL = defaults.PrefixURL
	if in.PrefixURL != nil {
		o.PrefixURL = *in.PrefixURL
		if o.PrefixURL != "" && !strings.HasSuffix(o.PrefixURL, "/") {
			o.PrefixURL += "/"
		}
	}

	if err := resolveURL(o, in.URL, defaults); err != nil {
		return nil, err
	}

	if err := applySearchParams(o, in.SearchParams, defaults); err != nil {
		return nil, err
	}

	if err := applyCredentials(o, in, defaults); err != nil {
		return nil, err
	}

	o.CookieJar = defaults.CookieJar
	switch jar := in.CookieJar.(type) {
	case nil:
	case bool:
		if jar {
			return nil, validationErrorf("The `cookieJar` option must be a CookieJar or false")
		}
		o.CookieJar = nil
	default:
		converted, err := toCookieJar(jar)
		if err != nil {
			return nil, err
		}
		o.CookieJar = converted
	}

	o.DNSCache = defaults.DNSCache
	switch dns := in.DNSCache.(type) {
	case nil:
	case bool:
		o.DNSCache = nil
		if dns {
			o.DNSCache = DefaultDNSCache()
		}
	case DNSResolver:
		o.DNSCache = dns
	default:
		return nil, validationErrorf("The `dnsCache` option must be a boolean or a DNSResolver, got %T", dns)
	}

	o.Cache = defaults.Cache
	if in.Cache != nil {
		o.Cache = in.Cache
	}

	o.Timeout = defaults.Timeout.merge(in.Timeout)
	if err := validateTimeouts(o.Timeout); err != nil {
		return nil, err
	}

	switch {
	case in.Context != nil:
		o.Context = in.Context
	case defaults.Context != nil:
		o.Context = defaults.Context
	default:
		o.Context = map[string]any{}
	}

	o.Hooks = concatHooks(defaults.Hooks, in.Hooks)

	o.Decompress = pickBool(defaults.Decompress, in.Decompress)
	o.FollowRedirect = pickBool(defaults.FollowRedirect, in.FollowRedirect)
	o.ThrowHTTPErrors = pickBool(defaults.ThrowHTTPErrors, in.ThrowHTTPErrors)
	o.HTTP2 = pickBool(defaults.HTTP2, in.HTTP2)
	o.AllowGetBody = pickBool(defaults.AllowGetBody, in.AllowGetBody)
	o.RejectUnauthorized = pickBool(defaults.RejectUnauthorized, in.RejectUnauthorized)
	o.MethodRewriting = pickBool(defaults.MethodRewriting, in.MethodRewriting)
	o.ResolveBodyOnly = pickBool(defaults.ResolveBodyOnly, in.ResolveBodyOnly)
	o.IgnoreInvalidCookies = pickBool(defaults.IgnoreInvalidCookies, in.IgnoreInvalidCookies)
	o.IsStream = pickBool(defaults.IsStream, in.IsStream)

	o.MaxRedirects = defaults.MaxRedirects
	if in.MaxRedirects != nil {
		if *in.MaxRedirects < 0 {
			return nil, validationErrorf("The `maxRedirects` option must be a non-negative integer, got %d", *in.MaxRedirects)
		}
		o.MaxRedirects = *in.MaxRedirects
	}

	o.ResponseType = defaults.ResponseType
	if in.ResponseType != "" {
		o.ResponseType = in.ResponseType
	}
	switch o.ResponseType {
	case "":
		o.ResponseType = ResponseTypeText
	case ResponseTypeText, ResponseTypeJSON, ResponseTypeBuffer:
	default:
		return nil, validationErrorf("Unknown body type '%s'", o.ResponseType)
	}

	o.Encoding = defaults.Encoding
	if in.Encoding != "" {
		o.Encoding = strings.ToLower(in.Encoding)
	}
	if o.Encoding == "" {
		o.Encoding = "utf8"
	}
	if _, ok := knownEncodings[o.Encoding]; !ok {
		return nil, validationErrorf("Unknown encoding %s", o.Encoding)
	}

	o.Agent = defaults.Agent
	if in.Agent != nil {
		o.Agent = *mergeAgents(&defaults.Agent, in.Agent)
	}
	o.Request = defaults.Request
	if in.Request != nil {
		o.Request = in.Request
	}

	base := defaults.Retry
	if base.CalculateDelay == nil {
		base = DefaultRetryPolicy().merge(base.options())
	}
	o.Retry = base.merge(in.Retry)
	if o.Retry.MaxRetryAfter == 0 {
		o.Retry.MaxRetryAfter = minPositive(o.Timeout.Connect, o.Timeout.Request)
	}

	// Payloads are never inherited from defaults.
	o.Body, o.JSON, o.Form = in.Body, in.JSON, in.Form

	return o, nil
}

func resolveURL(o *NormalizedOptions, raw any, defaults *NormalizedOptions) error {
	switch u := raw.(type) {
	case nil:
		switch {
		case defaults.URL != nil:
			o.URL = cloneURL(defaults.URL)
		case o.PrefixURL != "":
			parsed, err := url.Parse(o.PrefixURL)
			if err != nil {
				return &ValidationError{Message: "Invalid URL: " + o.PrefixURL, Err: err}
			}
			o.URL = parsed
		}
	case string:
		if o.PrefixURL != "" {
			if strings.HasPrefix(u, "/") {
				return validationErrorf("`input` must not start with a slash when using `prefixUrl`")
			}
			u = o.PrefixURL + u
		}
		parsed, err := url.Parse(u)
		if err != nil {
			return &ValidationError{Message: "Invalid URL: " + u, Err: err}
		}
		if !parsed.IsAbs() {
			return validationErrorf("Invalid URL: %s", u)
		}
		o.URL = parsed
	case *url.URL:
		if u == nil {
			break
		}
		if !u.IsAbs() {
			return validationErrorf("Invalid URL: %s", u)
		}
		o.URL = cloneURL(u)
	default:
		return validationErrorf("The `url` option must be a string or *url.URL, got %T", raw)
	}

	if o.URL == nil {
		return nil
	}

	o.URL.Scheme = strings.ToLower(o.URL.Scheme)
	o.URL.Host = strings.ToLower(o.URL.Host)
	switch o.URL.Scheme {
	case "http", "https":
	case "unix":
		path := o.URL.Path
		if o.URL.Opaque != "" {
			path = o.URL.Opaque
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		o.URL = &url.URL{Scheme: "http", Host: "unix", Path: path, RawQuery: o.URL.RawQuery}
	default:
		return newUnsupportedProtocolError(o.URL.Scheme, o)
	}
	return nil
}

func applySearchParams(o *NormalizedOptions, raw any, defaults *NormalizedOptions) error {
	var params url.Values
	if raw != nil {
		parsed, err := toSearchParams(raw)
		if err != nil {
			return err
		}
		for k, vals := range defaults.SearchParams {
			if !parsed.Has(k) {
				parsed[k] = append([]string(nil), vals...)
			}
		}
		params = parsed
	} else {
		params = cloneValues(defaults.SearchParams)
	}
	o.SearchParams = params

	if params == nil || o.URL == nil {
		return nil
	}
	query := o.URL.Query()
	for k, vals := range params {
		query[k] = append([]string(nil), vals...)
	}
	o.URL.RawQuery = query.Encode()
	return nil
}

func toSearchParams(raw any) (url.Values, error) {
	switch v := raw.(type) {
	case string:
		parsed, err := url.ParseQuery(strings.TrimPrefix(v, "?"))
		if err != nil {
			return nil, &ValidationError{Message: "Invalid `searchParams` string: " + err.Error(), Err: err}
		}
		return parsed, nil
	case url.Values:
		return cloneValues(v), nil
	case map[string]string:
		out := make(url.Values, len(v))
		for k, val := range v {
			out.Set(k, val)
		}
		return out, nil
	case map[string]any:
		out := make(url.Values, len(v))
		for k, val := range v {
			s, ok := searchParamValue(val)
			if !ok {
				return nil, validationErrorf("The `searchParams` value '%v' must be a string, number, boolean or null", val)
			}
			out.Set(k, s)
		}
		return out, nil
	default:
		return nil, validationErrorf("The `searchParams` option must be a string, url.Values or a map, got %T", raw)
	}
}

func searchParamValue(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

func applyCredentials(o *NormalizedOptions, in *Options, defaults *NormalizedOptions) error {
	username, password := defaults.Username, defaults.Password
	if in.Auth != "" {
		if in.Username != nil || in.Password != nil {
			return validationErrorf("Parameter `auth` is deprecated. Use `username` / `password` instead.")
		}
		user, pass, _ := strings.Cut(in.Auth, ":")
		username, password = user, pass
	}
	if in.Username != nil {
		username = *in.Username
	}
	if in.Password != nil {
		password = *in.Password
	}

	if o.URL != nil {
		switch {
		case password != "":
			o.URL.User = url.UserPassword(username, password)
		case username != "":
			o.URL.User = url.User(username)
		case o.URL.User != nil:
			username = o.URL.User.Username()
			password, _ = o.URL.User.Password()
		}
	}
	o.Username, o.Password = username, password
	return nil
}

func validateTimeouts(t Timeouts) error {
	for name, d := range map[string]int64{
		"lookup":        int64(t.Lookup),
		"connect":       int64(t.Connect),
		"secureConnect": int64(t.SecureConnect),
		"socket":        int64(t.Socket),
		"send":          int64(t.Send),
		"response":      int64(t.Response),
		"request":       int64(t.Request),
	} {
		if d < 0 {
			return validationErrorf("The `timeout.%s` option must be a non-negative duration", name)
		}
	}
	return nil
}

func minPositive(values ...time.Duration) time.Duration {
	var out time.Duration
	for _, v := range values {
		if v > 0 && (out == 0 || v < out) {
			out = v
		}
	}
	return out
}
