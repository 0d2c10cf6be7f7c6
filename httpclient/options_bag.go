package httpclient

import (
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// URL parts that may only be given as part of a full URL.
var rejectedURLKeys = []string{"path", "pathname", "host", "hostname", "port", "search", "protocol"}

var boolOptionKeys = map[string]func(o *Options) **bool{
	"decompress":           func(o *Options) **bool { return &o.Decompress },
	"followRedirect":       func(o *Options) **bool { return &o.FollowRedirect },
	"throwHttpErrors":      func(o *Options) **bool { return &o.ThrowHTTPErrors },
	"http2":                func(o *Options) **bool { return &o.HTTP2 },
	"allowGetBody":         func(o *Options) **bool { return &o.AllowGetBody },
	"rejectUnauthorized":   func(o *Options) **bool { return &o.RejectUnauthorized },
	"methodRewriting":      func(o *Options) **bool { return &o.MethodRewriting },
	"resolveBodyOnly":      func(o *Options) **bool { return &o.ResolveBodyOnly },
	"ignoreInvalidCookies": func(o *Options) **bool { return &o.IgnoreInvalidCookies },
	"isStream":             func(o *Options) **bool { return &o.IsStream },
}

// ParseOptionsJSON decodes an option bag from JSON. See ParseOptions.
func ParseOptionsJSON(data []byte) (*Options, error) {
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, &ValidationError{Message: "Invalid options JSON: " + err.Error(), Err: err}
	}
	return ParseOptions(bag)
}

// ParseOptionsYAML decodes an option bag from YAML. See ParseOptions.
func ParseOptionsYAML(data []byte) (*Options, error) {
	var bag map[string]any
	if err := yaml.Unmarshal(data, &bag); err != nil {
		return nil, &ValidationError{Message: "Invalid options YAML: " + err.Error(), Err: err}
	}
	return ParseOptions(bag)
}

// ParseOptions converts a loosely typed option bag, as read from a config
// file, into Options. Keys use the camelCase names of the options
// ("prefixUrl", "throwHttpErrors", ...). Durations are milliseconds when
// numeric and Go durations when strings; a numeric "timeout" bounds the
// whole request and a numeric "retry" sets the retry limit.
//
//nolint:gocyclo,funlen // one case per option key
func ParseOptions(bag map[string]any) (*Options, error) {
	for _, key := range rejectedURLKeys {
		if _, ok := bag[key]; ok {
			return nil, validationErrorf("The `%s` option cannot be used", key)
		}
	}

	o := &Options{}
	for key, value := range bag {
		if ptr, ok := boolOptionKeys[key]; ok {
			b, isBool := value.(bool)
			if !isBool {
				return nil, validationErrorf("Expected `%s` to be of type `boolean` but received type `%s`", key, typeName(value))
			}
			*ptr(o) = Bool(b)
			continue
		}

		switch key {
		case "url":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			o.URL = s
		case "prefixUrl":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			o.PrefixURL = String(s)
		case "method":
			s, ok := value.(string)
			if !ok {
				return nil, validationErrorf("The `method` option must be a string, got %s", typeName(value))
			}
			o.Method = strings.ToUpper(s)
		case "headers":
			headers, err := parseHeaders(value)
			if err != nil {
				return nil, err
			}
			o.Headers = headers
		case "body":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			o.Body = s
		case "json":
			o.JSON = value
		case "form":
			form, ok := value.(map[string]any)
			if !ok {
				return nil, validationErrorf("The `form` option must be an Object")
			}
			o.Form = form
		case "searchParams":
			switch v := value.(type) {
			case string, map[string]any:
				o.SearchParams = v
			default:
				return nil, validationErrorf("The `searchParams` option must be a string or an Object, got %s", typeName(value))
			}
		case "username", "password", "auth":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			switch key {
			case "username":
				o.Username = String(s)
			case "password":
				o.Password = String(s)
			default:
				o.Auth = s
			}
		case "dnsCache":
			b, ok := value.(bool)
			if !ok {
				return nil, validationErrorf("The `dnsCache` option must be a boolean, got %s", typeName(value))
			}
			o.DNSCache = b
		case "cookieJar":
			if b, ok := value.(bool); !ok || b {
				return nil, validationErrorf("The `cookieJar` option can only be disabled (false) from an option bag")
			}
			o.CookieJar = false
		case "timeout":
			timeouts, err := parseTimeouts(value)
			if err != nil {
				return nil, err
			}
			o.Timeout = timeouts
		case "retry":
			retry, err := parseRetry(value)
			if err != nil {
				return nil, err
			}
			o.Retry = retry
		case "context":
			ctx, ok := value.(map[string]any)
			if !ok {
				return nil, validationErrorf("The `context` option must be an Object, got %s", typeName(value))
			}
			o.Context = ctx
		case "maxRedirects":
			n, err := intOption(key, value)
			if err != nil {
				return nil, err
			}
			o.MaxRedirects = Int(n)
		case "responseType":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			o.ResponseType = ResponseType(s)
		case "encoding":
			s, err := stringOption(key, value)
			if err != nil {
				return nil, err
			}
			o.Encoding = s
		}
	}
	return o, nil
}

func parseHeaders(value any) (map[string]string, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, validationErrorf("The `headers` option must be an Object, got %s", typeName(value))
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			return nil, validationErrorf("Use an empty string instead of `null` to delete the `%s` header", k)
		case string:
			headers[k] = val
		case bool, int, int64, float64:
			headers[k] = fmt.Sprint(val)
		default:
			return nil, validationErrorf("The `%s` header must be a string, got %s", k, typeName(v))
		}
	}
	return headers, nil
}

func parseTimeouts(value any) (*Timeouts, error) {
	if m, ok := value.(map[string]any); ok {
		t := &Timeouts{}
		fields := map[string]*time.Duration{
			"lookup":        &t.Lookup,
			"connect":       &t.Connect,
			"secureConnect": &t.SecureConnect,
			"socket":        &t.Socket,
			"send":          &t.Send,
			"response":      &t.Response,
			"request":       &t.Request,
		}
		for k, v := range m {
			dst, known := fields[k]
			if !known {
				return nil, validationErrorf("Unknown `timeout` phase %q", k)
			}
			d, err := durationOption("timeout."+k, v)
			if err != nil {
				return nil, err
			}
			*dst = d
		}
		return t, nil
	}
	d, err := durationOption("timeout", value)
	if err != nil {
		return nil, err
	}
	return RequestTimeout(d), nil
}

func parseRetry(value any) (*RetryOptions, error) {
	m, ok := value.(map[string]any)
	if !ok {
		n, err := intOption("retry", value)
		if err != nil {
			return nil, err
		}
		return RetryLimit(n), nil
	}

	r := &RetryOptions{}
	for k, v := range m {
		switch k {
		case "limit":
			n, err := intOption("retry.limit", v)
			if err != nil {
				return nil, err
			}
			r.Limit = Int(n)
		case "methods", "errorCodes":
			list, ok := v.([]any)
			if !ok {
				return nil, validationErrorf("The `retry.%s` option must be an Array", k)
			}
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, validationErrorf("The `retry.%s` option must only contain strings", k)
				}
				out = append(out, s)
			}
			if k == "methods" {
				r.Methods = out
			} else {
				r.ErrorCodes = out
			}
		case "statusCodes":
			list, ok := v.([]any)
			if !ok {
				return nil, validationErrorf("The `retry.statusCodes` option must be an Array")
			}
			for _, item := range list {
				code, err := intOption("retry.statusCodes", item)
				if err != nil {
					return nil, err
				}
				r.StatusCodes = append(r.StatusCodes, code)
			}
		case "maxRetryAfter":
			d, err := durationOption("retry.maxRetryAfter", v)
			if err != nil {
				return nil, err
			}
			r.MaxRetryAfter = &d
		default:
			return nil, validationErrorf("Unknown `retry` option %q", k)
		}
	}
	return r, nil
}

func stringOption(key string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", validationErrorf("The `%s` option must be a string, got %s", key, typeName(value))
	}
	return s, nil
}

func intOption(key string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, validationErrorf("The `%s` option must be an integer, got %v", key, value)
}

// durationOption reads milliseconds from numbers and Go durations from
// strings.
func durationOption(key string, value any) (time.Duration, error) {
	switch v := value.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, &ValidationError{Message: fmt.Sprintf("The `%s` option is not a valid duration: %v", key, err), Err: err}
		}
		return d, nil
	}
	return 0, validationErrorf("The `%s` option must be a number of milliseconds or a duration string, got %s", key, typeName(value))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64, float64:
		return "number"
	case []any:
		return "Array"
	case map[string]any:
		return "Object"
	}
	return fmt.Sprintf("%T", v)
}
