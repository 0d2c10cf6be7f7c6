package httpclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Ready made hooks. They are plain hook values, registered through
// Options.Hooks like any other:
//
//	client, _ := httpclient.New(httpclient.WithDefaults(&httpclient.Options{
//	    Hooks: httpclient.Hooks{
//	        BeforeRequest: []httpclient.BeforeRequestHook{
//	            httpclient.BearerToken("secret"),
//	            httpclient.CorrelationID("X-Request-ID"),
//	        },
//	    },
//	}))

// BearerToken sets the Authorization header to a static bearer token.
func BearerToken(token string) BeforeRequestHook {
	return BearerTokenFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// BearerTokenFunc sets the Authorization header from tokenFunc on every hop.
// An error from tokenFunc fails the request.
func BearerTokenFunc(tokenFunc func(ctx context.Context) (string, error)) BeforeRequestHook {
	return func(ctx context.Context, opts *NormalizedOptions) (*http.Response, error) {
		token, err := tokenFunc(ctx)
		if err != nil {
			return nil, err
		}
		opts.Headers["authorization"] = "Bearer " + token
		return nil, nil
	}
}

// APIKey sets header to key.
func APIKey(header, key string) BeforeRequestHook {
	return setHeader(header, func() string { return key })
}

// UserAgent overrides the User-Agent header.
func UserAgent(ua string) BeforeRequestHook {
	return setHeader("user-agent", func() string { return ua })
}

// CorrelationID sets header to a fresh UUID unless the request already
// carries one. Redirect hops keep the first value.
func CorrelationID(header string) BeforeRequestHook {
	lower := strings.ToLower(header)
	return func(_ context.Context, opts *NormalizedOptions) (*http.Response, error) {
		if opts.Headers[lower] == "" {
			opts.Headers[lower] = uuid.NewString()
		}
		return nil, nil
	}
}

func setHeader(header string, value func() string) BeforeRequestHook {
	lower := strings.ToLower(header)
	return func(_ context.Context, opts *NormalizedOptions) (*http.Response, error) {
		opts.Headers[lower] = value()
		return nil, nil
	}
}
