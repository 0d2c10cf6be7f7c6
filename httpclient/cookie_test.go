package httpclient

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieJar_RoundTrip(t *testing.T) {
	ctx := context.Background()
	jar, err := NewCookieJar()
	require.NoError(t, err)

	require.NoError(t, jar.SetCookie(ctx, "session=abc; Path=/", "https://shop.example.com/login"))
	require.NoError(t, jar.SetCookie(ctx, "theme=dark; Path=/; Domain=example.com", "https://shop.example.com/"))

	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "given the setting host, then sends both cookies",
			url:  "https://shop.example.com/cart",
			want: "session=abc; theme=dark",
		},
		{
			name: "given a sibling subdomain, then sends only the domain cookie",
			url:  "https://api.example.com/",
			want: "theme=dark",
		},
		{
			name: "given another site, then sends nothing",
			url:  "https://other.test/",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jar.GetCookieString(ctx, tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCookieJar_PublicSuffix(t *testing.T) {
	ctx := context.Background()
	jar, err := NewCookieJar()
	require.NoError(t, err)

	require.NoError(t, jar.SetCookie(ctx, "wide=1; Domain=co.uk", "https://shop.example.co.uk/"))

	got, err := jar.GetCookieString(ctx, "https://other.co.uk/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCookieJar_Errors(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	t.Run("given an invalid cookie, then fails", func(t *testing.T) {
		err := jar.SetCookie(context.Background(), "=novalue", "https://example.com/")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid cookie")
	})

	t.Run("given a canceled context, then fails", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := jar.GetCookieString(ctx, "https://example.com/")
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, jar.SetCookie(ctx, "a=b", "https://example.com/"), context.Canceled)
	})
}

func TestAdaptCookieJar(t *testing.T) {
	std, err := cookiejar.New(nil)
	require.NoError(t, err)

	u, _ := url.Parse("https://example.com/")
	std.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1"}})

	got, err := AdaptCookieJar(std).GetCookieString(context.Background(), u.String())
	require.NoError(t, err)
	assert.Equal(t, "a=1", got)
}

func TestToCookieJar(t *testing.T) {
	std, err := cookiejar.New(nil)
	require.NoError(t, err)
	ours, err := NewCookieJar()
	require.NoError(t, err)

	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{name: "given a CookieJar, then uses it", value: ours},
		{name: "given a net/http jar, then adapts it", value: std},
		{name: "given another type, then fails", value: "jar", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jar, err := toCookieJar(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, jar)
		})
	}
}
