package httpclient

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChaosConfig_Delay(t *testing.T) {
	c := ChaosConfig{Latency: 10 * time.Millisecond, LatencyJitter: 5 * time.Millisecond}
	for range 50 {
		d := c.Delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
	assert.Zero(t, ChaosConfig{}.Delay())
}

func TestWithChaos(t *testing.T) {
	tests := []struct {
		name   string
		chaos  ChaosConfig
		assert func(t *testing.T, mock *MockTransport, resp *Response, err error)
	}{
		{
			name:  "given an error rate of one, then fails with a retryable reset",
			chaos: ChaosConfig{ErrorRate: 1},
			assert: func(t *testing.T, mock *MockTransport, _ *Response, err error) {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrChaosInjected)
				assert.ErrorIs(t, err, syscall.ECONNRESET)
				var rerr *RequestError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, CodeConnReset, rerr.Code)
				assert.Zero(t, mock.RequestCount())
			},
		},
		{
			name:  "given a status rate of one, then answers 503 without reaching the server",
			chaos: ChaosConfig{StatusRate: 1},
			assert: func(t *testing.T, mock *MockTransport, _ *Response, err error) {
				var rerr *RequestError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, http.StatusServiceUnavailable, rerr.Response.StatusCode)
				assert.Zero(t, mock.RequestCount())
			},
		},
		{
			name:  "given a custom status, then answers with it",
			chaos: ChaosConfig{StatusRate: 1, Status: http.StatusTeapot},
			assert: func(t *testing.T, _ *MockTransport, _ *Response, err error) {
				var rerr *RequestError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, http.StatusTeapot, rerr.Response.StatusCode)
			},
		},
		{
			name:  "given only latency, then reaches the server",
			chaos: ChaosConfig{Latency: 5 * time.Millisecond},
			assert: func(t *testing.T, mock *MockTransport, resp *Response, err error) {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, 1, mock.RequestCount())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport().StubResponse(http.StatusOK, "")
			client := newTestClient(t, WithMockTransport(mock), WithChaos(tt.chaos))

			resp, err := client.Get(context.Background(), "https://example.com/", &Options{
				Retry: RetryLimit(0),
			}).Response()
			tt.assert(t, mock, resp, err)
		})
	}
}

func TestWithChaos_RetriedByDefault(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusOK, "")
	client := newTestClient(t, WithMockTransport(mock), WithChaos(ChaosConfig{ErrorRate: 1}))

	p := client.Get(context.Background(), "https://example.com/", &Options{Retry: fastRetry(2)})
	_, err := p.Response()

	assert.ErrorIs(t, err, ErrChaosInjected)
	assert.Equal(t, 2, p.RetryCount())
}

func TestWithChaos_Stall(t *testing.T) {
	client := newTestClient(t,
		WithMockTransport(NewMockTransport().StubResponse(http.StatusOK, "")),
		WithChaos(ChaosConfig{TimeoutRate: 1}),
	)

	_, err := client.Get(context.Background(), "https://example.com/", &Options{
		Timeout: RequestTimeout(30 * time.Millisecond),
		Retry:   RetryLimit(0),
	}).Response()

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTimeout, rerr.Kind)
	assert.True(t, errors.Is(err, ErrTimeout))
}
