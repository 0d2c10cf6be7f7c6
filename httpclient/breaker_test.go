package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type NetError struct {
	Msg string
}

func (e *NetError) Error() string   { return e.Msg }
func (e *NetError) Timeout() bool   { return false }
func (e *NetError) Temporary() bool { return false }

func newRedisStore(t *testing.T) gobreaker.SharedDataStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

// newFailingServer answers 500 while failing is set and 200 otherwise.
func newFailingServer(t *testing.T, failing *atomic.Bool, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, uint32(1), cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(20), cfg.FailureThreshold)
	assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	assert.NotNil(t, cfg.Classifier)
	assert.Nil(t, cfg.Store)
}

func TestDistributedBreakerConfig(t *testing.T) {
	store := newRedisStore(t)

	cfg := DistributedBreakerConfig(store)
	assert.Equal(t, store, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
}

func TestDefaultBreakerClassifier(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want bool
	}{
		{
			name: "given a 200 response, then not a failure",
			resp: &http.Response{StatusCode: http.StatusOK},
			want: false,
		},
		{
			name: "given a 404 response, then not a failure",
			resp: &http.Response{StatusCode: http.StatusNotFound},
			want: false,
		},
		{
			name: "given a 429 response, then not a failure",
			resp: &http.Response{StatusCode: http.StatusTooManyRequests},
			want: false,
		},
		{
			name: "given a 500 response, then a failure",
			resp: &http.Response{StatusCode: http.StatusInternalServerError},
			want: true,
		},
		{
			name: "given a 503 response, then a failure",
			resp: &http.Response{StatusCode: http.StatusServiceUnavailable},
			want: true,
		},
		{
			name: "given a net.Error, then a failure",
			err:  &NetError{Msg: "dial tcp: refused"},
			want: true,
		},
		{
			name: "given a connection reset message, then a failure",
			err:  errors.New("read: connection reset by peer"),
			want: true,
		},
		{
			name: "given a canceled context, then not a failure",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "given an unclassified error, then not a failure",
			err:  errors.New("bad hook"),
			want: false,
		},
		{
			name: "given no response and no error, then not a failure",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBreakerClassifier(tt.resp, tt.err))
		})
	}
}

func TestCircuitBreaker_Trips(t *testing.T) {
	var (
		failing atomic.Bool
		hits    atomic.Int32
	)
	failing.Store(true)
	server := newFailingServer(t, &failing, &hits)

	var (
		mu          sync.Mutex
		transitions []gobreaker.State
	)
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Minute
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	client := newTestClient(t,
		WithServiceName("orders"),
		WithDefaults(&Options{PrefixURL: String(server.URL), Retry: fastRetry(0)}),
		WithCircuitBreaker(cfg),
	)

	for range 3 {
		_, err := client.Get(context.Background(), "", nil).Response()
		require.ErrorIs(t, err, ErrHTTP, "5xx responses pass through the breaker")
	}

	_, err := client.Get(context.Background(), "", nil).Response()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeCircuitOpen, re.Code)

	assert.Equal(t, int32(3), hits.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestCircuitBreaker_Recovers(t *testing.T) {
	var (
		failing atomic.Bool
		hits    atomic.Int32
	)
	failing.Store(true)
	server := newFailingServer(t, &failing, &hits)

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1
	cfg.Timeout = 50 * time.Millisecond

	client := newTestClient(t,
		WithDefaults(&Options{PrefixURL: String(server.URL), Retry: fastRetry(0)}),
		WithCircuitBreaker(cfg),
	)

	_, err := client.Get(context.Background(), "", nil).Response()
	require.ErrorIs(t, err, ErrHTTP)

	_, err = client.Get(context.Background(), "", nil).Response()
	require.ErrorIs(t, err, ErrCircuitOpen)

	failing.Store(false)
	time.Sleep(100 * time.Millisecond)

	resp, err := client.Get(context.Background(), "", nil).Response()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCircuitBreaker_PerHost(t *testing.T) {
	var (
		failing, healthy atomic.Bool
		hitsA, hitsB     atomic.Int32
	)
	failing.Store(true)
	serverA := newFailingServer(t, &failing, &hitsA)
	serverB := newFailingServer(t, &healthy, &hitsB)

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1
	cfg.Timeout = time.Minute

	client := newTestClient(t,
		WithDefaults(&Options{Retry: fastRetry(0)}),
		WithCircuitBreaker(cfg),
	)

	_, err := client.Get(context.Background(), serverA.URL, nil).Response()
	require.ErrorIs(t, err, ErrHTTP)
	_, err = client.Get(context.Background(), serverA.URL, nil).Response()
	require.ErrorIs(t, err, ErrCircuitOpen)

	_, err = client.Get(context.Background(), serverB.URL, nil).Response()
	require.NoError(t, err)
	assert.Equal(t, int32(1), hitsB.Load())
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errHook := errors.New("hook says no")
	var calls atomic.Int32

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1
	cfg.Timeout = time.Minute

	client := newTestClient(t,
		WithDefaults(&Options{
			URL:   "http://breaker.test/",
			Retry: fastRetry(0),
			Request: func(context.Context, *http.Request) (*http.Response, error) {
				calls.Add(1)
				return nil, errHook
			},
		}),
		WithCircuitBreaker(cfg),
	)

	for range 3 {
		_, err := client.Get(context.Background(), nil, nil).Response()
		require.ErrorIs(t, err, errHook)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCircuitBreaker_CustomClassifier(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	t.Cleanup(server.Close)

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Minute
	cfg.Classifier = func(resp *http.Response, err error) bool {
		return err != nil || (resp != nil && resp.StatusCode == http.StatusTooManyRequests)
	}

	client := newTestClient(t,
		WithDefaults(&Options{PrefixURL: String(server.URL), Retry: fastRetry(0)}),
		WithCircuitBreaker(cfg),
	)

	for range 2 {
		_, err := client.Get(context.Background(), "", nil).Response()
		require.ErrorIs(t, err, ErrHTTP)
	}
	_, err := client.Get(context.Background(), "", nil).Response()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCircuitBreaker_Distributed(t *testing.T) {
	var (
		failing atomic.Bool
		hits    atomic.Int32
	)
	failing.Store(true)
	server := newFailingServer(t, &failing, &hits)

	store := newRedisStore(t)
	cfg := DistributedBreakerConfig(store)
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Minute

	newInstance := func() *Client {
		return newTestClient(t,
			WithServiceName("inventory"),
			WithDefaults(&Options{PrefixURL: String(server.URL), Retry: fastRetry(0)}),
			WithCircuitBreaker(cfg),
		)
	}
	first, second := newInstance(), newInstance()

	for range 2 {
		_, err := first.Get(context.Background(), "", nil).Response()
		require.ErrorIs(t, err, ErrHTTP)
	}

	// The second instance sees the state tripped by the first one.
	_, err := second.Get(context.Background(), "", nil).Response()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}
