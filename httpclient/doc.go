// Package httpclient is an HTTP request engine with per-phase timeouts,
// retries, redirects, cookies, response decoding and lifecycle hooks, built
// for service to service traffic and instrumented with OpenTelemetry.
//
// # Features
//
//   - Promise style calls (CancelableRequest) and duplex streams (Request)
//   - Option merging across instances, with hooks concatenated in order
//   - Per-phase timeouts: lookup, connect, secureConnect, socket, send,
//     response and request
//   - Retries driven by method, status code and network error code, honoring
//     Retry-After
//   - Redirect following with method rewriting and credential stripping
//   - Cookie jars, gzip, deflate, brotli and zstd decoding
//   - Circuit breaking (local or Redis backed), client side rate limiting
//   - Response caching in memory or Redis
//   - OpenTelemetry spans and metrics, optional Prometheus series
//
// # Quick Start
//
//	client, err := httpclient.New(
//	    httpclient.WithServiceName("orders"),
//	    httpclient.WithDefaults(&httpclient.Options{
//	        PrefixURL: httpclient.String("https://api.example.com/v1"),
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//
//	// GET and decode JSON
//	var user User
//	err = client.Get(ctx, "users/42", nil).JSON(&user)
//
//	// POST a JSON payload
//	resp, err := client.Post(ctx, "users", &httpclient.Options{
//	    JSON: map[string]any{"name": "Ada"},
//	}).Response()
//
// Errors are *RequestError values. Match the variant with errors.Is:
//
//	switch {
//	case errors.Is(err, httpclient.ErrHTTP):
//	    // non 2xx/3xx status, the response is in err.(*RequestError).Response
//	case errors.Is(err, httpclient.ErrTimeout):
//	    // a phase timeout fired
//	}
//
// # Instances
//
// Extend derives an instance that shares the connection pool and merges its
// defaults over the parent's:
//
//	admin, err := client.Extend(&httpclient.Options{
//	    Headers: map[string]string{"x-role": "admin"},
//	})
//
// Handlers wrap every call made through an instance; see Handler.
//
// # Timeouts and Retries
//
//	client.Get(ctx, "reports", &httpclient.Options{
//	    Timeout: &httpclient.Timeouts{Connect: time.Second, Response: 5 * time.Second},
//	    Retry: &httpclient.RetryOptions{
//	        Limit:   httpclient.Int(4),
//	        BackOff: httpclient.ExponentialBackOff(200*time.Millisecond, 2, 5*time.Second),
//	    },
//	})
//
// By default GET, PUT, HEAD, DELETE, OPTIONS and TRACE are retried twice on
// 408, 413, 429, 500, 502, 503, 504, 521, 522 and 524, and on transient
// network errors such as ECONNRESET.
//
// # Hooks
//
// Hooks run at fixed points of the lifecycle. afterResponse hooks may
// re-issue the request with new options:
//
//	refresh := func(ctx context.Context, resp *httpclient.Response, retry httpclient.RetryWithMergedOptions) (*httpclient.Response, error) {
//	    if resp.StatusCode != http.StatusUnauthorized {
//	        return resp, nil
//	    }
//	    return retry(ctx, &httpclient.Options{
//	        Headers: map[string]string{"authorization": "Bearer " + newToken()},
//	    })
//	}
//
// BearerToken, APIKey, UserAgent and CorrelationID are ready made
// beforeRequest hooks.
//
// # Streams
//
// Stream returns a duplex Request. Write the body, then read the response:
//
//	req, err := client.Stream(ctx, "upload", &httpclient.Options{Method: http.MethodPut})
//	_, _ = io.Copy(req, file)
//	_ = req.CloseWrite()
//	_, _ = io.Copy(io.Discard, req)
//
// # Observability
//
// Every call produces a "courier <METHOD>" span with one "HTTP <METHOD>"
// child span per hop, and records the http.client.* metrics listed in
// metrics.go. WithPrometheus additionally registers courier_* series.
// WithLogger and WithDebug log the lifecycle with zerolog.
//
// # Testing
//
// MockTransport answers hops without a network:
//
//	mock := httpclient.NewMockTransport().
//	    StubPath("/users", http.StatusOK, `[{"id":1}]`)
//	client, _ := httpclient.New(httpclient.WithMockTransport(mock))
//
// WithChaos injects latency and faults to exercise retry and breaker
// settings.
package httpclient
