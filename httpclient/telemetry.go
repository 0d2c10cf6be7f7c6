package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// errorTypeUnknown is the error.type of failures without an errno style code.
const errorTypeUnknown = "unknown"

type timingsKey struct{}

// contextWithTimings attaches the hop's recorder so that the instrumentation
// layer can turn its measurements into span events and metrics.
func contextWithTimings(ctx context.Context, r *timingsRecorder) context.Context {
	return context.WithValue(ctx, timingsKey{}, r)
}

func timingsFromContext(ctx context.Context) *timingsRecorder {
	r, _ := ctx.Value(timingsKey{}).(*timingsRecorder)
	return r
}

// instrument traces and measures every transport call of a hop.
func (cfg *internalConfig) instrument(next TransportFunc) TransportFunc {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		for _, f := range cfg.filters {
			if !f(req) {
				return next(ctx, req)
			}
		}

		start := time.Now()
		ctx, span := cfg.tracer.Start(ctx, "HTTP "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(cfg.requestAttributes(req)...),
		)
		defer span.End()

		cfg.propagators.Inject(ctx, propagation.HeaderCarrier(req.Header))

		base := cfg.baseAttributes()
		cfg.metrics.recordActiveRequest(ctx, 1, base)
		defer cfg.metrics.recordActiveRequest(ctx, -1, base)
		if req.ContentLength > 0 {
			cfg.metrics.recordRequestBodySize(ctx, req.ContentLength, base)
		}

		resp, err := next(ctx, req)
		duration := time.Since(start)

		if rec := timingsFromContext(ctx); rec != nil {
			rec.addSpanEvents(span)
			rec.recordTimingMetrics(ctx, cfg.metrics, base)
		}

		if err != nil {
			errorType := errorTypeOf(err)
			setSpanError(span, err, errorType)
			cfg.metrics.recordError(ctx, errorType, base)
			cfg.metrics.recordRequestDuration(ctx, duration, cfg.metricAttributes(req, nil, errorType))
			cfg.prometheus.observeTransport(req.Method, 0, duration)
			return nil, err
		}

		span.SetAttributes(responseAttributes(resp)...)
		errorType := ""
		if resp.StatusCode >= 400 {
			errorType = strconv.Itoa(resp.StatusCode)
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
			span.SetAttributes(attribute.String("error.type", errorType))
		}
		if resp.ContentLength > 0 {
			cfg.metrics.recordResponseBodySize(ctx, resp.ContentLength, base)
		}
		cfg.metrics.recordRequestDuration(ctx, duration, cfg.metricAttributes(req, resp, errorType))
		cfg.prometheus.observeTransport(req.Method, resp.StatusCode, duration)
		return resp, nil
	}
}

// startRequestSpan opens the span of a logical request. Hop spans become its
// children.
func (cfg *internalConfig) startRequestSpan(ctx context.Context, opts *NormalizedOptions) (context.Context, trace.Span) {
	attrs := append(cfg.baseAttributes(),
		attribute.String("http.request.method", opts.Method),
		attribute.Int("courier.retry.limit", opts.Retry.Limit),
	)
	if opts.URL != nil {
		attrs = append(attrs, attribute.String("url.full", redactedURL(opts.URL.String())))
	}
	return cfg.tracer.Start(ctx, "courier "+opts.Method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func errorTypeOf(err error) string {
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if code := errorCode(err); code != "" {
		return code
	}
	return errorTypeUnknown
}

func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}

func serverAttributes(req *http.Request) []attribute.KeyValue {
	if req.URL == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if host := req.URL.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	port := req.URL.Port()
	if port == "" {
		switch req.URL.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if p, err := strconv.Atoi(port); err == nil {
		attrs = append(attrs, attribute.Int("server.port", p))
	}
	return attrs
}

func (cfg *internalConfig) requestAttributes(req *http.Request) []attribute.KeyValue {
	attrs := append(cfg.baseAttributes(), attribute.String("http.request.method", req.Method))
	if req.URL != nil {
		attrs = append(attrs,
			attribute.String("url.full", redactedURL(req.URL.String())),
			attribute.String("url.scheme", req.URL.Scheme),
		)
	}
	attrs = append(attrs, serverAttributes(req)...)
	if req.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", req.ContentLength))
	}
	if ua := req.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

func responseAttributes(resp *http.Response) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int("http.response.status_code", resp.StatusCode)}
	if resp.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.response.body.size", resp.ContentLength))
	}
	if resp.ProtoMajor > 0 {
		version := fmt.Sprintf("%d.%d", resp.ProtoMajor, resp.ProtoMinor)
		if resp.ProtoMajor == 2 {
			version = "2"
		}
		attrs = append(attrs, attribute.String("network.protocol.version", version))
	}
	return attrs
}

func (cfg *internalConfig) metricAttributes(req *http.Request, resp *http.Response, errorType string) []attribute.KeyValue {
	attrs := append(cfg.baseAttributes(), attribute.String("http.request.method", req.Method))
	attrs = append(attrs, serverAttributes(req)...)
	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}
