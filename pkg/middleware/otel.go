package middleware

import (
	"context"

	"github.com/strand-go/strand/pkg/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for strand servers.
const defaultTracerName = "strand"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "strand").
	TracerName string

	// Filter determines which requests to trace. Return true to trace the
	// request, false to skip. If nil, all requests are traced.
	Filter func(ctx *server.Context) bool

	// AttributeExtractor extracts custom attributes from the request
	// context. Called for each traced request.
	AttributeExtractor func(ctx *server.Context) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithFilter sets a filter function for requests.
func WithFilter(filter func(ctx *server.Context) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ctx *server.Context) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OTel creates middleware that records a span per handled request. The span
// covers the time from handler start on the worker loop to response
// delivery, with the method, path, remote IP, and request id as attributes.
// A response status of 500 or above marks the span as an error.
func OTel(opts ...OTelOption) server.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx *server.Context, respond server.ResponseFunc) {
			if config.Filter != nil && !config.Filter(ctx) {
				next(ctx, respond)
				return
			}

			attrs := []attribute.KeyValue{
				attribute.String("http.method", ctx.Method),
				attribute.String("http.target", ctx.Path),
				attribute.String("net.peer.ip", ctx.RemoteIP),
				attribute.String("strand.request_id", ctx.ID),
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(ctx)...)
			}

			_, span := config.tracer.Start(context.Background(), "strand.request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))

			next(ctx, func(body []byte) {
				status := ctx.Status()
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= 500 {
					span.SetStatus(codes.Error, "handler error")
				}
				span.End()
				respond(body)
			})
		}
	}
}
