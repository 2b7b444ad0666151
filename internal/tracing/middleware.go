package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/maltehedderich/brand-gateway/internal/middleware"
	"github.com/maltehedderich/brand-gateway/internal/ratelimit"
)

// Middleware starts a server span per request, continuing any trace the
// caller propagated
func Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := Tracer().Start(
				ctx,
				r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPSchemeKey.String(scheme(r)),
					semconv.HTTPHostKey.String(r.Host),
					semconv.HTTPUserAgentKey.String(r.UserAgent()),
					semconv.HTTPClientIPKey.String(ratelimit.ResolveIdentifier(r.Header)),
				),
			)
			defer span.End()

			rw := middleware.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(rw.Status()))
			if rw.Status() >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.Status()))
			}
		})
	}
}

// InjectTraceContext writes the trace context in ctx into outgoing headers
func InjectTraceContext(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
