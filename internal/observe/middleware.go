package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseTracker captures what the downstream handler wrote: the status
// code and the body size.
type responseTracker struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (t *responseTracker) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTracker) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.bytes += n
	return n, err
}

// Middleware instruments the admin mux (/metrics, /healthz, /readyz): it
// continues the W3C trace context of the caller, opens a server span, echoes
// the correlation id, and records the request in the duration histogram.
//
// The admin surface is scraped continuously, so successful requests log at
// debug; client errors at warn and server errors at error.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tracker := &responseTracker{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tracker, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(tracker.status))

			level := slog.LevelDebug
			switch {
			case tracker.status >= 500:
				level = slog.LevelError
			case tracker.status >= 400:
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, "admin request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tracker.status),
				slog.Int("bytes", tracker.bytes),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
