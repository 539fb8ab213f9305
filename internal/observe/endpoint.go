package observe

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// codeWriter remembers the status written by an endpoint handler.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Endpoint instruments one route of the local telemetry listener. Each hit
// is timed into [Metrics.HTTPRequestDuration] under the route and response
// code, and runs inside a "telemetry <route>" span that is marked as an
// error when the endpoint answers 5xx, e.g. /readyz while disconnected.
func Endpoint(m *Metrics, route string, h http.Handler) http.Handler {
	name := "telemetry " + route
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := StartSpan(r.Context(), name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(cw, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(cw.code))
		if cw.code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(cw.code))
		}
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("code", strconv.Itoa(cw.code)),
			),
		)
	})
}
