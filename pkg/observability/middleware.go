package observability

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// statusRecorder wraps [http.ResponseWriter] to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter

	code  int
	wrote bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.code = code
		sr.wrote = true
	}

	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(buf []byte) (int, error) {
	if !sr.wrote {
		sr.code = http.StatusOK
		sr.wrote = true
	}

	n, err := sr.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// routeTemplate collapses identifier segments in API paths so span names stay
// low-cardinality: /api/runs/run-42 becomes /api/runs/{id}, and a patch file
// path becomes /api/patches/{id}/files/{index}. Paths without identifier
// segments (the webhook and list endpoints) pass through unchanged.
func routeTemplate(path string) string {
	segs := strings.Split(path, "/")

	for i := 1; i < len(segs); i++ {
		if segs[i] == "" {
			continue
		}

		switch segs[i-1] {
		case "runs", "patches":
			if segs[i] != "files" {
				segs[i] = "{id}"
			}
		case "files":
			segs[i] = "{index}"
		}
	}

	return strings.Join(segs, "/")
}

// HTTPMiddleware returns an [http.Handler] that opens one server span per
// request, named "METHOD /route" with identifiers templated out. The raw
// path is kept on the span as http.target; the templated route as
// http.route.
func HTTPMiddleware(tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		route := routeTemplate(hr.URL.Path)

		// Join an incoming W3C traceparent/baggage when the caller sent one.
		parentCtx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		ctx, span := tracer.Start(parentCtx, hr.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(hr.Method),
				semconv.HTTPRoute(route),
				attribute.String("http.target", hr.URL.Path),
			),
		)
		defer span.End()

		sr := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(sr, hr.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sr.code))

		if sr.code >= httpStatusServerError {
			span.SetStatus(codes.Error, http.StatusText(sr.code))
		}
	})
}
