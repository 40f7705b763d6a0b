package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/oddnetworks/oddworks/pkg/logger"
)

const (
	httpMethodKey      = "http_method"
	httpRouteKey       = "http_route"
	httpPathKey        = "http_path"
	httpStatusKey      = "http_status"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	bytesWrittenKey    = "bytes_written"
	httpReqCompleteKey = "http_req_complete"

	healthCheckPath = "/healthz"
)

// NewHTTPLoggingHandler logs one entry per completed request. Server errors
// are logged at error level, everything else at info. Health checks are not
// logged.
func NewHTTPLoggingHandler(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthCheckPath {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String(httpMethodKey, r.Method),
				zap.String(httpPathKey, r.URL.Path),
				zap.Int(httpStatusKey, status),
				zap.Int64(queryDurationKey, time.Since(start).Milliseconds()),
				zap.Int(bytesWrittenKey, ww.BytesWritten()),
				zap.String(userAgentKey, r.UserAgent()),
			}

			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				fields = append(fields, zap.String(httpRouteKey, rctx.RoutePattern()))
			}

			if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
				fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
			}

			if status >= http.StatusInternalServerError {
				l.ErrorWithContext(r.Context(), httpReqCompleteKey, fields...)
				return
			}
			l.InfoWithContext(r.Context(), httpReqCompleteKey, fields...)
		})
	}
}
