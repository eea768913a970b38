package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

// requestLogger continues the caller's trace, opens a server span and logs
// one line per request.
func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			carrier := map[string]string{}
			for _, k := range []string{"traceparent", "tracestate", "baggage"} {
				if v := r.Header.Get(k); v != "" {
					carrier[k] = v
				}
			}
			ctx := tracing.ExtractHeaders(r.Context(), carrier)
			ctx, span := tracing.StartSpan(ctx, r.Method+" "+r.URL.Path)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithContext(ctx).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", status).
				WithField("bytes", ww.BytesWritten()).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				WithField("request_id", middleware.GetReqID(r.Context()))
			if status >= http.StatusInternalServerError {
				entry.Warn("request")
				return
			}
			entry.Debug("request")
		})
	}
}
