package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/kagsearch/pkg/apperr"
	"github.com/seanblong/kagsearch/pkg/metrics"
	"github.com/seanblong/kagsearch/pkg/tracer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const RequestIDHeader = "X-Request-ID"

// instrument wraps the mux, outermost first: tracing, request logger,
// request id, access log, panic recovery, metrics.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	var h http.Handler = observe(mux)
	h = recoverer(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("http")
	})(h)
	h = requestID(h)
	h = hlog.NewHandler(s.Log)(h)
	return otelhttp.NewHandler(h, "kagsearch-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// requestID echoes or assigns X-Request-ID and adds it, with the trace id,
// to the request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		traceID := tracer.TraceID(r.Context())
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			c = c.Str("request_id", id)
			if traceID != "" {
				c = c.Str("trace_id", traceID)
			}
			return c
		})
		next.ServeHTTP(w, r)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				hlog.FromRequest(r).Error().
					Str("panic", fmt.Sprint(v)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				writeError(w, r, apperr.New(apperr.CodeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics. It must wrap the mux directly so the
// matched route pattern is visible after dispatch.
func observe(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(mux, w, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(m.Duration.Seconds())
	})
}
