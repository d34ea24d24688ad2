package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/cargoal/internal/observability"
	"github.com/kjstillabower/cargoal/internal/web"
)

// CorrelationIDHeader carries the request id in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

// Handler returns the full HTTP handler: correlation ids, metrics and in-flight
// tracking on every request, optional /metrics and /healthz endpoints, and the
// rate-limited framework dispatcher for everything else.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	// Traversal attempts must reach the static server unmodified.
	router.SkipClean(true)
	router.Use(CorrelationIDMiddleware(s.logger))
	router.Use(MetricsMiddleware(s.inFlight))

	if s.opts.HealthPath != "" {
		router.Handle(s.opts.HealthPath, labelled(s.opts.HealthPath, http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	}
	if s.opts.MetricsPath != "" {
		router.Handle(s.opts.MetricsPath, labelled(s.opts.MetricsPath, observability.MetricsHandler())).Methods(http.MethodGet)
	}

	app := router.PathPrefix("/").Subrouter()
	app.Use(RateLimitMiddleware(s.limiter))
	if s.opts.RequestTimeout > 0 {
		app.Use(TimeoutMiddleware(s.opts.RequestTimeout))
	}
	app.PathPrefix("/").Handler(s)
	return router
}

// TimeoutMiddleware sets a deadline on the request context. Handlers that pass
// req.Context() to blocking calls see context.DeadlineExceeded once it passes.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get(CorrelationIDHeader)
			if corrID == "" {
				corrID = uuid.New().String()
			}
			w.Header().Set(CorrelationIDHeader, corrID)

			ctx := web.ContextWithCorrelationID(r.Context(), corrID)
			ctx = web.ContextWithLogger(ctx, logger.With(zap.String("correlation_id", corrID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type routeLabelKey struct{}

type routeLabel struct {
	value string
}

// setRouteLabel records the matched route pattern for metrics, so that
// /about/1 and /about/2 share one series.
func setRouteLabel(ctx context.Context, pattern string) {
	if l, ok := ctx.Value(routeLabelKey{}).(*routeLabel); ok {
		l.value = pattern
	}
}

func labelled(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRouteLabel(r.Context(), pattern)
		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware records request counts and latency and tracks in-flight requests.
func MetricsMiddleware(tracker *InFlightTracker) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tracker.Increment()
			observability.HTTPRequestsInFlight.Inc()
			defer func() {
				tracker.Decrement()
				observability.HTTPRequestsInFlight.Dec()
			}()

			label := &routeLabel{value: "unmatched"}
			r = r.WithContext(context.WithValue(r.Context(), routeLabelKey{}, label))

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			observability.HTTPRequestsTotal.WithLabelValues(r.Method, label.value, observability.StatusClass(recorder.statusCode)).Inc()
			observability.HTTPRequestDuration.WithLabelValues(r.Method, label.value).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// RateLimitMiddleware returns 429 when the token bucket is exhausted. Disabled when limiter is nil.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				web.LoggerFrom(r.Context()).Debug("rate limit denied")
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": web.CorrelationIDFrom(r.Context()),
		},
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	InFlight int64  `json:"inFlight"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.ShuttingDown() {
		status, code = "shutting-down", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, InFlight: s.inFlight.Count()})
}
