package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/cloud-cover-service/internal/observability"
)

// RouterOptions configures the middleware applied to the lookup routes.
// A nil Limiter or zero RequestTimeout disables that middleware.
type RouterOptions struct {
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires /health, /metrics and /summary, and sends every other method and path
// to the cloud-cover handler. Paths are matched as sent, without mux's clean-path redirect.
func NewRouter(h *Handler, logger *zap.Logger, opts RouterOptions) *mux.Router {
	router := mux.NewRouter().SkipClean(true)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth)
	router.Handle("/metrics", observability.MetricsHandler())

	lookups := router.PathPrefix("/").Subrouter()
	lookups.Use(RateLimitMiddleware(opts.Limiter))
	if opts.RequestTimeout > 0 {
		lookups.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	lookups.HandleFunc("/summary", h.GetSummary)
	lookups.PathPrefix("/").HandlerFunc(h.GetCloudCover)

	return router
}
