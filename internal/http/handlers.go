package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/cloud-cover-service/internal/degraded"
	"github.com/kjstillabower/cloud-cover-service/internal/lifecycle"
	"github.com/kjstillabower/cloud-cover-service/internal/models"
	"github.com/kjstillabower/cloud-cover-service/internal/overload"
	"github.com/kjstillabower/cloud-cover-service/internal/service"
)

const serviceName = "cloud-cover-service"

// cachePingTimeout bounds the cache check made by /health.
const cachePingTimeout = time.Second

// CloudCoverLookup is satisfied by *service.CloudCoverService and *service.UnavailableService.
type CloudCoverLookup interface {
	Lookup(ctx context.Context) (models.CloudCover, error)
}

// CredentialsValidator reports whether the provider credentials can obtain a token.
type CredentialsValidator interface {
	Validate(ctx context.Context) error
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	FallbackPct          int // sentinel share that marks the provider degraded; 0 disables
	StartTime            time.Time
	Version              string
	// CacheUnavailable is the startup connection error when the process runs without a cache.
	CacheUnavailable error
	// CachePing, when set, checks cache reachability on each health request.
	CachePing func(ctx context.Context) error
}

// SummaryConfig controls the wording of /summary.
type SummaryConfig struct {
	DisplayName string
	Window      time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	lookup           CloudCoverLookup
	credentials      CredentialsValidator
	healthConfig     *HealthConfig
	summary          SummaryConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil, in which case health only
// checks shutdown state and credentials.
func NewHandler(
	lookup CloudCoverLookup,
	credentials CredentialsValidator,
	healthConfig *HealthConfig,
	summary SummaryConfig,
	logger *zap.Logger,
) *Handler {
	if summary.DisplayName == "" {
		summary.DisplayName = "Landsat 9"
	}
	if summary.Window <= 0 {
		summary.Window = 48 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		lookup:       lookup,
		credentials:  credentials,
		healthConfig: healthConfig,
		summary:      summary,
		logger:       logger,
	}
}

// GetCloudCover handles every request not routed elsewhere, regardless of method or path.
// Provider failures still answer 200 with the sentinel value.
func (h *Handler) GetCloudCover(w http.ResponseWriter, r *http.Request) {
	result, err := h.lookup.Lookup(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSummary handles /summary with a one-line plain-text description of the latest value.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	result, err := h.lookup.Lookup(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, summaryText(h.summary, result))
}

func summaryText(cfg SummaryConfig, result models.CloudCover) string {
	if result.LastCloudCover == models.SentinelCloudCover {
		return fmt.Sprintf("No new %s acquisitions in the last %s...", cfg.DisplayName, describeWindow(cfg.Window))
	}
	return fmt.Sprintf("The last %s image was %.2f%% cloudy.", cfg.DisplayName, result.LastCloudCover)
}

// describeWindow renders whole hours as "48 hours" and anything else in Go duration form.
func describeWindow(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return d.String()
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"earthEngine": "healthy"}
	if result.reason == "credentials_invalid" || result.reason == "fallback_rate_breach" {
		checks["earthEngine"] = "unhealthy"
	}
	if c := h.cacheCheck(r.Context()); c != "" {
		checks["cache"] = c
	}

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) cacheCheck(ctx context.Context) string {
	if h.healthConfig == nil {
		return ""
	}
	if h.healthConfig.CacheUnavailable != nil {
		return "unhealthy"
	}
	if h.healthConfig.CachePing == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, cachePingTimeout)
	defer cancel()
	if h.healthConfig.CachePing(ctx) != nil {
		return "unhealthy"
	}
	return "healthy"
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > cache unavailable > credentials invalid > overloaded > fallback rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && h.healthConfig.CacheUnavailable != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unavailable"}
	}
	if h.credentials != nil {
		if err := h.credentials.Validate(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "credentials_invalid"}
		}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.RateLimitRPS > 0 &&
		overload.Exceeded(h.healthConfig.OverloadWindow, h.healthConfig.RateLimitRPS, h.healthConfig.OverloadThresholdPct) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if degraded.Breached(h.healthConfig.DegradedWindow, h.healthConfig.FallbackPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "fallback_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeInternalError answers 500 with the fixed body used for every cache failure.
// The cause is logged, never returned to the client.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Error("request failed",
			zap.Bool("cache_unavailable", errors.Is(err, service.ErrCacheUnavailable)),
			zap.Error(err))
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
