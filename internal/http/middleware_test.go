package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/cloud-cover-service/internal/models"
	"github.com/kjstillabower/cloud-cover-service/internal/overload"
)

func TestCorrelationIDMiddleware_Generates(t *testing.T) {
	var gotID string
	var gotLogger bool
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = r.Context().Value("correlation_id").(string)
		_, gotLogger = r.Context().Value("logger").(*zap.Logger)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if gotID == "" || w.Header().Get("X-Correlation-ID") != gotID {
		t.Errorf("correlation id ctx = %q, header = %q", gotID, w.Header().Get("X-Correlation-ID"))
	}
	if !gotLogger {
		t.Error("logger missing from context")
	}
}

func TestCorrelationIDMiddleware_Propagates(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	var during int64
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if during < 1 {
		t.Errorf("InFlightCount() during request = %d, want >= 1", during)
	}
	if got := InFlightCount(); got != 0 {
		t.Errorf("InFlightCount() after request = %d, want 0", got)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want recorder to pass through 418", w.Code)
	}
}

func TestGetRoute(t *testing.T) {
	for path, want := range map[string]string{
		"/health":      "/health",
		"/metrics":     "/metrics",
		"/summary":     "/summary",
		"/":            "/*",
		"/landsat/abc": "/*",
	} {
		if got := getRoute(httptest.NewRequest("GET", path, nil)); got != want {
			t.Errorf("getRoute(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestStatusCodeString(t *testing.T) {
	if got := statusCodeString(503); got != "5xx" {
		t.Errorf("statusCodeString(503) = %q, want 5xx", got)
	}
}

// TestTimeoutMiddleware_ServesSentinel verifies a slow provider call is abandoned at the
// deadline and the request still answers 200 with the sentinel.
func TestTimeoutMiddleware_ServesSentinel(t *testing.T) {
	p := &mockProvider{block: make(chan struct{})}
	defer close(p.block)
	h := newTestHandler(p, &mockCache{}, nil)

	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.PathPrefix("/").HandlerFunc(h.GetCloudCover)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeCloudCover(t, w); got.LastCloudCover != models.SentinelCloudCover {
		t.Errorf("body = %+v, want sentinel", got)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	overload.Reset()
	t.Cleanup(overload.Reset)
	h := newTestHandler(&mockProvider{value: 10}, &mockCache{}, nil)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(rate.NewLimiter(1, 2)))
	router.PathPrefix("/").HandlerFunc(h.GetCloudCover)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var errResp struct {
			Error struct {
				Code      string `json:"code"`
				RequestID string `json:"requestId"`
			} `json:"error"`
		}
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" || errResp.Error.RequestID == "" {
			t.Errorf("error = %+v, want RATE_LIMITED with requestId", errResp.Error)
		}
	}
	if got := overload.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	handler := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil).WithContext(context.Background()))
	if !called {
		t.Error("nil limiter should pass through")
	}
}
