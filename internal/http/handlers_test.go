package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/cloud-cover-service/internal/degraded"
	"github.com/kjstillabower/cloud-cover-service/internal/lifecycle"
	"github.com/kjstillabower/cloud-cover-service/internal/models"
	"github.com/kjstillabower/cloud-cover-service/internal/overload"
	"github.com/kjstillabower/cloud-cover-service/internal/provider"
	"github.com/kjstillabower/cloud-cover-service/internal/service"
)

type mockProvider struct {
	value       float64
	err         error
	validateErr error
	block       chan struct{} // if set, LatestCloudCover blocks until ctx.Done() or close
	mu          sync.Mutex
	calls       int
}

func (m *mockProvider) LatestCloudCover(ctx context.Context) models.Outcome {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.Failed(ctx.Err())
		case <-m.block:
		}
	}
	if m.err != nil {
		return models.Failed(m.err)
	}
	return models.Computed(m.value)
}

func (m *mockProvider) Validate(ctx context.Context) error {
	return m.validateErr
}

func (m *mockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCache struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (m *mockCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func newTestHandler(p *mockProvider, c *mockCache, hc *HealthConfig) *Handler {
	svc := service.NewCloudCoverService(p, c, service.Options{}, nil)
	return NewHandler(svc, p, hc, SummaryConfig{}, zap.NewNop())
}

func resetTrackers(t *testing.T) {
	t.Helper()
	degraded.Reset()
	overload.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		degraded.Reset()
		overload.Reset()
		lifecycle.SetShuttingDown(false)
	})
}

func decodeCloudCover(t *testing.T, w *httptest.ResponseRecorder) models.CloudCover {
	t.Helper()
	var got models.CloudCover
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return got
}

func TestHandler_GetCloudCover_CacheHit(t *testing.T) {
	p := &mockProvider{value: 1}
	h := newTestHandler(p, &mockCache{data: map[string]string{service.DefaultKey: "42.5"}}, nil)

	w := httptest.NewRecorder()
	h.GetCloudCover(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	got := decodeCloudCover(t, w)
	if got != (models.CloudCover{LastCloudCover: 42.5, FromCache: true}) {
		t.Errorf("body = %+v, want 42.5 from cache", got)
	}
	if p.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", p.Calls())
	}
}

func TestHandler_GetCloudCover_Miss(t *testing.T) {
	c := &mockCache{}
	h := newTestHandler(&mockProvider{value: 17.3}, c, nil)

	w := httptest.NewRecorder()
	h.GetCloudCover(w, httptest.NewRequest("GET", "/", nil))

	got := decodeCloudCover(t, w)
	if got != (models.CloudCover{LastCloudCover: 17.3, FromCache: false}) {
		t.Errorf("body = %+v, want 17.3 computed", got)
	}
	if c.data[service.DefaultKey] != "17.3" {
		t.Errorf("cached = %q, want 17.3", c.data[service.DefaultKey])
	}
}

func TestHandler_GetCloudCover_ProviderFailureIs200Sentinel(t *testing.T) {
	c := &mockCache{}
	h := newTestHandler(&mockProvider{err: provider.ErrNoRecentImagery}, c, nil)

	w := httptest.NewRecorder()
	h.GetCloudCover(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"last_cloud_cover":-1`) || !strings.Contains(body, `"from_cache":false`) {
		t.Errorf("body = %s, want sentinel", body)
	}
	if _, ok := c.data[service.DefaultKey]; ok {
		t.Error("cache written after provider failure")
	}
}

func TestHandler_GetCloudCover_CacheErrorIs500(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := newTestHandler(&mockProvider{value: 1}, &mockCache{err: errors.New("connection refused")}, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), "logger", zap.New(core)))
	w := httptest.NewRecorder()
	h.GetCloudCover(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"error":"Internal error"}` {
		t.Errorf("body = %s", got)
	}
	if logs.FilterMessage("request failed").Len() != 1 {
		t.Error("failure not logged")
	}
}

func TestHandler_Unavailable_Always500(t *testing.T) {
	p := &mockProvider{value: 1}
	h := NewHandler(service.Unavailable(errors.New("dial timeout")), p, nil, SummaryConfig{}, zap.NewNop())

	for _, tc := range []struct{ method, path string }{
		{"GET", "/"},
		{"POST", "/anything"},
		{"DELETE", "/a/b/c?x=1"},
	} {
		w := httptest.NewRecorder()
		h.GetCloudCover(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader("payload")))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s %s status = %d, want 500", tc.method, tc.path, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] != "Internal error" {
			t.Errorf("%s %s body = %v (%v)", tc.method, tc.path, body, err)
		}
	}
	if p.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0 in degraded mode", p.Calls())
	}
}

func TestHandler_GetSummary(t *testing.T) {
	tests := []struct {
		name string
		p    *mockProvider
		cfg  SummaryConfig
		want string
	}{
		{
			name: "value",
			p:    &mockProvider{value: 42.5},
			want: "The last Landsat 9 image was 42.50% cloudy.\n",
		},
		{
			name: "sentinel",
			p:    &mockProvider{err: provider.ErrNoRecentImagery},
			want: "No new Landsat 9 acquisitions in the last 48 hours...\n",
		},
		{
			name: "custom wording",
			p:    &mockProvider{err: provider.ErrNoRecentImagery},
			cfg:  SummaryConfig{DisplayName: "Sentinel-2", Window: 90 * time.Minute},
			want: "No new Sentinel-2 acquisitions in the last 1h30m0s...\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := service.NewCloudCoverService(tt.p, &mockCache{}, service.Options{}, nil)
			h := NewHandler(svc, tt.p, nil, tt.cfg, zap.NewNop())

			w := httptest.NewRecorder()
			h.GetSummary(w, httptest.NewRequest("GET", "/summary", nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
			if got := w.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler_GetSummary_Unavailable(t *testing.T) {
	h := NewHandler(service.Unavailable(errors.New("down")), nil, nil, SummaryConfig{}, zap.NewNop())
	w := httptest.NewRecorder()
	h.GetSummary(w, httptest.NewRequest("GET", "/summary", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestDescribeWindow(t *testing.T) {
	for d, want := range map[time.Duration]string{
		48 * time.Hour:   "48 hours",
		time.Hour:        "hour",
		30 * time.Minute: "30m0s",
	} {
		if got := describeWindow(d); got != want {
			t.Errorf("describeWindow(%v) = %q, want %q", d, got, want)
		}
	}
}

func getHealth(t *testing.T, h *Handler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	resetTrackers(t)
	hc := &HealthConfig{
		CachePing: func(ctx context.Context) error { return nil },
		Version:   "1.2.3",
	}
	h := newTestHandler(&mockProvider{}, &mockCache{}, hc)

	code, body := getHealth(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" || body["service"] != "cloud-cover-service" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
	checks, ok := body["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("checks missing")
	}
	if checks["cache"] != "healthy" || checks["earthEngine"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_Priorities(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		hc         *HealthConfig
		p          *mockProvider
		wantCode   int
		wantStatus string
	}{
		{
			name:       "shutting down wins over everything",
			setup:      func() { lifecycle.SetShuttingDown(true) },
			hc:         &HealthConfig{CacheUnavailable: errors.New("down")},
			p:          &mockProvider{validateErr: errors.New("bad key")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "shutting-down",
		},
		{
			name:       "cache unavailable",
			hc:         &HealthConfig{CacheUnavailable: errors.New("down")},
			p:          &mockProvider{validateErr: errors.New("bad key")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name:       "credentials invalid without config",
			p:          &mockProvider{validateErr: provider.ErrUnauthorized},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "overloaded",
			setup: func() {
				for i := 0; i < 10; i++ {
					overload.RecordDenial()
				}
			},
			hc:         &HealthConfig{OverloadWindow: 10 * time.Second, OverloadThresholdPct: 50, RateLimitRPS: 1},
			p:          &mockProvider{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "overloaded",
		},
		{
			name: "fallback rate breach",
			setup: func() {
				degraded.RecordServed()
				degraded.RecordFallback()
				degraded.RecordFallback()
			},
			hc:         &HealthConfig{DegradedWindow: time.Minute, FallbackPct: 50},
			p:          &mockProvider{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "fallback rate below threshold",
			setup: func() {
				degraded.RecordServed()
				degraded.RecordServed()
				degraded.RecordFallback()
			},
			hc:         &HealthConfig{DegradedWindow: time.Minute, FallbackPct: 50},
			p:          &mockProvider{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetTrackers(t)
			if tt.setup != nil {
				tt.setup()
			}
			h := newTestHandler(tt.p, &mockCache{}, tt.hc)
			code, body := getHealth(t, h)
			if code != tt.wantCode || body["status"] != tt.wantStatus {
				t.Errorf("GetHealth() = (%d, %v), want (%d, %s)", code, body["status"], tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_CacheChecks(t *testing.T) {
	resetTrackers(t)

	h := newTestHandler(&mockProvider{}, &mockCache{}, &HealthConfig{
		CachePing: func(ctx context.Context) error { return errors.New("timeout") },
	})
	_, body := getHealth(t, h)
	if checks := body["checks"].(map[string]interface{}); checks["cache"] != "unhealthy" {
		t.Errorf("cache check = %v, want unhealthy", checks["cache"])
	}

	h = newTestHandler(&mockProvider{}, &mockCache{}, &HealthConfig{CacheUnavailable: errors.New("down")})
	_, body = getHealth(t, h)
	if checks := body["checks"].(map[string]interface{}); checks["cache"] != "unhealthy" {
		t.Errorf("cache check = %v, want unhealthy in degraded mode", checks["cache"])
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetTrackers(t)
	core, logs := observer.New(zap.DebugLevel)
	hc := &HealthConfig{DegradedWindow: time.Minute, FallbackPct: 50}
	svc := service.NewCloudCoverService(&mockProvider{}, &mockCache{}, service.Options{}, nil)
	h := NewHandler(svc, &mockProvider{}, hc, SummaryConfig{}, zap.New(core))

	degraded.RecordServed()
	degraded.RecordServed()
	if code, _ := getHealth(t, h); code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	degraded.RecordFallback()
	degraded.RecordFallback()
	if code, _ := getHealth(t, h); code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", code)
	}
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["previous_status"] != "healthy" || ctx["current_status"] != "degraded" || ctx["reason"] != "fallback_rate_breach" {
		t.Errorf("transition fields = %v", ctx)
	}

	getHealth(t, h)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}
