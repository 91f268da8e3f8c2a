package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kjstillabower/cloud-cover-service/internal/circuitbreaker"
	"github.com/kjstillabower/cloud-cover-service/internal/models"
	"github.com/kjstillabower/cloud-cover-service/internal/observability"
)

// EarthEngineScope is the OAuth2 scope required by value:compute.
const EarthEngineScope = "https://www.googleapis.com/auth/earthengine"

// DefaultBaseURL is the public Earth Engine REST endpoint.
const DefaultBaseURL = "https://earthengine.googleapis.com"

// maxErrorBody caps how much of an error response is read for the message.
const maxErrorBody = 4 << 10

// Options configures the Earth Engine client. Zero Timeout means no client-side deadline;
// RetryAttempts <= 1 means a single attempt.
type Options struct {
	BaseURL        string
	Project        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Query          Query
}

// EarthEngineClient queries Earth Engine's value:compute method with service-account credentials.
type EarthEngineClient struct {
	baseURL        string
	project        string
	query          Query
	client         *http.Client
	tokens         oauth2.TokenSource
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	now            func() time.Time
	// credentialErr is set when the key could not be parsed; every call fails with it.
	credentialErr error
}

var _ Provider = (*EarthEngineClient)(nil)

type serviceAccountKey struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
}

// NewEarthEngineClient parses the service-account key (raw JSON or base64-encoded JSON)
// and returns a client authorised for EarthEngineScope. opts.Project overrides the
// key's project_id.
func NewEarthEngineClient(serviceAccountKey string, opts Options) (*EarthEngineClient, error) {
	keyJSON, err := decodeServiceAccountKey(serviceAccountKey)
	if err != nil {
		return nil, err
	}
	jwtCfg, err := google.JWTConfigFromJSON(keyJSON, EarthEngineScope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	project := opts.Project
	if project == "" {
		project = projectFromKey(keyJSON)
	}
	if project == "" {
		return nil, fmt.Errorf("%w: project_id missing and no project configured", ErrInvalidCredentials)
	}
	return newEarthEngineClient(jwtCfg.TokenSource(context.Background()), project, opts), nil
}

// Unconfigured returns a client whose computations and validation all fail with err.
// It stands in for a client built from an unusable service-account key, so lookups serve
// the sentinel and health reports the credentials as invalid.
func Unconfigured(err error) *EarthEngineClient {
	return &EarthEngineClient{credentialErr: err, now: time.Now}
}

func newEarthEngineClient(tokens oauth2.TokenSource, project string, opts Options) *EarthEngineClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	query := opts.Query
	if query.Collection == "" {
		query = DefaultQuery()
	}
	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	tokens = oauth2.ReuseTokenSource(nil, tokens)
	return &EarthEngineClient{
		baseURL:        baseURL,
		project:        project,
		query:          query,
		tokens:         tokens,
		retryAttempts:  attempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &oauth2.Transport{Source: tokens},
		},
		now: time.Now,
	}
}

// decodeServiceAccountKey accepts the key as JSON or as base64 of JSON.
func decodeServiceAccountKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidCredentials)
	}
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: neither JSON nor base64: %v", ErrInvalidCredentials, err)
	}
	return decoded, nil
}

func projectFromKey(keyJSON []byte) string {
	var key serviceAccountKey
	if err := json.Unmarshal(keyJSON, &key); err != nil {
		return ""
	}
	return key.ProjectID
}

// SetCircuitBreaker wraps every LatestCloudCover call in cb. Call before serving traffic.
func (c *EarthEngineClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Project returns the Cloud project requests are billed to.
func (c *EarthEngineClient) Project() string {
	return c.project
}

// LatestCloudCover returns the configured attribute of the most recent image in the window.
func (c *EarthEngineClient) LatestCloudCover(ctx context.Context) models.Outcome {
	if c.credentialErr != nil {
		observability.ProviderErrorsTotal.WithLabelValues(string(CategorizeError(c.credentialErr))).Inc()
		return models.Failed(c.credentialErr)
	}
	var value float64
	call := func() error {
		v, err := c.computeWithRetry(ctx)
		value = v
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		observability.ProviderErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.Failed(err)
	}
	return models.Computed(value)
}

func (c *EarthEngineClient) computeWithRetry(ctx context.Context) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ProviderRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		value, err := c.compute(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return 0, err
		}
	}
	if c.retryAttempts > 1 {
		return 0, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return 0, lastErr
}

type computeRequest struct {
	Expression expression `json:"expression"`
}

type computeResponse struct {
	Result json.RawMessage `json:"result"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *EarthEngineClient) compute(ctx context.Context) (float64, error) {
	start := time.Now()

	end := c.now().UnixMilli()
	body, err := json.Marshal(computeRequest{
		Expression: latestAttributeExpression(c.query, end-c.query.Window.Milliseconds(), end),
	})
	if err != nil {
		return 0, fmt.Errorf("encode expression: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/value:compute", c.baseURL, c.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues("error").Inc()
		observability.ProviderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("value:compute request: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ProviderCallsTotal.WithLabelValues(status).Inc()
	observability.ProviderDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return 0, err
	}

	var out computeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode body: %v", ErrMalformedResponse, err)
	}
	return parseResult(out.Result)
}

// parseResult converts the compute result to a float. A missing or null result means
// the collection was empty in the window or the image lacked the attribute.
func parseResult(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, ErrNoRecentImagery
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return 0, fmt.Errorf("%w: result %s is not a number", ErrMalformedResponse, truncate(string(trimmed), 64))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: result is not finite", ErrMalformedResponse)
	}
	return value, nil
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnauthorized, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusBadRequest:
		// Element.get on the null image that first() yields for an empty collection.
		if strings.Contains(msg, "Parameter 'object' is required") {
			return fmt.Errorf("%w: %s", ErrNoRecentImagery, msg)
		}
		return fmt.Errorf("%w: %s", ErrInvalidQuery, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUpstreamFailure, resp.StatusCode, msg)
	}
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return "no body"
	}
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return truncate(strings.TrimSpace(string(raw)), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	}
	cat := CategorizeError(err)
	return cat == ErrorCategoryTimeout || cat == ErrorCategoryNetwork
}

func (c *EarthEngineClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if c.retryMaxDelay > 0 && delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// Validate fetches an access token, proving the key is usable. Used by health checks.
// It returns ctx.Err() if ctx ends before the token exchange does.
func (c *EarthEngineClient) Validate(ctx context.Context) error {
	if c.credentialErr != nil {
		return c.credentialErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The token source refreshes over its own context; the result is dropped if ctx ends first.
	errc := make(chan error, 1)
	go func() {
		_, err := c.tokens.Token()
		errc <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil
	}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
