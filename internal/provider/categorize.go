package provider

import (
	"context"
	"errors"
	"net"

	"github.com/kjstillabower/cloud-cover-service/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout            ErrorCategory = "timeout"
	ErrorCategoryNetwork            ErrorCategory = "network"
	ErrorCategoryUnauthorized       ErrorCategory = "unauthorized"
	ErrorCategoryNoRecentImagery    ErrorCategory = "no_recent_imagery"
	ErrorCategoryInvalidQuery       ErrorCategory = "invalid_query"
	ErrorCategoryRateLimited        ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx        ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing            ErrorCategory = "parsing"
	ErrorCategoryCircuitOpen        ErrorCategory = "circuit_open"
	ErrorCategoryInvalidCredentials ErrorCategory = "invalid_credentials"
	ErrorCategoryUnknown            ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrNoRecentImagery):
		return ErrorCategoryNoRecentImagery
	case errors.Is(err, ErrUnauthorized):
		return ErrorCategoryUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return ErrorCategoryInvalidCredentials
	case errors.Is(err, ErrInvalidQuery):
		return ErrorCategoryInvalidQuery
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrMalformedResponse):
		return ErrorCategoryParsing
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
