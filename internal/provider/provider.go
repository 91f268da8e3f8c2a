package provider

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/cloud-cover-service/internal/models"
)

// Provider computes the latest cloud-cover value. Failures are returned inside the
// Outcome, never as a panic or a separate error.
type Provider interface {
	LatestCloudCover(ctx context.Context) models.Outcome
	Validate(ctx context.Context) error
}

var (
	ErrNoRecentImagery    = errors.New("no recent imagery")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrRateLimited        = errors.New("rate limited")
	ErrUpstreamFailure    = errors.New("upstream failure")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrInvalidCredentials = errors.New("invalid service account key")
)

// Query describes which image attribute to read: the most recent image of Collection
// acquired within Window before now, ordered by SortProperty descending.
type Query struct {
	Collection   string
	Window       time.Duration
	SortProperty string
	Attribute    string
}

// DefaultQuery is the Landsat 9 Tier 1 cloud-cover query over the last 48 hours.
func DefaultQuery() Query {
	return Query{
		Collection:   "LANDSAT/LC09/C02/T1",
		Window:       48 * time.Hour,
		SortProperty: "system:time_start",
		Attribute:    "CLOUD_COVER",
	}
}
