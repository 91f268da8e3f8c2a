package service

import (
	"context"
	"fmt"

	"github.com/kjstillabower/cloud-cover-service/internal/models"
)

// UnavailableService is the lookup used when the cache could not be reached at startup.
// Every call fails with ErrCacheUnavailable without touching the provider.
type UnavailableService struct {
	reason error
}

// Unavailable returns a lookup that always fails, recording reason for logs and health.
func Unavailable(reason error) *UnavailableService {
	return &UnavailableService{reason: reason}
}

// Lookup always returns ErrCacheUnavailable.
func (u *UnavailableService) Lookup(ctx context.Context) (models.CloudCover, error) {
	return models.CloudCover{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, u.reason)
}

// Reason returns the startup connection error.
func (u *UnavailableService) Reason() error {
	return u.reason
}
