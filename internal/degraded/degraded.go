package degraded

import (
	"time"

	"github.com/kjstillabower/cloud-cover-service/internal/traffic"
)

// RecordServed records a lookup that returned a real cloud-cover value.
func RecordServed() {
	traffic.RecordServed()
}

// RecordFallback records a lookup that served the sentinel because the provider failed.
func RecordFallback() {
	traffic.RecordFallback()
}

// FallbackRate returns (fallbacks, total) within the window.
func FallbackRate(window time.Duration) (fallbacks, total int) {
	return traffic.FallbackRate(window)
}

// Breached reports whether the fallback percentage within window is at or above pct.
// An empty window never breaches.
func Breached(window time.Duration, pct int) bool {
	if window <= 0 || pct <= 0 {
		return false
	}
	fallbacks, total := FallbackRate(window)
	if total == 0 {
		return false
	}
	return float64(fallbacks)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
