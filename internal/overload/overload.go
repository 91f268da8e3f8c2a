package overload

import (
	"time"

	"github.com/kjstillabower/cloud-cover-service/internal/traffic"
)

// RecordDenial records a rate-limit denial (429). Call from middleware when returning 429.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns the number of requests (served + fallback + denied) within the window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Exceeded reports whether requests in window exceed thresholdPct of the rate limiter's
// capacity (rps * window). Always false when rps is zero (limiter disabled).
func Exceeded(window time.Duration, rps, thresholdPct int) bool {
	if rps <= 0 || thresholdPct <= 0 {
		return false
	}
	threshold := float64(rps) * window.Seconds() * float64(thresholdPct) / 100
	return float64(RequestCount(window)) > threshold
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
