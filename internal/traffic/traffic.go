package traffic

import (
	"sync"
	"time"
)

// Retention bounds how far back any caller may ask; older events are pruned.
// Configured windows must not exceed it.
const Retention = 5 * time.Minute

var defaultTracker Tracker

// RecordServed records a lookup that returned a real value (hit or fresh computation).
func RecordServed() {
	defaultTracker.record(kindServed)
}

// RecordFallback records a lookup that served the sentinel because the provider failed.
func RecordFallback() {
	defaultTracker.record(kindFallback)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.record(kindDenied)
}

// RequestCount returns the number of events (served + fallback + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// FallbackRate returns (fallbacks, total) within the window. Denials are excluded from total.
func FallbackRate(window time.Duration) (fallbacks, total int) {
	return defaultTracker.FallbackRate(window)
}

// Reset clears all recorded events. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type kind uint8

const (
	kindServed kind = iota
	kindFallback
	kindDenied
)

type event struct {
	at   time.Time
	kind kind
}

// Tracker keeps a time-ordered sliding window of lookup outcomes. It is the single source
// for overload (RequestCount, DenialCount) and degraded (FallbackRate) checks.
type Tracker struct {
	mu     sync.Mutex
	events []event
}

// RecordServed records a served lookup.
func (t *Tracker) RecordServed() { t.record(kindServed) }

// RecordFallback records a sentinel fallback.
func (t *Tracker) RecordFallback() { t.record(kindFallback) }

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() { t.record(kindDenied) }

func (t *Tracker) record(k kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.events = append(t.events, event{at: now, kind: k})
	t.pruneLocked(now)
}

// RequestCount returns all events within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	counts := t.count(window)
	return counts[kindServed] + counts[kindFallback] + counts[kindDenied]
}

// DenialCount returns denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window)[kindDenied]
}

// FallbackRate returns (fallbacks, served+fallbacks) within the window.
func (t *Tracker) FallbackRate(window time.Duration) (fallbacks, total int) {
	counts := t.count(window)
	return counts[kindFallback], counts[kindServed] + counts[kindFallback]
}

// Reset clears all events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) count(window time.Duration) [3]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var counts [3]int
	cutoff := time.Now().Add(-window)
	// events are appended in time order; walk back until the cutoff.
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].at.Before(cutoff) {
			break
		}
		counts[t.events[i].kind]++
	}
	return counts
}

// pruneLocked drops events older than Retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-Retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
