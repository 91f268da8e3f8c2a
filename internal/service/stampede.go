package service

import "sync"

// stampedeTracker counts misses in progress per cache key. A count above 1 means several
// requests are computing the same value at once.
type stampedeTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{inFlight: make(map[string]int)}
}

// RecordMiss registers a miss for key and returns how many are now in progress, itself included.
// Callers defer RecordHit(key) once the computation finishes.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight[key]++
	return st.inFlight[key]
}

// RecordHit marks one miss for key as resolved.
func (st *stampedeTracker) RecordHit(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	n, ok := st.inFlight[key]
	if !ok || n == 0 {
		return
	}
	if n == 1 {
		delete(st.inFlight, key)
		return
	}
	st.inFlight[key] = n - 1
}

// InFlight returns the number of unresolved misses for key.
func (st *stampedeTracker) InFlight(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight[key]
}
