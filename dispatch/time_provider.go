package dispatch

import (
	"sync"
	"time"
)

// Stopper cancels a pending timer.
type Stopper interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// TimeProvider is an interface for getting the current time and scheduling
// callbacks. This allows injecting a manual clock for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Stopper
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f using the standard library.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

var (
	defaultMu           sync.RWMutex
	defaultTimeProvider TimeProvider = RealTimeProvider{}
)

// SetDefaultTimeProvider sets the package-level default time provider.
// This is primarily useful for testing to inject deterministic time.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	defaultMu.Lock()
	defaultTimeProvider = tp
	defaultMu.Unlock()
}

// getTimeProvider returns the provided TimeProvider if non-nil,
// otherwise returns the package-level default.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTimeProvider
}
