package dispatch

import (
	"sync"
	"time"
)

// Timeout is a cancellable one-shot timer delivering onto a Queue.
type Timeout struct {
	mu        sync.Mutex
	stopper   Stopper
	cancelled bool
	fired     bool
}

// AfterFunc arms a timeout that runs fn on q after d. A nil tp uses the
// package default time provider.
func AfterFunc(q *Queue, tp TimeProvider, d time.Duration, fn func()) *Timeout {
	t := &Timeout{}
	stopper := getTimeProvider(tp).AfterFunc(d, func() {
		q.Async(func() {
			t.mu.Lock()
			if t.cancelled {
				t.mu.Unlock()
				return
			}
			t.fired = true
			t.mu.Unlock()
			fn()
		})
	})
	t.mu.Lock()
	t.stopper = stopper
	t.mu.Unlock()
	return t
}

// Cancel prevents fn from running. A timer that already expired but whose
// task is still queued is also suppressed. Cancel on a nil Timeout is a no-op.
func (t *Timeout) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.stopper != nil {
		t.stopper.Stop()
	}
}

// Fired reports whether fn ran.
func (t *Timeout) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
