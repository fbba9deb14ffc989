package dispatch

import (
	"sync"
	"time"
)

// Ticker runs fn on a Queue every interval while active. It is created
// suspended.
type Ticker struct {
	q        *Queue
	tp       TimeProvider
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	active  bool
	epoch   uint64
	stopper Stopper
}

// NewTicker returns a suspended ticker. A nil tp uses the package default
// time provider.
func NewTicker(q *Queue, tp TimeProvider, interval time.Duration, fn func()) *Ticker {
	return &Ticker{q: q, tp: getTimeProvider(tp), interval: interval, fn: fn}
}

// Resume starts ticking. It is a no-op on an active ticker.
func (t *Ticker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return
	}
	t.active = true
	t.epoch++
	t.schedule(t.epoch)
}

// Suspend stops ticking. A tick already queued for the current epoch is
// discarded.
func (t *Ticker) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	t.epoch++
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
}

// Active reports whether the ticker is running.
func (t *Ticker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Interval returns the tick period.
func (t *Ticker) Interval() time.Duration { return t.interval }

// schedule must be called with mu held.
func (t *Ticker) schedule(epoch uint64) {
	t.stopper = t.tp.AfterFunc(t.interval, func() {
		t.q.Async(func() { t.tick(epoch) })
	})
}

func (t *Ticker) tick(epoch uint64) {
	t.mu.Lock()
	if !t.active || t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	t.schedule(epoch)
	t.mu.Unlock()

	t.fn()
}
