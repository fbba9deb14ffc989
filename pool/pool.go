package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("pool: invalid capacity")

// Handle identifies one allocation. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.gen)
}

// Stats is a consistent snapshot of the pool counters.
type Stats struct {
	Capacity  int
	Allocated int
	Free      int
}

type slot[T any] struct {
	state atomic.Uint64 // generation<<32 | refcount
	value T
}

func pack(gen, count uint32) uint64 { return uint64(gen)<<32 | uint64(count) }

func unpack(state uint64) (gen, count uint32) { return uint32(state >> 32), uint32(state) }

func nextGen(gen uint32) uint32 {
	gen++
	if gen == 0 {
		gen = 1
	}
	return gen
}

// Pool is a fixed-capacity slab of T.
type Pool[T any] struct {
	slots []slot[T]

	mu        sync.Mutex
	free      []uint32 // stack of free slot indices
	allocated int
	live      atomic.Int64 // mirrors allocated for lock-free checks
}

// New pre-allocates capacity slots.
func New[T any](capacity int) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	p := &Pool[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, capacity),
	}
	for i := range p.slots {
		p.slots[i].state.Store(pack(1, 0))
		// Pop from the end, so slot 0 is handed out first.
		p.free[i] = uint32(capacity - 1 - i)
	}

	logrus.WithFields(logrus.Fields{
		"component": "pool",
		"capacity":  capacity,
	}).Debug("Pool created")

	return p, nil
}

// Alloc takes a slot from the freelist with a reference count of one. It
// returns false when the pool is exhausted; the caller must shed load.
func (p *Pool[T]) Alloc() (Handle, *T, bool) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return Handle{}, nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.allocated++
	p.live.Store(int64(p.allocated))
	p.mu.Unlock()

	s := &p.slots[idx]
	gen, _ := unpack(s.state.Load())
	s.state.Store(pack(gen, 1))
	return Handle{index: idx, gen: gen}, &s.value, true
}

func (p *Pool[T]) slot(h Handle) *slot[T] {
	if h.IsZero() || int(h.index) >= len(p.slots) || p.live.Load() == 0 {
		return nil
	}
	return &p.slots[h.index]
}

// Get returns the value behind a live handle, or nil.
func (p *Pool[T]) Get(h Handle) *T {
	s := p.slot(h)
	if s == nil {
		return nil
	}
	gen, count := unpack(s.state.Load())
	if gen != h.gen || count == 0 {
		return nil
	}
	return &s.value
}

// Live reports whether h still refers to an allocated slot.
func (p *Pool[T]) Live(h Handle) bool {
	return p.Get(h) != nil
}

// RefCount returns the reference count behind h, or 0 for a stale handle.
func (p *Pool[T]) RefCount(h Handle) int {
	s := p.slot(h)
	if s == nil {
		return 0
	}
	gen, count := unpack(s.state.Load())
	if gen != h.gen {
		return 0
	}
	return int(count)
}

// Retain adds a reference to h.
func (p *Pool[T]) Retain(h Handle) bool {
	s := p.slot(h)
	if s == nil {
		return false
	}
	for {
		state := s.state.Load()
		gen, count := unpack(state)
		if gen != h.gen || count == 0 {
			return false
		}
		if s.state.CompareAndSwap(state, pack(gen, count+1)) {
			return true
		}
	}
}

// Release drops a reference to h. The slot returns to the freelist when the
// count reaches zero.
func (p *Pool[T]) Release(h Handle) bool {
	s := p.slot(h)
	if s == nil {
		return false
	}
	for {
		state := s.state.Load()
		gen, count := unpack(state)
		if gen != h.gen || count == 0 {
			return false
		}
		next := pack(gen, count-1)
		if count == 1 {
			next = pack(nextGen(gen), 0)
		}
		if s.state.CompareAndSwap(state, next) {
			if count == 1 {
				p.recycle(h.index)
			}
			return true
		}
	}
}

// Free returns h to the freelist regardless of its reference count. Use it
// only where ownership is certain, such as error paths before a packet was
// shared.
func (p *Pool[T]) Free(h Handle) bool {
	s := p.slot(h)
	if s == nil {
		return false
	}
	for {
		state := s.state.Load()
		gen, count := unpack(state)
		if gen != h.gen || count == 0 {
			return false
		}
		if s.state.CompareAndSwap(state, pack(nextGen(gen), 0)) {
			p.recycle(h.index)
			return true
		}
	}
}

func (p *Pool[T]) recycle(idx uint32) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.allocated--
	p.live.Store(int64(p.allocated))
	p.mu.Unlock()
}

// Cap returns the number of slots.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// AllocCount returns the number of allocated slots.
func (p *Pool[T]) AllocCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// FreeCount returns the length of the freelist.
func (p *Pool[T]) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns capacity, allocated and free counts observed together.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Capacity: len(p.slots), Allocated: p.allocated, Free: len(p.free)}
}
