package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type buffer struct {
	data [16]byte
	n    int
}

func TestNew_InvalidCapacity(t *testing.T) {
	p, err := New[buffer](0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestPool_AllocUntilExhausted(t *testing.T) {
	p, err := New[buffer](3)
	require.NoError(t, err)

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, v, ok := p.Alloc()
		require.True(t, ok)
		require.NotNil(t, v)
		assert.Equal(t, 1, p.RefCount(h))
		handles = append(handles, h)
	}

	_, v, ok := p.Alloc()
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, Stats{Capacity: 3, Allocated: 3, Free: 0}, p.Stats())

	assert.True(t, p.Release(handles[1]))
	assert.Equal(t, Stats{Capacity: 3, Allocated: 2, Free: 1}, p.Stats())

	h, _, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, handles[1].index, h.index)
	assert.NotEqual(t, handles[1].gen, h.gen)
}

func TestPool_RetainRelease(t *testing.T) {
	p, err := New[buffer](2)
	require.NoError(t, err)

	h, v, ok := p.Alloc()
	require.True(t, ok)
	v.n = 7

	assert.True(t, p.Retain(h))
	assert.Equal(t, 2, p.RefCount(h))

	assert.True(t, p.Release(h))
	assert.True(t, p.Live(h))
	assert.Equal(t, 7, p.Get(h).n)

	assert.True(t, p.Release(h))
	assert.False(t, p.Live(h))
	assert.Nil(t, p.Get(h))
	assert.Equal(t, 0, p.AllocCount())
}

func TestPool_StaleHandlesAreNoOps(t *testing.T) {
	p, err := New[buffer](2)
	require.NoError(t, err)

	h, _, ok := p.Alloc()
	require.True(t, ok)
	require.True(t, p.Release(h))

	// Nothing is allocated.
	assert.False(t, p.Retain(h))
	assert.False(t, p.Release(h))
	assert.False(t, p.Free(h))

	fresh, _, ok := p.Alloc()
	require.True(t, ok)
	before := p.Stats()

	// h now names the same slot as fresh, with an older generation.
	assert.False(t, p.Retain(h))
	assert.False(t, p.Release(h))
	assert.False(t, p.Free(h))
	assert.False(t, p.Release(Handle{}))
	assert.False(t, p.Release(Handle{index: 99, gen: 1}))

	assert.Equal(t, before, p.Stats())
	assert.Equal(t, 1, p.RefCount(fresh))
}

func TestPool_FreeIgnoresRefCount(t *testing.T) {
	p, err := New[buffer](1)
	require.NoError(t, err)

	h, _, ok := p.Alloc()
	require.True(t, ok)
	require.True(t, p.Retain(h))
	require.True(t, p.Retain(h))

	assert.True(t, p.Free(h))
	assert.Equal(t, 0, p.AllocCount())
	assert.Equal(t, 1, p.FreeCount())
	assert.False(t, p.Release(h))
}

func TestPool_ConcurrentRetainRelease(t *testing.T) {
	p, err := New[buffer](4)
	require.NoError(t, err)

	h, _, ok := p.Alloc()
	require.True(t, ok)

	const workers = 8
	const rounds = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if p.Retain(h) {
					p.Release(h)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.RefCount(h))
	assert.True(t, p.Release(h))
	assert.Equal(t, Stats{Capacity: 4, Allocated: 0, Free: 4}, p.Stats())
}

// TestPool_InvariantProperty checks that allocated plus free always equals
// capacity, and that operations on dead handles never change the counters.
func TestPool_InvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		p, err := New[buffer](capacity)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		var handles []Handle
		refs := map[Handle]int{}

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.IntRange(0, 3).Draw(t, "op")
			if op == 0 || len(handles) == 0 {
				if h, _, ok := p.Alloc(); ok {
					handles = append(handles, h)
					refs[h] = 1
				}
			} else {
				h := handles[rapid.IntRange(0, len(handles)-1).Draw(t, "handle")]
				before := p.Stats()
				var applied bool
				switch op {
				case 1:
					applied = p.Retain(h)
					if applied {
						refs[h]++
					}
				case 2:
					applied = p.Release(h)
					if applied {
						refs[h]--
					}
				case 3:
					applied = p.Free(h)
					if applied {
						refs[h] = 0
					}
				}
				if !applied && p.Stats() != before {
					t.Fatalf("no-op changed stats: %+v -> %+v", before, p.Stats())
				}
				if refs[h] < 0 {
					t.Fatalf("refcount went negative for %v", h)
				}
			}

			st := p.Stats()
			if st.Allocated+st.Free != st.Capacity {
				t.Fatalf("invariant broken: %+v", st)
			}

			live := 0
			for h, n := range refs {
				if n > 0 {
					live++
					if p.RefCount(h) != n {
						t.Fatalf("refcount of %v = %d, want %d", h, p.RefCount(h), n)
					}
				} else if p.Live(h) {
					t.Fatalf("dead handle %v still live", h)
				}
			}
			if live != st.Allocated {
				t.Fatalf("live handles %d, allocated %d", live, st.Allocated)
			}
		}
	})
}
