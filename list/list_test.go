package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(l *List[int]) []int {
	var out []int
	l.Each(func(v int) { out = append(out, v) })
	return out
}

func TestList_AddRemove(t *testing.T) {
	l := New[int](2)
	assert.True(t, l.IsEmpty())
	assert.Equal(t, 2, l.Reserved())

	l.Add(1)
	l.Add(2)
	l.Add(3) // grows
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, DefaultCapacity-1, l.Reserved())
	assert.Equal(t, []int{1, 2, 3}, values(l))

	assert.True(t, l.Remove(2))
	assert.False(t, l.Remove(2))
	assert.Equal(t, []int{1, 3}, values(l))

	assert.True(t, l.Remove(1))
	assert.True(t, l.Remove(3))
	assert.True(t, l.IsEmpty())
	assert.Nil(t, values(l))
}

func TestList_ReusesFreedNodes(t *testing.T) {
	l := New[int](4)
	for i := 0; i < 4; i++ {
		l.Add(i)
	}
	total := l.Len() + l.Reserved()

	for round := 0; round < 10; round++ {
		require.True(t, l.Remove(round%4))
		l.Add(round % 4)
	}
	assert.Equal(t, total, l.Len()+l.Reserved())
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, values(l))
}

func TestList_Find(t *testing.T) {
	l := New[string](0)
	l.Add("alpha")
	l.Add("beta")

	v, ok := l.Find(func(s string) bool { return s[0] == 'b' })
	assert.True(t, ok)
	assert.Equal(t, "beta", v)

	_, ok = l.Find(func(s string) bool { return s == "gamma" })
	assert.False(t, ok)
}

func TestList_EachAllowsRemovingCurrent(t *testing.T) {
	l := New[int](0)
	for i := 1; i <= 5; i++ {
		l.Add(i)
	}
	l.Each(func(v int) {
		if v%2 == 0 {
			l.Remove(v)
		}
	})
	assert.Equal(t, []int{1, 3, 5}, values(l))
}

func TestList_AllVisitsEveryValue(t *testing.T) {
	l := New[int](0)
	l.Add(1)
	l.Add(2)
	l.Add(3)

	visited := 0
	ok := l.All(func(v int) bool {
		visited++
		return v != 1
	})
	assert.False(t, ok)
	assert.Equal(t, 3, visited)
	assert.True(t, l.All(func(v int) bool { return v > 0 }))
}
