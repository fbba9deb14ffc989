// Package list implements an index-linked list over a growable slab of nodes.
//
// Nodes link to each other by slice index rather than pointer, so growing the
// slab never invalidates a link. Removed nodes go to a freelist and are reused
// by later adds. A List is not safe for concurrent use; it is meant to be
// owned by a single dispatch queue.
package list

// DefaultCapacity is the number of nodes reserved when the list grows.
const DefaultCapacity = 10

const none = -1

type node[T comparable] struct {
	value T
	prev  int
	next  int
}

// List is a doubly linked list of comparable values.
type List[T comparable] struct {
	nodes []node[T]
	head  int
	tail  int
	free  int // head of the freelist, linked through next
	count int
}

// New returns a list with capacity reserved nodes.
func New[T comparable](capacity int) *List[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &List[T]{head: none, tail: none, free: none}
	l.grow(capacity)
	return l
}

func (l *List[T]) grow(n int) {
	start := len(l.nodes)
	for i := 0; i < n; i++ {
		l.nodes = append(l.nodes, node[T]{prev: none, next: l.free})
		l.free = start + i
	}
}

// IsEmpty reports whether the list holds no values.
func (l *List[T]) IsEmpty() bool { return l.count == 0 }

// Len returns the number of values in the list.
func (l *List[T]) Len() int { return l.count }

// Reserved returns the number of unused nodes.
func (l *List[T]) Reserved() int { return len(l.nodes) - l.count }

// Add appends v.
func (l *List[T]) Add(v T) {
	if l.free == none {
		l.grow(DefaultCapacity)
	}
	i := l.free
	n := &l.nodes[i]
	l.free = n.next

	n.value = v
	n.prev = l.tail
	n.next = none
	if l.tail != none {
		l.nodes[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.count++
}

// Remove deletes the first node holding v. It reports whether one was found.
func (l *List[T]) Remove(v T) bool {
	for i := l.head; i != none; i = l.nodes[i].next {
		if l.nodes[i].value == v {
			l.unlink(i)
			return true
		}
	}
	return false
}

func (l *List[T]) unlink(i int) {
	n := &l.nodes[i]
	if n.prev != none {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != none {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}

	var zero T
	n.value = zero
	n.prev = none
	n.next = l.free
	l.free = i
	l.count--
}

// Find returns the first value for which match reports true.
func (l *List[T]) Find(match func(T) bool) (T, bool) {
	for i := l.head; i != none; i = l.nodes[i].next {
		if match(l.nodes[i].value) {
			return l.nodes[i].value, true
		}
	}
	var zero T
	return zero, false
}

// Each calls fn for every value in insertion order. fn may remove the value
// it was given.
func (l *List[T]) Each(fn func(T)) {
	for i := l.head; i != none; {
		next := l.nodes[i].next
		fn(l.nodes[i].value)
		i = next
	}
}

// All reports whether fn returns true for every value. Unlike a short
// circuiting search it visits every value.
func (l *List[T]) All(fn func(T) bool) bool {
	all := true
	l.Each(func(v T) {
		if !fn(v) {
			all = false
		}
	})
	return all
}
