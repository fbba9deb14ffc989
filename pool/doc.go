// Package pool implements a fixed-capacity slab of reference counted objects.
//
// The pool pre-allocates every slot at creation and never moves them, so a
// pointer returned by Alloc or Get stays valid for the pool's lifetime. Slots
// are addressed by Handle, an index paired with a generation. Releasing the
// last reference bumps the slot generation, which turns every outstanding
// copy of the old handle into a stale handle.
//
// Retain, Release and Free on a stale or foreign handle, or on a pool with no
// live objects, are silent no-ops that report false. UDP delivery is already
// best effort, and a dropped packet is preferable to a crashed reader.
//
// Reference counts are updated with compare-and-swap on a word that packs the
// generation with the count, so concurrent Retain and Release from different
// goroutines never act on a recycled slot.
package pool
