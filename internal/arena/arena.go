// Package arena implements a CamelMemChunk-style slab allocator: a
// free-listed pool of fixed-size elements allocated in batches, so the
// folder-thread engine can build its node graph without a malloc per
// node and release it all at once with Destroy.
package arena

// Arena allocates T values in batches of batchCount, handing them out
// by pointer. Free returns a single element to the free list for
// reuse; Destroy drops every slab at once.
type Arena[T any] struct {
	batchCount int
	slabs      [][]T
	free       []*T
}

// New returns an arena that grows by allocating batchCount elements at
// a time. batchCount <= 0 is treated as 1.
func New[T any](batchCount int) *Arena[T] {
	if batchCount <= 0 {
		batchCount = 1
	}
	return &Arena[T]{batchCount: batchCount}
}

// Alloc returns a pointer to a zeroed T, preferring the free list over
// growing a new slab.
func (a *Arena[T]) Alloc() *T {
	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		var zero T
		*p = zero
		return p
	}
	slab := make([]T, a.batchCount)
	a.slabs = append(a.slabs, slab)
	for i := 1; i < len(slab); i++ {
		a.free = append(a.free, &slab[i])
	}
	return &slab[0]
}

// Free returns p to the arena's free list. Double-freeing the same
// pointer, or freeing a pointer not owned by a, is a caller error the
// arena does not detect (matching the source's unchecked-free
// convention).
func (a *Arena[T]) Free(p *T) {
	a.free = append(a.free, p)
}

// Len reports how many elements have ever been carved out of slabs
// (allocated-or-free), useful for debug dumps and tests.
func (a *Arena[T]) Len() int {
	n := 0
	for _, s := range a.slabs {
		n += len(s)
	}
	return n
}

// Destroy releases every slab. The arena is empty and reusable
// afterwards.
func (a *Arena[T]) Destroy() {
	a.slabs = nil
	a.free = nil
}
