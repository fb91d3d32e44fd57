// Package indices implements the Book-Indices updater: an incremental
// maintainer of alphabetic (or otherwise categorical) bucket headers
// shown beside a sorted list, kept in sync as items are added, moved,
// or removed one at a time, without rescanning the whole list.
//
// Grounded on the teacher's ethdb/bitmapdb package: that package
// maintains per-shard running counts and boundary markers over a
// sharded key space, incrementally updated as individual keys are
// touched, which is the same shape of problem as maintaining running
// "items before this bucket" counts here.
package indices

import "fmt"

// NoRow is the sentinel index value displayed for an empty bucket
// ("∞" in spec.md §4.I).
const NoRow = ^uint64(0)

// Index is one bucket header: Chr names the bucket (a character, a
// label, whatever the caller's grouping key is); Pos is the display
// row at which the bucket header should be drawn, or NoRow if the
// bucket currently holds nothing.
type Index struct {
	Chr string
	Pos uint64
}

// Table is a CamelBookIndices: the set of bucket headers plus the
// running per-bucket item counts and the uid→bucket assignment needed
// to update them incrementally. Not safe for concurrent use; callers
// serialize access (spec.md §5).
type Table struct {
	indices   []Index
	counts    []int
	ascending bool
	byUID     map[string]int // uid -> bucket index
}

// New returns an empty table; call TakeIndices to install the bucket
// set before using Add/Remove.
func New() *Table {
	return &Table{ascending: true, byUID: make(map[string]int)}
}

// TakeIndices installs a new bucket array, resetting every count to
// zero and forgetting every uid→bucket assignment, even if the new
// array is identical to the old one in content. Returns whether the
// visible array changed as a result (bucket count, labels, or any
// index value differs from before).
func (t *Table) TakeIndices(buckets []string) (changed bool) {
	next := make([]Index, len(buckets))
	for i, chr := range buckets {
		next[i] = Index{Chr: chr, Pos: NoRow}
	}
	changed = !sameIndices(t.indices, next)
	t.indices = next
	t.counts = make([]int, len(buckets))
	t.byUID = make(map[string]int)
	return changed
}

// GetIndices returns the current bucket headers, in display order. The
// returned slice is a copy; callers may not mutate t through it.
func (t *Table) GetIndices() []Index {
	out := make([]Index, len(t.indices))
	copy(out, t.indices)
	return out
}

// GetAscending reports the current sort direction.
func (t *Table) GetAscending() bool { return t.ascending }

// SetAscending flips the direction buckets are counted in for Pos
// computation. If the flag actually changes, every nonempty bucket's
// Pos is recomputed as a running total in the new direction.
func (t *Table) SetAscending(ascending bool) (changed bool) {
	if ascending == t.ascending {
		return false
	}
	before := cloneIndices(t.indices)
	t.ascending = ascending
	t.recomputeAll()
	return !sameIndices(before, t.indices)
}

// Add assigns uid to bucket b (0-based into the array last given to
// TakeIndices), moving it out of any bucket it previously occupied.
// Returns whether the visible indices array changed.
func (t *Table) Add(uid string, b int) (changed bool, err error) {
	if b < 0 || b >= len(t.indices) {
		return false, fmt.Errorf("bucket %d out of range [0,%d)", b, len(t.indices))
	}
	if cur, ok := t.byUID[uid]; ok {
		if cur == b {
			return false, nil
		}
		removedChanged := t.decrement(cur)
		t.byUID[uid] = b
		addedChanged := t.increment(b)
		return removedChanged || addedChanged, nil
	}
	t.byUID[uid] = b
	return t.increment(b), nil
}

// Remove drops uid from whatever bucket it occupies. A uid that was
// never added is a no-op returning changed=false.
func (t *Table) Remove(uid string) (changed bool) {
	b, ok := t.byUID[uid]
	if !ok {
		return false
	}
	delete(t.byUID, uid)
	return t.decrement(b)
}

// increment records one more item in bucket b and returns whether the
// visible array changed (the bucket went from empty to nonempty, or
// later buckets' running totals shifted).
func (t *Table) increment(b int) bool {
	wasEmpty := t.counts[b] == 0
	t.counts[b]++
	if wasEmpty {
		t.indices[b].Pos = t.runningTotal(b)
	}
	shifted := t.shiftDownstream(b, +1)
	return wasEmpty || shifted
}

// decrement removes one item from bucket b and returns whether the
// visible array changed.
func (t *Table) decrement(b int) bool {
	t.counts[b]--
	emptied := t.counts[b] == 0
	if emptied {
		t.indices[b].Pos = NoRow
	}
	shifted := t.shiftDownstream(b, -1)
	return emptied || shifted
}

// shiftDownstream adjusts every nonempty bucket's Pos that lies after
// b in display order by delta, matching "increment every subsequent
// nonempty index" (spec.md §4.I). It reports whether any Pos moved.
func (t *Table) shiftDownstream(b int, delta int) bool {
	shifted := false
	for i := range t.indices {
		if t.counts[i] == 0 {
			continue
		}
		if t.displaysBefore(b, i) {
			t.indices[i].Pos = uint64(int64(t.indices[i].Pos) + int64(delta))
			shifted = true
		}
	}
	return shifted
}

// displaysBefore reports whether bucket i is shown earlier than
// bucket b in the current display direction.
func (t *Table) displaysBefore(i, b int) bool {
	if t.ascending {
		return i < b
	}
	return i > b
}

// runningTotal sums counts of every bucket displayed strictly before
// b in the current direction.
func (t *Table) runningTotal(b int) uint64 {
	var sum uint64
	for i := range t.counts {
		if t.displaysBefore(i, b) {
			sum += uint64(t.counts[i])
		}
	}
	return sum
}

// recomputeAll rebuilds every nonempty bucket's Pos from scratch,
// used after a direction flip.
func (t *Table) recomputeAll() {
	var running uint64
	order := t.order()
	for _, i := range order {
		if t.counts[i] == 0 {
			t.indices[i].Pos = NoRow
			continue
		}
		t.indices[i].Pos = running
		running += uint64(t.counts[i])
	}
}

// order returns bucket indices in current display order.
func (t *Table) order() []int {
	n := len(t.indices)
	out := make([]int, n)
	if t.ascending {
		for i := 0; i < n; i++ {
			out[i] = i
		}
	} else {
		for i := 0; i < n; i++ {
			out[i] = n - 1 - i
		}
	}
	return out
}

// Snapshot returns (indices, counts) together, a supplemental
// convenience for callers (e.g. a UI adapter) that want both without
// two calls racing a concurrent mutation — Table itself isn't
// thread-safe, but this avoids a second traversal.
func (t *Table) Snapshot() ([]Index, []int) {
	idx := make([]Index, len(t.indices))
	copy(idx, t.indices)
	cnt := make([]int, len(t.counts))
	copy(cnt, t.counts)
	return idx, cnt
}

func sameIndices(a, b []Index) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneIndices(a []Index) []Index {
	out := make([]Index, len(a))
	copy(out, a)
	return out
}
