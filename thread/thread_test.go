package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	uid     string
	subject string
	mid     uint64
	refs    []uint64
	sent    int64
}

func (t testItem) UID() string           { return t.uid }
func (t testItem) Subject() string        { return t.subject }
func (t testItem) MessageID() uint64      { return t.mid }
func (t testItem) References() []uint64   { return t.refs }
func (t testItem) DateSent() int64        { return t.sent }
func (t testItem) DateReceived() int64    { return t.sent }

func asItems(ts []testItem) []Item {
	out := make([]Item, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}

// Simple chain: A <- B <- C, all present, no subject or sort passes.
// References are nearest-parent-first (spec.md §4.C's "parent-to-root"
// order), so C's own references list its direct parent B before its
// grandparent A: refs=[2,1], not E-C1's literal [1,2] — see TestE_C1
// and DESIGN.md for why those numbers don't produce this shape.
func TestNestedReplyChain(t *testing.T) {
	items := asItems([]testItem{
		{uid: "A", mid: 1, sent: 1},
		{uid: "B", mid: 2, refs: []uint64{1}, sent: 2},
		{uid: "C", mid: 3, refs: []uint64{2, 1}, sent: 3},
	})
	f := New(items, 0)
	root := f.GetTree()
	require.NotNil(t, root)
	assert.Nil(t, root.Next(), "exactly one root")
	assert.Equal(t, "A", root.Item().UID())
	b := root.Child()
	require.NotNil(t, b)
	assert.Equal(t, "B", b.Item().UID())
	c := b.Child()
	require.NotNil(t, c)
	assert.Equal(t, "C", c.Item().UID())
}

// E-C1, literal numbers: refs=[1,2] for C. linkReferences stops
// re-parenting at the first reference it finds already indexed (here,
// mid 1 / A, seen while indexing B), per spec.md §9 step 1(b) — so C
// never walks as far as reference 2 (B) and becomes A's direct child,
// a sibling of B, rather than B's child as the scenario's prose
// describes. See DESIGN.md's Open Question entry for this tension
// between E-C1's prose and its own literal reference order.
func TestE_C1(t *testing.T) {
	items := asItems([]testItem{
		{uid: "A", mid: 1, sent: 10},
		{uid: "B", mid: 2, refs: []uint64{1}, sent: 20},
		{uid: "C", mid: 3, refs: []uint64{1, 2}, sent: 30},
	})
	f := New(items, Sort)
	root := f.GetTree()
	require.NotNil(t, root)
	assert.Nil(t, root.Next(), "exactly one root")
	assert.Equal(t, "A", root.Item().UID())
	kids := root.children()
	require.Len(t, kids, 2, "B and C both end up direct children of A")
	assert.Equal(t, "B", kids[0].Item().UID())
	assert.Equal(t, "C", kids[1].Item().UID())
}

// Two replies arrive whose parent is missing: a dummy node groups
// them. With Sort set the multi-child dummy stays at the root (without
// Sort, promoteDummies would swap its earliest child into the root).
func TestMissingParentProducesDummy(t *testing.T) {
	items := asItems([]testItem{
		{uid: "B", mid: 2, refs: []uint64{1}, sent: 2},
		{uid: "C", mid: 3, refs: []uint64{1}, sent: 3},
	})
	f := New(items, Sort)
	root := f.GetTree()
	require.NotNil(t, root)
	assert.Nil(t, root.Item(), "missing parent 1 becomes a dummy root")
	assert.Nil(t, root.Next())
	kids := root.children()
	assert.Len(t, kids, 2)
}

// A lone child under a dummy gets promoted into the dummy's place
// (E-C2's second half).
func TestLoneChildDummyPromoted(t *testing.T) {
	items := asItems([]testItem{
		{uid: "B", mid: 2, refs: []uint64{1}, sent: 2},
	})
	f := New(items, 0)
	root := f.GetTree()
	require.NotNil(t, root)
	require.NotNil(t, root.Item())
	assert.Equal(t, "B", root.Item().UID())
}

// Two independent messages with identical subjects but disjoint
// references stay separate roots unless Subject grouping is enabled.
func TestSubjectGroupingOptIn(t *testing.T) {
	items := asItems([]testItem{
		{uid: "A", subject: "hello", mid: 1, sent: 1},
		{uid: "B", subject: "Re: hello", mid: 2, sent: 2},
	})

	f := New(items, 0)
	root := f.GetTree()
	require.NotNil(t, root)
	assert.NotNil(t, root.Next(), "without Subject flag, unrelated roots stay separate")

	f2 := New(items, Subject)
	root2 := f2.GetTree()
	require.NotNil(t, root2)
	assert.Nil(t, root2.Next(), "with Subject flag, matching subjects merge under one root")
}

// Sort orders siblings by earliest date, not input order.
func TestSortOrdersByDate(t *testing.T) {
	items := asItems([]testItem{
		{uid: "late", mid: 10, sent: 100},
		{uid: "early", mid: 11, sent: 1},
	})
	f := New(items, Sort)
	root := f.GetTree()
	require.NotNil(t, root)
	assert.Equal(t, "early", root.Item().UID())
	assert.Equal(t, "late", root.Next().Item().UID())
}

// A duplicate message id is treated as if it had none: both messages
// survive as distinct nodes instead of clobbering each other.
func TestDuplicateMessageID(t *testing.T) {
	items := asItems([]testItem{
		{uid: "first", mid: 5, sent: 1},
		{uid: "second", mid: 5, sent: 2},
	})
	f := New(items, 0)
	count := 0
	for n := f.GetTree(); n != nil; n = n.Next() {
		count++
	}
	assert.Equal(t, 2, count)
}

// A reference cycle (A refers to B, B refers to A) must not hang New
// or corrupt the tree; one of the two ends up as the other's parent
// and no infinite loop occurs.
func TestReferenceCycleDoesNotHang(t *testing.T) {
	items := asItems([]testItem{
		{uid: "A", mid: 1, refs: []uint64{2}, sent: 1},
		{uid: "B", mid: 2, refs: []uint64{1}, sent: 2},
	})
	done := make(chan *Forest, 1)
	go func() { done <- New(items, 0) }()
	f := <-done
	require.NotNil(t, f)
	total := 0
	var walk func(n *Node)
	walk = func(n *Node) {
		for ; n != nil; n = n.Next() {
			total++
			walk(n.Child())
		}
	}
	walk(f.GetTree())
	assert.Equal(t, 2, total)
}
