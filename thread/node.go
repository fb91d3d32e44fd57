// Package thread implements the JWZ-style folder-threading engine
// (CamelFolderThread): it builds a forest of message nodes from a
// flat, ordered list of items, grouping replies under their parents,
// optionally grouping by salvaged subject, pruning synthetic
// placeholders, and sorting siblings by date.
//
// Grounded on the teacher's turbo/stages/headerdownload package: that
// package builds and prunes a not-unlike parent/child DAG of
// provisional "Anchor"/"Tip" nodes out of a flat stream of headers,
// with an explicit no-cycle discipline and a llrb-ordered view for
// "earliest" lookups — the closest analogue in the corpus to a
// threading engine, generalised here from block headers to mail
// items and from difficulty-ordering to date-ordering.
package thread

// Item is the accessor surface spec.md §6 requires of anything fed
// into the threading engine.
type Item interface {
	UID() string
	Subject() string
	MessageID() uint64
	References() []uint64 // parent-to-root order
	DateSent() int64
	DateReceived() int64
}

// Locker is an optional extension: if an Item also implements it, the
// engine holds the per-item lock only while extracting MessageID and
// References once (spec.md §5). Subject and the dates are read later
// without the lock.
type Locker interface {
	Lock()
	Unlock()
}

// Node is a CamelFolderThreadNode. A dummy node has Item == nil and
// exists only to group siblings: replies to a message never seen, or
// roots merged by subject grouping.
type Node struct {
	next, parent, child *Node
	item                Item
	rootSubject         string
	hasRootSubject      bool
	order               uint32
	re                  bool
	subjectPhantom      bool

	dateCached bool
	date       int64
}

// Item returns the message this node represents, or nil for a dummy.
func (n *Node) Item() Item { return n.item }

// Parent returns the node's parent, or nil at the forest root.
func (n *Node) Parent() *Node { return n.parent }

// Child returns the node's first child, or nil if it has none.
func (n *Node) Child() *Node { return n.child }

// Next returns the node's next sibling, or nil if it is the last.
func (n *Node) Next() *Node { return n.next }

// Order returns the 0-based position the node's item held in the
// input slice (dummies carry the order of whichever item first
// caused them to be created).
func (n *Node) Order() uint32 { return n.order }

func (n *Node) isDummy() bool { return n.item == nil }

// lastChild walks n's child chain to find the current tail, for
// O(children) appends that preserve arrival order.
func (n *Node) lastChild() *Node {
	c := n.child
	if c == nil {
		return nil
	}
	for c.next != nil {
		c = c.next
	}
	return c
}

// appendChild links child as n's last child, detaching it from
// wherever it previously lived first.
func appendChild(parent, child *Node) {
	detach(child)
	child.parent = parent
	child.next = nil
	if last := parent.lastChild(); last != nil {
		last.next = child
	} else {
		parent.child = child
	}
}

// detach unlinks n from its parent's child chain (a no-op if n has no
// parent), without touching n's own children.
func detach(n *Node) {
	p := n.parent
	if p == nil {
		return
	}
	if p.child == n {
		p.child = n.next
	} else {
		prev := p.child
		for prev != nil && prev.next != n {
			prev = prev.next
		}
		if prev != nil {
			prev.next = n.next
		}
	}
	n.parent = nil
	n.next = nil
}

// isAncestor reports whether candidate is n itself or one of n's
// ancestors, the cycle-prevention check spec.md §9 requires before
// any reparent.
func isAncestor(n, candidate *Node) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == candidate {
			return true
		}
	}
	return false
}

// children returns n's children as a slice, front to back, for
// call-sites that want random access (sorting, counting) rather than
// manual chain-walking.
func (n *Node) children() []*Node {
	var out []*Node
	for c := n.child; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

// relinkChildren replaces n's child chain with ordered, matching a
// sort pass's output.
func (n *Node) relinkChildren(ordered []*Node) {
	n.child = nil
	for i, c := range ordered {
		c.parent = n
		if i+1 < len(ordered) {
			c.next = ordered[i+1]
		} else {
			c.next = nil
		}
	}
	if len(ordered) > 0 {
		n.child = ordered[0]
	}
}
