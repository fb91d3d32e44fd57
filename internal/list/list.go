// Package list implements the doubly-linked list used by the block
// cache's LRU chain. It is
// the Go analogue of a CamelDList: a sentinel head/tail node so every
// add/remove is O(1) and branch-free at the ends.
package list

// Node is allocated by PushFront/PushBack and carries its owner; the
// caller keeps the returned pointer to move or Remove it in O(1). A
// Node is valid only while it is linked into exactly one List.
type Node struct {
	next, prev *Node
	owner      interface{}
}

// Value returns the owner this node was linked with.
func (n *Node) Value() interface{} { return n.owner }

// List is an intrusive doubly-linked list with an overlapped
// head/tail sentinel: Head.next is eventually Tail and Tail.prev is
// eventually Head, so insertion and removal never special-case an
// empty list.
type List struct {
	head, tail Node
	length     int
}

// New returns an empty, ready-to-use list.
func New() *List {
	l := &List{}
	l.head.next = &l.tail
	l.tail.prev = &l.head
	return l
}

// Len reports the number of linked nodes.
func (l *List) Len() int { return l.length }

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool { return l.length == 0 }

// PushFront links a fresh node carrying owner at the head, returning
// the node so the caller can later Remove it in O(1).
func (l *List) PushFront(owner interface{}) *Node {
	n := &Node{owner: owner}
	l.insertAfter(n, &l.head)
	return n
}

// PushBack links a fresh node carrying owner at the tail.
func (l *List) PushBack(owner interface{}) *Node {
	n := &Node{owner: owner}
	l.insertAfter(n, l.tail.prev)
	return n
}

// PopFront removes and returns the head-most node's owner, or nil if
// the list is empty.
func (l *List) PopFront() interface{} {
	if l.Empty() {
		return nil
	}
	n := l.head.next
	l.Remove(n)
	return n.owner
}

// PopBack removes and returns the tail-most node's owner, or nil if
// the list is empty.
func (l *List) PopBack() interface{} {
	if l.Empty() {
		return nil
	}
	n := l.tail.prev
	l.Remove(n)
	return n.owner
}

// Front returns the head-most owner without unlinking it, or nil.
func (l *List) Front() interface{} {
	if l.Empty() {
		return nil
	}
	return l.head.next.owner
}

// MoveToBack relinks an already-linked node to the tail (the MRU end
// of an LRU chain) without allocating.
func (l *List) MoveToBack(n *Node) {
	l.unlink(n)
	l.insertAfter(n, l.tail.prev)
}

// Remove unlinks an arbitrary node in O(1). Removing a node not
// currently linked into l is a caller error and a no-op.
func (l *List) Remove(n *Node) {
	if n.next == nil && n.prev == nil {
		return
	}
	l.unlink(n)
	n.next, n.prev = nil, nil
}

func (l *List) insertAfter(n, at *Node) {
	n.prev = at
	n.next = at.next
	at.next.prev = n
	at.next = n
	l.length++
}

func (l *List) unlink(n *Node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	l.length--
}

// Walk calls fn for every owner from front to back; fn returning
// false stops the walk early.
func (l *List) Walk(fn func(owner interface{}) bool) {
	for n := l.head.next; n != &l.tail; n = n.next {
		if !fn(n.owner) {
			return
		}
	}
}
