package thread

import (
	"sort"
	"strings"

	"github.com/evolution-ds/core/internal/arena"
)

// Flags controls optional passes of New, matching
// CAMEL_FOLDER_THREAD_{SUBJECT,SORT} in spec.md §4.C.
type Flags uint8

const (
	// Subject enables the subject-grouping pass: roots with no
	// in-reply-to relation but matching salvaged subjects are merged,
	// one becoming the other's parent, or both going under one
	// synthetic parent when neither dominates (see groupBySubject).
	Subject Flags = 1 << iota
	// Sort enables the date-sort pass over siblings at every level.
	Sort
)

// Forest is the result of New: a set of root nodes, the first of which
// GetTree returns, with Dump and GetTree accessors mirroring
// camel_folder_thread_messages_new's returned CamelFolderThread.
type Forest struct {
	arena *arena.Arena[Node]
	root  *Node // sentinel; root.child holds the real root siblings
}

// GetTree returns the first root node; walk Next() for the rest.
// Returns nil for an empty input.
func (f *Forest) GetTree() *Node {
	return f.root.child
}

// New builds a thread forest out of items, in the order given. Items
// are never mutated; their MessageID and References accessors are
// read once each under Lock/Unlock if Item also implements Locker.
// Subject and the dates are read afterwards without taking the lock.
func New(items []Item, flags Flags) *Forest {
	f := &Forest{
		arena: arena.New[Node](64),
		root:  &Node{},
	}

	byID := make(map[uint64]*Node, len(items))
	var noID []*Node

	for i, it := range items {
		mid, refs := snapshot(it)

		var node *Node
		if mid != 0 {
			if existing, ok := byID[mid]; ok {
				if existing.item != nil {
					// duplicate message id: treat the repeat as if it
					// had none, per spec.md §9's duplicate-id note.
					node = f.arena.Alloc()
					node.item = it
					node.order = uint32(i)
					noID = append(noID, node)
				} else {
					existing.item = it
					existing.order = uint32(i)
					node = existing
				}
			} else {
				node = f.arena.Alloc()
				node.item = it
				node.order = uint32(i)
				byID[mid] = node
			}
		} else {
			node = f.arena.Alloc()
			node.item = it
			node.order = uint32(i)
			noID = append(noID, node)
		}

		linkReferences(f, byID, node, refs)
	}

	// Every node not yet claimed as somebody's child becomes a root.
	// byID is a map, so its iteration order is randomized per run;
	// collect its unparented entries and sort by input order first so
	// the resulting root order is reproducible (spec.md §9's C3
	// invariant), the same way noID already is by construction.
	idRoots := make([]*Node, 0, len(byID))
	for _, n := range byID {
		if n.parent == nil {
			idRoots = append(idRoots, n)
		}
	}
	sort.SliceStable(idRoots, func(i, j int) bool { return idRoots[i].order < idRoots[j].order })
	for _, n := range idRoots {
		appendChild(f.root, n)
	}
	for _, n := range noID {
		if n.parent == nil {
			appendChild(f.root, n)
		}
	}

	pruneEmpties(f.root)

	if flags&Subject != 0 {
		groupBySubject(f)
	}
	promoteDummies(f.root, flags&Sort != 0)

	if flags&Sort != 0 {
		sortSiblingsRecursive(f.root)
	}

	return f
}

// snapshot reads MessageID and References under a single Lock/Unlock
// pair, per spec.md §5's concurrency note. Subject is not read here.
func snapshot(it Item) (messageID uint64, refs []uint64) {
	if l, ok := it.(Locker); ok {
		l.Lock()
		defer l.Unlock()
	}
	return it.MessageID(), it.References()
}

// linkReferences walks refs in parent-to-root order, creating
// placeholder ancestors as needed and stopping at the first ancestor
// that already existed before this call (its own ancestry is already
// settled, so re-parenting stops there) or at the first step that
// would introduce a cycle.
func linkReferences(f *Forest, byID map[uint64]*Node, node *Node, refs []uint64) {
	cur := node
	for _, rid := range refs {
		if rid == 0 {
			continue
		}
		refNode, existed := byID[rid]
		if !existed {
			refNode = f.arena.Alloc()
			refNode.order = node.order
			byID[rid] = refNode
		}
		if refNode == cur || isAncestor(refNode, cur) {
			// refNode == cur, or cur is already an ancestor of refNode:
			// reparenting here would create a cycle.
			break
		}
		if cur.parent == nil {
			appendChild(refNode, cur)
		}
		if existed {
			break
		}
		cur = refNode
	}
}

// pruneEmpties recursively removes dummy (itemless) leaves and
// collapses dummy nodes with exactly one child, root's own children
// included: a childless dummy under root is removed, and a dummy's
// single child is appended to the end of the dummy's parent's child
// list in its place. Dummies with two or more children are kept.
func pruneEmpties(root *Node) {
	for _, c := range root.children() {
		pruneSubtree(c)
	}
	for _, c := range root.children() {
		if c.isDummy() && c.child == nil {
			detach(c)
		}
	}
}

func pruneSubtree(n *Node) {
	for _, c := range n.children() {
		pruneSubtree(c)
	}
	for _, c := range n.children() {
		if c.isDummy() && c.child == nil {
			detach(c)
		}
	}
	if n.isDummy() && n.parent != nil {
		kids := n.children()
		if len(kids) == 1 {
			only := kids[0]
			parent := n.parent
			detach(only)
			detach(n)
			appendChild(parent, only)
		}
	}
}

// promoteDummies handles root-level dummies left after pruning and
// subject grouping: one with no children is removed; one with a single
// child is replaced by that child; one with several children, when
// sort is disabled and it is not a subject-grouping phantom, has its
// earliest-dated child promoted to the root with the other children
// moved under it. A promoted child is appended at the end of root's
// child list; it does not take over the dummy's position.
func promoteDummies(root *Node, sortEnabled bool) {
	for _, c := range root.children() {
		if !c.isDummy() {
			continue
		}
		kids := c.children()
		if len(kids) == 0 {
			detach(c)
			continue
		}
		if len(kids) == 1 {
			only := kids[0]
			detach(only)
			detach(c)
			appendChild(root, only)
			continue
		}
		if sortEnabled || c.subjectPhantom {
			// c's children are reordered by the sort pass instead, or c is
			// a subject-grouping phantom meant to stay as a visible group
			// header rather than be swapped out for one of its children.
			continue
		}
		sort.SliceStable(kids, func(i, j int) bool { return earliestDate(kids[i]) < earliestDate(kids[j]) })
		first := kids[0]
		rest := kids[1:]
		for _, k := range rest {
			detach(k)
		}
		detach(first)
		detach(c)
		appendChild(root, first)
		for _, k := range rest {
			appendChild(first, k)
		}
	}
}

// earliestDate returns the date a node sorts by: its own
// DateSent/DateReceived for a real item, or the minimum across its
// subtree for a dummy, cached per node since the forest is immutable
// once built.
func earliestDate(n *Node) int64 {
	if n.dateCached {
		return n.date
	}
	var d int64
	if n.item != nil {
		d = n.item.DateSent()
		if d == 0 {
			d = n.item.DateReceived()
		}
	} else {
		first := true
		for c := n.child; c != nil; c = c.next {
			cd := earliestDate(c)
			if first || cd < d {
				d = cd
				first = false
			}
		}
	}
	n.date = d
	n.dateCached = true
	return d
}

// sortSiblingsRecursive sorts every sibling chain under root by
// earliest date, breaking ties by input order (spec.md §9's C3
// invariant: stable, deterministic ordering).
func sortSiblingsRecursive(root *Node) {
	kids := root.children()
	sort.SliceStable(kids, func(i, j int) bool {
		di, dj := earliestDate(kids[i]), earliestDate(kids[j])
		if di != dj {
			return di < dj
		}
		return kids[i].order < kids[j].order
	})
	root.relinkChildren(kids)
	for _, c := range kids {
		sortSiblingsRecursive(c)
	}
}

// groupBySubject merges top-level roots that share a salvaged subject,
// per spec.md §4.C step 4 (camel's group_root_set). Four cases, in the
// order camel checks them:
//   - both sides are dummies: c's children move onto the existing
//     container and c is discarded;
//   - one side is a dummy and the other has an item: the dummy becomes
//     (or stays) the parent, the non-dummy becomes its child;
//   - one side is "Re:" and the other isn't: the non-"Re:" side becomes
//     (or stays) the parent;
//   - otherwise (e.g. both real items with matching re-ness): neither
//     side dominates, so a fresh phantom parents both.
func groupBySubject(f *Forest) {
	bySubject := make(map[string]*Node)

	for _, c := range f.root.children() {
		subj, re := salvageSubject(c)
		c.rootSubject = subj
		c.hasRootSubject = subj != ""
		c.re = re
		if !c.hasRootSubject {
			continue
		}
		container, ok := bySubject[subj]
		if !ok || (container.item == nil && c.item != nil) || (container.re && !c.re) {
			bySubject[subj] = c
		}
	}

	for _, c := range f.root.children() {
		if !c.hasRootSubject {
			continue
		}
		container, ok := bySubject[c.rootSubject]
		if !ok || container == c {
			continue
		}

		var winner *Node
		switch {
		case c.item == nil && container.item == nil:
			// Both dummies: absorb container's sibling-level duplicate by
			// moving c's children onto container, then drop c entirely.
			for _, k := range c.children() {
				detach(k)
				appendChild(container, k)
			}
			detach(c)
			winner = container
		case c.item == nil && container.item != nil:
			// c is an empty dummy: it becomes the parent, container (a
			// real item) becomes its child.
			detach(container)
			appendChild(c, container)
			winner = c
		case c.item != nil && container.item == nil:
			// container is the empty dummy and stays the parent; c
			// becomes its child.
			detach(c)
			appendChild(container, c)
			winner = container
		case c.re && !container.re:
			// container is the non-"Re:" side and stays the parent.
			detach(c)
			appendChild(container, c)
			winner = container
		case !c.re && container.re:
			// c is the non-"Re:" side and becomes the new parent.
			detach(container)
			appendChild(c, container)
			winner = c
		default:
			// Neither side dominates: synthesize a phantom parent for
			// both.
			phantom := f.arena.Alloc()
			phantom.rootSubject = c.rootSubject
			phantom.hasRootSubject = true
			phantom.re = c.re && container.re
			phantom.subjectPhantom = true
			phantom.order = container.order
			appendChild(f.root, phantom)
			detach(container)
			appendChild(phantom, container)
			detach(c)
			appendChild(phantom, c)
			winner = phantom
		}
		bySubject[c.rootSubject] = winner
	}
}

// salvageSubject strips leading "Re:" and "Fwd:" prefixes (any case,
// any repeat count; "Re" may carry a "[N]" or "N" counter, as in
// "Re[2]:" or "Re2:") and mailing-list "[listname]" markers, returning
// the normalized subject and whether a "Re:" or "Fwd:" was stripped.
// A dummy node has no subject of its own, so it borrows the first
// subject found among its children (camel's get_root_subject: "one of
// the children will always have a message"). An empty return means
// "do not use for grouping" (e.g. the subject was empty or pure
// whitespace).
func salvageSubject(n *Node) (subject string, isReply bool) {
	item := n.item
	if item == nil {
		for c := n.child; c != nil; c = c.next {
			if c.item != nil {
				item = c.item
				break
			}
		}
	}
	if item == nil {
		return "", false
	}
	s := strings.TrimSpace(item.Subject())
	for {
		trimmed := false
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
			isReply = true
			trimmed = true
		case len(lower) > 2 && lower[:2] == "re" && (lower[2] == '[' || (lower[2] >= '0' && lower[2] <= '9')):
			// "Re[2]:" or "Re2:" counter form.
			j := 3
			for j < len(lower) && lower[j] >= '0' && lower[j] <= '9' {
				j++
			}
			if lower[2] == '[' && j < len(lower) && lower[j] == ']' {
				j++
			}
			if j < len(lower) && lower[j] == ':' {
				s = strings.TrimSpace(s[j+1:])
				isReply = true
				trimmed = true
			}
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
			isReply = true
			trimmed = true
		case strings.HasPrefix(s, "[") :
			if end := strings.IndexByte(s, ']'); end > 0 && end < 32 {
				s = strings.TrimSpace(s[end+1:])
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	if s == "" {
		return "", isReply
	}
	return s, isReply
}

// Dump renders the forest as an indented text tree, mirroring
// camel_folder_thread_messages_dump's debug output: one line per
// node, "?" for a dummy, the item's UID otherwise.
func (f *Forest) Dump() string {
	var b strings.Builder
	for n := f.root.child; n != nil; n = n.next {
		dump(&b, n, 0)
	}
	return b.String()
}

func dump(b *strings.Builder, n *Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	if n.item == nil {
		b.WriteString("?\n")
	} else {
		b.WriteString(n.item.UID())
		b.WriteByte('\n')
	}
	for c := n.child; c != nil; c = c.next {
		dump(b, c, depth+1)
	}
}
