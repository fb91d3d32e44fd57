package thread

import (
	"testing"

	"pgregory.net/rapid"
)

// C1/C2: for arbitrary item sets (including dangling and self/mutual
// references), every real item appears exactly once in the resulting
// forest and following parent from any node reaches a root in finite
// steps (no cycles).
func TestRapidNoLossNoCycles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(rt, "n")
		items := make([]testItem, n)
		for i := 0; i < n; i++ {
			mid := uint64(i + 1)
			if rapid.Bool().Draw(rt, "dupOrZeroId") {
				mid = 0
			}
			var refs []uint64
			nrefs := rapid.IntRange(0, 3).Draw(rt, "nrefs")
			for r := 0; r < nrefs; r++ {
				refs = append(refs, uint64(rapid.IntRange(0, n+2).Draw(rt, "ref")))
			}
			items[i] = testItem{uid: string(rune('a' + i)), mid: mid, refs: refs, sent: int64(i)}
		}

		f := New(asItems(items), Sort)

		seenUID := map[string]int{}
		var walk func(*Node, map[*Node]bool)
		walk = func(node *Node, onPath map[*Node]bool) {
			for cur := node; cur != nil; cur = cur.Next() {
				if cur.Item() != nil {
					seenUID[cur.Item().UID()]++
				}
				if onPath[cur] {
					rt.Fatalf("cycle detected at node")
				}
				onPath[cur] = true
				walk(cur.Child(), onPath)
				delete(onPath, cur)
			}
		}
		walk(f.GetTree(), map[*Node]bool{})

		for _, it := range items {
			if seenUID[it.uid] != 1 {
				rt.Fatalf("item %s appeared %d times, want 1", it.uid, seenUID[it.uid])
			}
		}

		// Every node's parent chain must terminate at a root (nil parent)
		// within n+2 steps.
		var checkParents func(*Node)
		checkParents = func(node *Node) {
			for cur := node; cur != nil; cur = cur.Next() {
				steps := 0
				for p := cur; p != nil; p = p.Parent() {
					steps++
					if steps > n+2 {
						rt.Fatalf("parent chain did not terminate")
					}
				}
				checkParents(cur.Child())
			}
		}
		checkParents(f.GetTree())
	})
}
