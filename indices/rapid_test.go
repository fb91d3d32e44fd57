package indices

import (
	"testing"

	"pgregory.net/rapid"
)

// I1: for every sequence of add/remove, the sum of counts always
// equals the number of currently-tracked uids.
func TestRapidCountsMatchAssignments(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nBuckets := rapid.IntRange(1, 6).Draw(rt, "nBuckets")
		labels := make([]string, nBuckets)
		for i := range labels {
			labels[i] = string(rune('A' + i))
		}
		tbl := New()
		tbl.TakeIndices(labels)

		live := map[string]int{}
		steps := rapid.IntRange(0, 40).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			uid := rapid.StringMatching(`u[0-9]`).Draw(rt, "uid")
			if rapid.Bool().Draw(rt, "doRemove") {
				tbl.Remove(uid)
				delete(live, uid)
			} else {
				b := rapid.IntRange(0, nBuckets-1).Draw(rt, "bucket")
				if _, err := tbl.Add(uid, b); err == nil {
					live[uid] = b
				}
			}

			_, counts := tbl.Snapshot()
			sum := 0
			for _, c := range counts {
				sum += c
			}
			if sum != len(live) {
				rt.Fatalf("counts sum %d != live assignments %d", sum, len(live))
			}
		}
	})
}

// I2: whenever a bucket is nonempty, its Pos equals the sum of counts
// in buckets displayed before it; otherwise it is NoRow.
func TestRapidIndexInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nBuckets := rapid.IntRange(1, 5).Draw(rt, "nBuckets")
		labels := make([]string, nBuckets)
		for i := range labels {
			labels[i] = string(rune('A' + i))
		}
		tbl := New()
		tbl.TakeIndices(labels)
		if rapid.Bool().Draw(rt, "descending") {
			tbl.SetAscending(false)
		}

		steps := rapid.IntRange(0, 30).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			uid := rapid.StringMatching(`u[0-9]`).Draw(rt, "uid")
			b := rapid.IntRange(0, nBuckets-1).Draw(rt, "bucket")
			_, _ = tbl.Add(uid, b)
		}

		idx, counts := tbl.Snapshot()
		for b := range idx {
			if counts[b] == 0 {
				if idx[b].Pos != NoRow {
					rt.Fatalf("bucket %d empty but Pos=%d", b, idx[b].Pos)
				}
				continue
			}
			var want uint64
			for i := range counts {
				if tbl.displaysBefore(i, b) {
					want += uint64(counts[i])
				}
			}
			if idx[b].Pos != want {
				rt.Fatalf("bucket %d Pos=%d want=%d", b, idx[b].Pos, want)
			}
		}
	})
}
