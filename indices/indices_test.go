package indices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE_I1(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B", "C"})
	_, err := tbl.Add("u1", 1)
	require.NoError(t, err)
	_, err = tbl.Add("u2", 1)
	require.NoError(t, err)
	_, err = tbl.Add("u3", 0)
	require.NoError(t, err)

	got := tbl.GetIndices()
	want := []Index{{"A", 0}, {"B", 1}, {"C", NoRow}}
	assert.Equal(t, want, got)

	_, counts := tbl.Snapshot()
	assert.Equal(t, []int{1, 2, 0}, counts)
}

func TestE_I2(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B", "C"})
	tbl.SetAscending(false)
	_, err := tbl.Add("u1", 0)
	require.NoError(t, err)
	_, err = tbl.Add("u2", 2)
	require.NoError(t, err)

	got := tbl.GetIndices()
	want := []Index{{"A", 1}, {"B", NoRow}, {"C", 0}}
	assert.Equal(t, want, got)
}

func TestAddSameBucketIsNoOp(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B"})
	changed, err := tbl.Add("u1", 0)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = tbl.Add("u1", 0)
	require.NoError(t, err)
	assert.False(t, changed, "re-adding to the same bucket is a no-op")
}

func TestMoveBetweenBuckets(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B"})
	_, _ = tbl.Add("u1", 0)
	changed, err := tbl.Add("u1", 1)
	require.NoError(t, err)
	assert.True(t, changed)
	_, counts := tbl.Snapshot()
	assert.Equal(t, []int{0, 1}, counts)
}

func TestSetAscendingRoundTrip(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B", "C"})
	_, _ = tbl.Add("u1", 0)
	_, _ = tbl.Add("u2", 2)
	before := tbl.GetIndices()

	tbl.SetAscending(!tbl.GetAscending())
	tbl.SetAscending(!tbl.GetAscending())

	assert.Equal(t, before, tbl.GetIndices())
}

func TestRemoveUnknownUIDIsNoOp(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A"})
	assert.False(t, tbl.Remove("ghost"))
}

func TestTakeIndicesResetsEvenIfIdentical(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A", "B"})
	_, _ = tbl.Add("u1", 0)
	changed := tbl.TakeIndices([]string{"A", "B"})
	assert.True(t, changed, "counts differ even though the label array is identical")
	_, counts := tbl.Snapshot()
	assert.Equal(t, []int{0, 0}, counts)
}

func TestAddOutOfRangeBucket(t *testing.T) {
	tbl := New()
	tbl.TakeIndices([]string{"A"})
	_, err := tbl.Add("u1", 5)
	assert.Error(t, err)
}
