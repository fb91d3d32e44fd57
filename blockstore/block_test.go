package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks.db")
	c, err := Open(Config{Path: path, Version: [8]byte{'e', 'd', 's', '1'}, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// E-B1: on an empty file, new_block three times returns ids
// 1024, 2048, 3072; freeing and reopening the middle one returns it.
func TestE_B1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	c, err := Open(Config{Path: path, Version: [8]byte{'e', 'd', 's', '1'}, NoSync: true})
	require.NoError(t, err)

	b1, err := c.NewBlock()
	require.NoError(t, err)
	b2, err := c.NewBlock()
	require.NoError(t, err)
	b3, err := c.NewBlock()
	require.NoError(t, err)
	assert.Equal(t, BlockId(BlockSize), b1.Id)
	assert.Equal(t, BlockId(2*BlockSize), b2.Id)
	assert.Equal(t, BlockId(3*BlockSize), b3.Id)

	c.UnrefBlock(b1)
	c.UnrefBlock(b2)
	c.UnrefBlock(b3)

	require.NoError(t, c.FreeBlock(b2.Id))
	require.NoError(t, c.Sync())
	require.NoError(t, c.Close())

	c2, err := Open(Config{Path: path, Version: [8]byte{'e', 'd', 's', '1'}, NoSync: true})
	require.NoError(t, err)
	defer c2.Close()

	b4, err := c2.NewBlock()
	require.NoError(t, err)
	assert.Equal(t, b2.Id, b4.Id, "freed block is reused before extending the file")
}

// B1: reopening and walking the free list yields exactly the freed,
// non-reallocated blocks.
func TestFreeListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	c, err := Open(Config{Path: path, Version: [8]byte{'v'}, NoSync: true})
	require.NoError(t, err)

	ids := make([]BlockId, 4)
	for i := range ids {
		b, err := c.NewBlock()
		require.NoError(t, err)
		ids[i] = b.Id
		c.UnrefBlock(b)
	}
	require.NoError(t, c.FreeBlock(ids[1]))
	require.NoError(t, c.FreeBlock(ids[3]))
	require.NoError(t, c.Sync())
	require.NoError(t, c.Close())

	c2, err := Open(Config{Path: path, Version: [8]byte{'v'}, NoSync: true})
	require.NoError(t, err)
	defer c2.Close()

	seen := map[BlockId]bool{}
	for i := 0; i < 2; i++ {
		b, err := c2.NewBlock()
		require.NoError(t, err)
		seen[b.Id] = true
		c2.UnrefBlock(b)
	}
	assert.True(t, seen[ids[3]]) // most recently freed, popped first
	assert.True(t, seen[ids[1]])
}

func TestCacheEvictsBeyondLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	c, err := Open(Config{Path: path, Version: [8]byte{'v'}, CacheLimit: 2 * BlockSize, NoSync: true})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 10; i++ {
		b, err := c.NewBlock()
		require.NoError(t, err)
		require.NoError(t, c.SyncBlock(b))
		c.UnrefBlock(b)
	}
	stats := c.Stats()
	assert.LessOrEqual(t, stats.Attached, stats.Limit+1, "eviction keeps attached count near the limit")
}

func TestVersionMismatchRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	c, err := Open(Config{Path: path, Version: [8]byte{'a'}, NoSync: true})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(Config{Path: path, Version: [8]byte{'b'}, NoSync: true})
	assert.Error(t, err)
}

// B2: KeyTable.Lookup returns what Add stored, until SetData/SetFlags.
func TestB2_KeyTableRoundTrip(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)

	id, err := kt.Add("hello", BlockId(42*BlockSize), 7)
	require.NoError(t, err)

	key, data, flags, err := kt.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", key)
	assert.Equal(t, BlockId(42*BlockSize), data)
	assert.Equal(t, uint32(7), flags)

	require.NoError(t, kt.SetData(id, BlockId(99*BlockSize)))
	_, data2, flags2, err := kt.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, BlockId(99*BlockSize), data2)
	assert.Equal(t, uint32(7), flags2)

	require.NoError(t, kt.SetFlags(id, 0xFF, 3))
	_, _, flags3, err := kt.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), flags3)
}

func TestKeyTableRejectsOversizeKey(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)
	long := make([]byte, KeyTableMaxKey+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := kt.Add(string(long), 0, 0)
	assert.Error(t, err)
}

func TestKeyTableManyEntriesAcrossBlocks(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)
	ids := make([]KeyId, 0, 200)
	for i := 0; i < 200; i++ {
		id, err := kt.Add("key-padded-for-width-"+string(rune('a'+i%26)), BlockId(i*BlockSize), uint32(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i, id := range ids {
		_, data, flags, err := kt.Lookup(id)
		require.NoError(t, err)
		assert.Equal(t, BlockId(i*BlockSize), data)
		assert.Equal(t, uint32(i), flags)
	}
}

// B3 / E-B2: PartitionTable insert/lookup/remove round trip.
func TestE_B2(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)
	pt := NewPartitionTable(c, kt)

	akey, _ := kt.Add("alpha", 0, 0)
	bkey, _ := kt.Add("beta", 0, 0)

	require.NoError(t, pt.Add("alpha", akey))
	require.NoError(t, pt.Add("beta", bkey))
	require.NoError(t, pt.Sync())

	got, err := pt.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, akey, got)

	got, err = pt.Lookup("beta")
	require.NoError(t, err)
	assert.Equal(t, bkey, got)

	require.NoError(t, pt.Remove("alpha"))
	require.NoError(t, pt.Sync())

	got, err = pt.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, KeyId(0), got)

	got, err = pt.Lookup("beta")
	require.NoError(t, err)
	assert.Equal(t, bkey, got)
}

func TestPartitionAddDuplicateFails(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)
	pt := NewPartitionTable(c, kt)
	k, _ := kt.Add("dup", 0, 0)
	require.NoError(t, pt.Add("dup", k))
	err := pt.Add("dup", k)
	assert.Error(t, err)
}

func TestPartitionManyKeysSurviveSplit(t *testing.T) {
	c := openTestCache(t)
	kt := NewKeyTable(c)
	pt := NewPartitionTable(c, kt)

	n := 500
	ids := make([]KeyId, n)
	for i := 0; i < n; i++ {
		key := "item-" + string(rune('A'+i%26)) + string(rune('a'+(i/26)%26))
		id, err := kt.Add(key, BlockId(i), 0)
		require.NoError(t, err)
		ids[i] = id
		require.NoError(t, pt.Add(key, id))
	}
	require.NoError(t, pt.Sync())

	for i := 0; i < n; i++ {
		key := "item-" + string(rune('A'+i%26)) + string(rune('a'+(i/26)%26))
		got, err := pt.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, ids[i], got)
	}
}

// B4: KeyFile write/read round trip, reverse-order iteration.
func TestB4_KeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.log")
	kf, err := OpenKeyFile(path)
	require.NoError(t, err)
	defer kf.Close()

	var ptr BlockId
	batches := [][]KeyId{
		{1, 2, 3},
		{4, 5},
		{6},
	}
	var offsets []BlockId
	for _, batch := range batches {
		off, err := kf.Write(&ptr, batch)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	cur := ptr
	var got [][]KeyId
	for cur != 0 {
		keys, err := kf.Read(&cur)
		require.NoError(t, err)
		got = append(got, keys)
	}
	require.Len(t, got, 3)
	assert.Equal(t, batches[2], got[0])
	assert.Equal(t, batches[1], got[1])
	assert.Equal(t, batches[0], got[2])
}

func TestKeyFileCorruptTailDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.log")
	kf, err := OpenKeyFile(path)
	require.NoError(t, err)
	var ptr BlockId
	_, err = kf.Write(&ptr, []KeyId{1})
	require.NoError(t, err)
	require.NoError(t, kf.Close())

	// Corrupt the magic of the record ptr points at.
	raw, err := OpenKeyFile(path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.file.WriteAt([]byte{0, 0, 0, 0}, int64(ptr))
	require.NoError(t, err)

	cur := ptr
	_, err = raw.Read(&cur)
	assert.Error(t, err)
}

func TestKeyFileDeleteWhileOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.log")
	kf, err := OpenKeyFile(path)
	require.NoError(t, err)
	var ptr BlockId
	_, err = kf.Write(&ptr, []KeyId{9})
	require.NoError(t, err)

	require.NoError(t, kf.Delete())
	cur := ptr
	keys, err := kf.Read(&cur)
	require.NoError(t, err)
	assert.Equal(t, []KeyId{9}, keys)
	require.NoError(t, kf.Close())
}
