package blockstore

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/petar/GoLLRB/llrb"

	"github.com/evolution-ds/core/internal/edserr"
)

// partitionRootOffset is where PartitionTable stores its chain head
// (a BlockId) inside the shared Cache root block's subclass area.
const partitionRootOffset = 0

const (
	partMapEntrySize = 8 // hash:uint32, blockid:uint32
	partMapHeader    = 8 // next:BlockId, used:uint32
	partKeyEntrySize = 8 // hash:uint32, keyid:uint32
	partKeyHeader    = 4 // used:uint32
)

var partMapCap = (BlockSize - partMapHeader) / partMapEntrySize
var partKeyCap = (BlockSize - partKeyHeader) / partKeyEntrySize

// StringLoader resolves a KeyId back to the original string key, so
// the partition table can disambiguate two different keys that
// happen to hash to the same value. In this module it is always a
// *KeyTable, kept as an interface to avoid an import cycle and to
// make the dependency explicit at call sites.
type StringLoader interface {
	KeyOf(id KeyId) (string, error)
}

// PartitionTable is a two-level hashed index over a Cache: a linked
// list of partition-map blocks (hash ranges -> partition-key blocks)
// and, at the leaves, partition-key blocks mapping hash -> KeyId.
type PartitionTable struct {
	cache  *Cache
	keys   StringLoader
	hotMap map[uint32]pendingEntry // hot overlay of not-yet-flushed inserts/removes, keyed by hash
	hot    *llrb.LLRB              // same entries ordered by hash, mirroring headerdownload.Tip's ordering idiom
}

type pendingEntry struct {
	hash    uint32
	key     string
	keyid   KeyId // 0 means "pending removal"
	removed bool
}

func (p *pendingEntry) Less(other llrb.Item) bool {
	o := other.(*pendingEntry)
	if p.hash != o.hash {
		return p.hash < o.hash
	}
	return p.key < o.key
}

// NewPartitionTable opens (or lazily creates) a partition index backed
// by cache, resolving hash collisions via keys.
func NewPartitionTable(cache *Cache, keys StringLoader) *PartitionTable {
	return &PartitionTable{
		cache:  cache,
		keys:   keys,
		hotMap: make(map[uint32]pendingEntry),
		hot:    llrb.New(),
	}
}

func hashKey(key string) uint32 {
	// FNV-1a, stable within a file as spec.md §4.B.2 requires.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

func (p *PartitionTable) rootId() BlockId {
	return BlockId(binary.LittleEndian.Uint32(p.cache.GetExtra(partitionRootOffset, 4)))
}

func (p *PartitionTable) setRootId(id BlockId) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	p.cache.SetExtra(partitionRootOffset, buf)
}

// Add inserts key -> keyid. Re-adding an existing key fails with
// edserr.Exists.
func (p *PartitionTable) Add(key string, keyid KeyId) error {
	h := hashKey(key)
	if existing, err := p.Lookup(key); err == nil && existing != 0 {
		return fmt.Errorf("key %q already indexed: %w", key, edserr.Exists)
	}
	e := pendingEntry{hash: h, key: key, keyid: keyid}
	p.hotMap[h] = e
	p.hot.ReplaceOrInsert(&e)
	return nil
}

// Lookup returns the KeyId for key, or 0 if not present.
func (p *PartitionTable) Lookup(key string) (KeyId, error) {
	h := hashKey(key)
	if e, ok := p.hotMap[h]; ok {
		if e.key == key {
			if e.removed {
				return 0, nil
			}
			return e.keyid, nil
		}
	}
	return p.lookupOnDisk(key, h)
}

// Remove deletes key from the index. Removing an absent key is a
// no-op (lookup afterwards still returns 0, matching E-B2).
func (p *PartitionTable) Remove(key string) error {
	h := hashKey(key)
	id, err := p.Lookup(key)
	if err != nil {
		return err
	}
	if id == 0 {
		return nil
	}
	p.hotMap[h] = pendingEntry{hash: h, key: key, removed: true}
	p.hot.ReplaceOrInsert(&pendingEntry{hash: h, key: key, removed: true})
	return nil
}

// Sync flushes the hot overlay into the on-disk map/key block chain.
func (p *PartitionTable) Sync() error {
	var flushErr error
	p.hot.InOrder(func(it llrb.Item) bool {
		e := it.(*pendingEntry)
		if e.removed {
			flushErr = p.removeOnDisk(e.key, e.hash)
		} else {
			flushErr = p.insertOnDisk(e.key, e.hash, e.keyid)
		}
		return flushErr == nil
	})
	if flushErr != nil {
		return flushErr
	}
	p.hot = llrb.New()
	p.hotMap = make(map[uint32]pendingEntry)
	return p.cache.Sync()
}

// --- on-disk map/key block chain ---

type mapEntry struct {
	hash    uint32
	blockid BlockId
}

func readMapBlock(b *Block) (next BlockId, used uint32, entries []mapEntry) {
	next = BlockId(binary.LittleEndian.Uint32(b.Data[0:4]))
	used = binary.LittleEndian.Uint32(b.Data[4:8])
	entries = make([]mapEntry, used)
	for i := uint32(0); i < used; i++ {
		off := partMapHeader + int(i)*partMapEntrySize
		entries[i] = mapEntry{
			hash:    binary.LittleEndian.Uint32(b.Data[off : off+4]),
			blockid: BlockId(binary.LittleEndian.Uint32(b.Data[off+4 : off+8])),
		}
	}
	return
}

func writeMapBlock(b *Block, next BlockId, entries []mapEntry) {
	binary.LittleEndian.PutUint32(b.Data[0:4], uint32(next))
	binary.LittleEndian.PutUint32(b.Data[4:8], uint32(len(entries)))
	for i, e := range entries {
		off := partMapHeader + i*partMapEntrySize
		binary.LittleEndian.PutUint32(b.Data[off:off+4], e.hash)
		binary.LittleEndian.PutUint32(b.Data[off+4:off+8], uint32(e.blockid))
	}
}

type keyEntry struct {
	hash  uint32
	keyid KeyId
}

func readKeyBlock(b *Block) (used uint32, entries []keyEntry) {
	used = binary.LittleEndian.Uint32(b.Data[0:4])
	entries = make([]keyEntry, used)
	for i := uint32(0); i < used; i++ {
		off := partKeyHeader + int(i)*partKeyEntrySize
		entries[i] = keyEntry{
			hash:  binary.LittleEndian.Uint32(b.Data[off : off+4]),
			keyid: KeyId(binary.LittleEndian.Uint32(b.Data[off+4 : off+8])),
		}
	}
	return
}

func writeKeyBlock(b *Block, entries []keyEntry) {
	binary.LittleEndian.PutUint32(b.Data[0:4], uint32(len(entries)))
	for i, e := range entries {
		off := partKeyHeader + i*partKeyEntrySize
		binary.LittleEndian.PutUint32(b.Data[off:off+4], e.hash)
		binary.LittleEndian.PutUint32(b.Data[off+4:off+8], uint32(e.keyid))
	}
}

// findLeaf walks the map chain from root and returns the key block
// whose range covers hash, plus the map block/slot it was found at
// (for splitting/updating). visited guards against a corrupted cyclic
// chain (spec.md §9 "Cycles").
func (p *PartitionTable) findLeaf(hash uint32) (mapBlockId BlockId, mapIdx int, leafId BlockId, err error) {
	cur := p.rootId()
	visited := map[BlockId]bool{}
	for cur != 0 {
		if visited[cur] {
			return 0, 0, 0, fmt.Errorf("cyclic partition map chain at %d: %w", cur, edserr.Corrupt)
		}
		visited[cur] = true
		b, err := p.cache.GetBlock(cur)
		if err != nil {
			return 0, 0, 0, err
		}
		next, _, entries := readMapBlock(b)
		p.cache.UnrefBlock(b)
		for i, e := range entries {
			if i > 0 && entries[i-1].hash >= e.hash {
				return 0, 0, 0, fmt.Errorf("map hash not monotonic in block %d: %w", cur, edserr.Corrupt)
			}
		}
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= hash })
		if idx < len(entries) {
			return cur, idx, entries[idx].blockid, nil
		}
		if next == 0 {
			// No covering range yet: this is the last map block, and its
			// last entry (if any) should own the highest range.
			if len(entries) > 0 {
				return cur, len(entries) - 1, entries[len(entries)-1].blockid, nil
			}
			return cur, 0, 0, nil
		}
		cur = next
	}
	return 0, 0, 0, nil
}

func (p *PartitionTable) lookupOnDisk(key string, hash uint32) (KeyId, error) {
	_, _, leafId, err := p.findLeaf(hash)
	if err != nil || leafId == 0 {
		return 0, err
	}
	b, err := p.cache.GetBlock(leafId)
	if err != nil {
		return 0, err
	}
	defer p.cache.UnrefBlock(b)
	_, entries := readKeyBlock(b)
	for _, e := range entries {
		if e.hash != hash {
			continue
		}
		if p.keys == nil {
			return e.keyid, nil
		}
		k, err := p.keys.KeyOf(e.keyid)
		if err != nil {
			return 0, err
		}
		if k == key {
			return e.keyid, nil
		}
	}
	return 0, nil
}

func (p *PartitionTable) removeOnDisk(key string, hash uint32) error {
	mapId, mapIdx, leafId, err := p.findLeaf(hash)
	if err != nil || leafId == 0 {
		return err
	}
	b, err := p.cache.GetBlock(leafId)
	if err != nil {
		return err
	}
	_, entries := readKeyBlock(b)
	out := entries[:0]
	for _, e := range entries {
		if e.hash == hash {
			if p.keys != nil {
				if k, kerr := p.keys.KeyOf(e.keyid); kerr == nil && k != key {
					out = append(out, e)
				}
				continue
			}
			continue
		}
		out = append(out, e)
	}
	writeKeyBlock(b, out)
	p.cache.TouchBlock(b)
	p.cache.UnrefBlock(b)

	if len(out) == 0 && mapId != 0 {
		return p.unlinkLeaf(mapId, mapIdx, leafId)
	}
	return nil
}

func (p *PartitionTable) unlinkLeaf(mapId BlockId, mapIdx int, leafId BlockId) error {
	mb, err := p.cache.GetBlock(mapId)
	if err != nil {
		return err
	}
	next, _, entries := readMapBlock(mb)
	if mapIdx < len(entries) {
		entries = append(entries[:mapIdx], entries[mapIdx+1:]...)
	}
	writeMapBlock(mb, next, entries)
	p.cache.TouchBlock(mb)
	p.cache.UnrefBlock(mb)
	return p.cache.FreeBlock(leafId)
}

func (p *PartitionTable) insertOnDisk(key string, hash uint32, keyid KeyId) error {
	mapId, mapIdx, leafId, err := p.findLeaf(hash)
	if err != nil {
		return err
	}
	if leafId == 0 {
		return p.createFirstLeaf(hash, keyid)
	}
	b, err := p.cache.GetBlock(leafId)
	if err != nil {
		return err
	}
	_, entries := readKeyBlock(b)
	entries = append(entries, keyEntry{hash: hash, keyid: keyid})
	if len(entries) <= partKeyCap {
		writeKeyBlock(b, entries)
		p.cache.TouchBlock(b)
		p.cache.UnrefBlock(b)
		return nil
	}
	p.cache.UnrefBlock(b)
	return p.splitLeaf(mapId, mapIdx, leafId, entries)
}

func (p *PartitionTable) createFirstLeaf(hash uint32, keyid KeyId) error {
	leaf, err := p.cache.NewBlock()
	if err != nil {
		return err
	}
	writeKeyBlock(leaf, []keyEntry{{hash: hash, keyid: keyid}})
	p.cache.TouchBlock(leaf)
	leafId := leaf.Id
	p.cache.UnrefBlock(leaf)

	mb, err := p.cache.NewBlock()
	if err != nil {
		return err
	}
	writeMapBlock(mb, 0, []mapEntry{{hash: hash, blockid: leafId}})
	p.cache.TouchBlock(mb)
	mapId := mb.Id
	p.cache.UnrefBlock(mb)
	p.setRootId(mapId)
	return nil
}

// splitLeaf overflows a full key block into two, inserting a new map
// entry at the median hash (spec.md §4.B.2).
func (p *PartitionTable) splitLeaf(mapId BlockId, mapIdx int, leafId BlockId, entries []keyEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	mid := len(entries) / 2
	lower, upper := entries[:mid], entries[mid:]

	leaf, err := p.cache.GetBlock(leafId)
	if err != nil {
		return err
	}
	writeKeyBlock(leaf, lower)
	p.cache.TouchBlock(leaf)
	p.cache.UnrefBlock(leaf)

	sibling, err := p.cache.NewBlock()
	if err != nil {
		return err
	}
	writeKeyBlock(sibling, upper)
	p.cache.TouchBlock(sibling)
	siblingId := sibling.Id
	p.cache.UnrefBlock(sibling)

	medianHash := lower[len(lower)-1].hash
	return p.insertMapEntry(mapId, mapIdx, mapEntry{hash: medianHash, blockid: leafId}, mapEntry{hash: upper[len(upper)-1].hash, blockid: siblingId})
}

func (p *PartitionTable) insertMapEntry(mapId BlockId, mapIdx int, lo, hi mapEntry) error {
	mb, err := p.cache.GetBlock(mapId)
	if err != nil {
		return err
	}
	next, _, entries := readMapBlock(mb)
	newEntries := make([]mapEntry, 0, len(entries)+1)
	inserted := false
	for i, e := range entries {
		if i == mapIdx {
			newEntries = append(newEntries, lo, hi)
			inserted = true
			continue
		}
		newEntries = append(newEntries, e)
	}
	if !inserted {
		newEntries = append(newEntries, lo, hi)
	}
	if len(newEntries) <= partMapCap {
		writeMapBlock(mb, next, newEntries)
		p.cache.TouchBlock(mb)
		p.cache.UnrefBlock(mb)
		return nil
	}
	p.cache.UnrefBlock(mb)
	return p.chainNewMapBlock(mapId, newEntries)
}

// chainNewMapBlock overflows a full map block by splitting it across
// two blocks linked via next, matching spec.md's "a map overflow
// chains a new map block and advances map.next".
func (p *PartitionTable) chainNewMapBlock(mapId BlockId, entries []mapEntry) error {
	mid := len(entries) / 2
	mb, err := p.cache.GetBlock(mapId)
	if err != nil {
		return err
	}
	next, err := p.cache.NewBlock()
	if err != nil {
		return err
	}
	writeMapBlock(next, 0, entries[mid:])
	p.cache.TouchBlock(next)
	nextId := next.Id
	p.cache.UnrefBlock(next)

	writeMapBlock(mb, nextId, entries[:mid])
	p.cache.TouchBlock(mb)
	p.cache.UnrefBlock(mb)
	return nil
}
