// Package blockstore implements the Block/Key-File store: a paged
// on-disk file of fixed-size blocks with an LRU cache of dirty
// in-RAM copies (this file), a hashed partition index (partition.go),
// a chained key/flags table (keytable.go) and an append-only
// reverse-linked key-file log (keyfile.go). Together they are the
// on-disk back-end for mail summaries and secondary indexes described
// in spec.md §4.B.
//
// Grounded on ethdb/bitmapdb's sharded-cursor idiom and
// ethdb/memory_database.go's handle-per-file style from the teacher
// repository, generalised from an Ethereum state database to a
// generic paged block file.
package blockstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/c2h5oh/datasize"
	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/evolution-ds/core/internal/edserr"
	"github.com/evolution-ds/core/internal/list"
	"github.com/evolution-ds/core/log"
	"github.com/evolution-ds/core/metrics"
)

// BlockSizeBits is BLOCK_SIZE_BITS from spec.md §3: every BlockId's
// low bits are zero, aligning blocks on BlockSize.
const BlockSizeBits = 10

// BlockSize is the fixed size of every block, 1024 bytes.
const BlockSize = 1 << BlockSizeBits

// rootHeaderSize is version(8) + flags(4) + block_size(4) + free(4) + last(4).
const rootHeaderSize = 8 + 4 + 4 + 4 + 4

// BlockId is a 32-bit file offset; its low BlockSizeBits are always
// zero. 0 is reserved to mean "no block" (used as a free-list
// terminator and as the root block's own identity).
type BlockId uint32

// KeyId is a 32-bit bitfield: the high bits are a BlockId, the low
// BlockSizeBits select a slot within that block. Slot 0 is reserved,
// so a valid KeyId is never zero.
type KeyId uint32

// Block returns the BlockId portion of a KeyId.
func (k KeyId) Block() BlockId { return BlockId(uint32(k) &^ (BlockSize - 1)) }

// Slot returns the slot-within-block portion of a KeyId.
func (k KeyId) Slot() uint32 { return uint32(k) & (BlockSize - 1) }

// MakeKeyId packs a block id and slot index into a KeyId.
func MakeKeyId(b BlockId, slot uint32) KeyId {
	return KeyId(uint32(b) | (slot & (BlockSize - 1)))
}

// Block flags.
const (
	flagDirty uint8 = 1 << iota
	flagDetached
)

// Block is the in-RAM cached form of one on-disk block.
type Block struct {
	Id    BlockId
	flags uint8
	refs  int32
	Data  [BlockSize]byte

	node *list.Node // linked into the cache's LRU chain iff attached
}

func (b *Block) Dirty() bool    { return b.flags&flagDirty != 0 }
func (b *Block) Detached() bool { return b.flags&flagDetached != 0 }

// rootBlock is the block-file root, stored at offset 0. Extra is the
// subclass area: PartitionTable and KeyTable each reserve a small
// fixed range of it for their own chain heads (see partition.go,
// keytable.go).
type rootBlock struct {
	Version   [8]byte
	Flags     uint32
	BlockSize uint32
	Free      BlockId
	Last      BlockId
	Extra     [BlockSize - rootHeaderSize]byte
}

func (r *rootBlock) encode() []byte {
	buf := make([]byte, BlockSize)
	copy(buf[0:8], r.Version[:])
	binary.LittleEndian.PutUint32(buf[8:12], r.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], r.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Free))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.Last))
	copy(buf[24:], r.Extra[:])
	return buf
}

func (r *rootBlock) decode(buf []byte) {
	copy(r.Version[:], buf[0:8])
	r.Flags = binary.LittleEndian.Uint32(buf[8:12])
	r.BlockSize = binary.LittleEndian.Uint32(buf[12:16])
	r.Free = BlockId(binary.LittleEndian.Uint32(buf[16:20]))
	r.Last = BlockId(binary.LittleEndian.Uint32(buf[20:24]))
	copy(r.Extra[:], buf[24:])
}

// Config configures a Cache.
type Config struct {
	// Path to the block file on disk; created if it does not exist.
	Path string
	// Version is the caller-defined 8-byte identity stamped into the
	// root block and checked on Open.
	Version [8]byte
	// CacheLimit bounds how many attached blocks the LRU holds before
	// eviction kicks in, expressed as a byte budget (bitmapdb.ShardLimit
	// idiom): effective block count is CacheLimit / BlockSize, minimum 1.
	CacheLimit datasize.ByteSize
	// NoSync skips fsync after a write-back; tests use this.
	NoSync bool
}

// Cache is a CamelBlockFile: the open handle on one block file, its
// LRU cache of attached blocks, and the free list recorded in the
// root block.
type Cache struct {
	mu   sync.Mutex
	log  log.Logger
	file *os.File
	flk  *flock.Flock
	cfg  Config

	root    rootBlock
	rootDty bool

	mapping mmap.MMap
	mapSize int64

	attached map[BlockId]*Block
	lru      *list.List
	dirty    *roaring.Bitmap // ids (shifted right by BlockSizeBits) of dirty attached blocks
}

// Open opens or creates the block file at cfg.Path. On create, the
// root block is zero-initialised with cfg.Version; on open, the
// on-disk version and block size are validated and a mismatch fails
// with edserr.Invalid.
func Open(cfg Config) (*Cache, error) {
	if cfg.CacheLimit == 0 {
		cfg.CacheLimit = 256 * datasize.KB
	}
	flk := flock.New(cfg.Path + ".lock")
	ok, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", cfg.Path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s is already open by another handle: %w", cfg.Path, edserr.Invalid)
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		_ = flk.Unlock()
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, edserr.IO)
	}
	c := &Cache{
		log:      log.New("component", "blockstore", "path", cfg.Path),
		file:     f,
		flk:      flk,
		cfg:      cfg,
		attached: make(map[BlockId]*Block),
		lru:      list.New(),
		dirty:    roaring.New(),
	}

	info, err := f.Stat()
	if err != nil {
		_ = c.closeUnlocked()
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, edserr.IO)
	}
	if info.Size() == 0 {
		c.root = rootBlock{Version: cfg.Version, BlockSize: BlockSize, Free: 0, Last: BlockSize}
		if err := f.Truncate(BlockSize); err != nil {
			_ = c.closeUnlocked()
			return nil, fmt.Errorf("truncate %s: %w", cfg.Path, edserr.IO)
		}
		if err := c.remap(); err != nil {
			_ = c.closeUnlocked()
			return nil, err
		}
		if _, err := f.WriteAt(c.root.encode(), 0); err != nil {
			_ = c.closeUnlocked()
			return nil, fmt.Errorf("init root %s: %w", cfg.Path, edserr.IO)
		}
	} else {
		if err := c.remap(); err != nil {
			_ = c.closeUnlocked()
			return nil, err
		}
		c.root.decode(c.mapping[0:BlockSize])
		if c.root.Version != cfg.Version {
			_ = c.closeUnlocked()
			return nil, fmt.Errorf("version mismatch in %s: %w", cfg.Path, edserr.Invalid)
		}
		if c.root.BlockSize != BlockSize {
			_ = c.closeUnlocked()
			return nil, fmt.Errorf("block size mismatch in %s: %w", cfg.Path, edserr.Invalid)
		}
	}
	return c, nil
}

func (c *Cache) remap() error {
	info, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", edserr.IO)
	}
	if c.mapping != nil {
		if err := c.mapping.Unmap(); err != nil {
			return fmt.Errorf("unmap: %w", edserr.IO)
		}
	}
	m, err := mmap.Map(c.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap: %w", edserr.IO)
	}
	c.mapping = m
	c.mapSize = info.Size()
	return nil
}

// Close unmaps the file and releases the file handle and its advisory
// lock. It does not write dirty blocks or root changes; only Sync does.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeUnlocked()
}

func (c *Cache) closeUnlocked() error {
	var firstErr error
	if c.mapping != nil {
		if err := c.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.mapping = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.flk != nil {
		if err := c.flk.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func blockLimit(cfg Config) int {
	n := int(cfg.CacheLimit / BlockSize)
	if n < 1 {
		n = 1
	}
	return n
}

// NewBlock allocates a writable block, preferring the free list over
// extending the file. The returned block is attached, has refcount 1
// and is marked dirty.
func (c *Cache) NewBlock() (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id BlockId
	if c.root.Free != 0 {
		id = c.root.Free
		next, err := c.readRaw(id, 4)
		if err != nil {
			return nil, err
		}
		c.root.Free = BlockId(binary.LittleEndian.Uint32(next))
	} else {
		id = c.root.Last
		c.root.Last += BlockSize
		if err := c.file.Truncate(int64(c.root.Last)); err != nil {
			return nil, fmt.Errorf("extend: %w", edserr.IO)
		}
		if err := c.remap(); err != nil {
			return nil, err
		}
	}
	c.rootDty = true

	b := &Block{Id: id, flags: flagDirty, refs: 1}
	c.attachLocked(b)
	c.markDirtyLocked(b)
	return b, nil
}

// FreeBlock prepends id to the free list; its contents become
// unspecified. id must not currently have any outstanding references.
func (c *Cache) FreeBlock(id BlockId) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.attached[id]; ok {
		if b.refs > 0 {
			return fmt.Errorf("freeing referenced block %d: %w", id, edserr.Invalid)
		}
		c.detachLocked(b)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(c.root.Free))
	if _, err := c.file.WriteAt(buf, int64(id)); err != nil {
		return fmt.Errorf("free %d: %w", id, edserr.IO)
	}
	c.root.Free = id
	c.rootDty = true
	return nil
}

// GetBlock returns the block identified by id, reading it from disk
// on a cache miss. Each call increments its refcount; the caller must
// release it with UnrefBlock.
func (c *Cache) GetBlock(id BlockId) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.attached[id]; ok {
		b.refs++
		if b.node != nil {
			c.lru.MoveToBack(b.node)
		}
		if metrics.Enabled {
			metrics.CacheHits.Inc()
		}
		return b, nil
	}

	raw, err := c.readRaw(id, BlockSize)
	if err != nil {
		return nil, err
	}
	b := &Block{Id: id, refs: 1}
	copy(b.Data[:], raw)
	c.attachLocked(b)
	c.evictLocked()
	if metrics.Enabled {
		metrics.CacheMisses.Inc()
		metrics.AttachedBlocks.Set(float64(len(c.attached)))
	}
	return b, nil
}

func (c *Cache) readRaw(id BlockId, n int) ([]byte, error) {
	off := int64(id)
	if off+int64(n) > c.mapSize {
		buf := make([]byte, n)
		if _, err := c.file.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("read block %d: %w", id, edserr.IO)
		}
		return buf, nil
	}
	return c.mapping[off : off+int64(n)], nil
}

// UnrefBlock decrements b's refcount; at zero, an attached block
// becomes an LRU-eviction candidate and an eviction pass runs, so a
// clean block may be dropped at once if the cache is over its limit.
func (c *Cache) UnrefBlock(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
	if b.refs == 0 && !b.Detached() {
		c.evictLocked()
	}
}

// TouchBlock moves b to the MRU end of the LRU and marks it dirty.
func (c *Cache) TouchBlock(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.node != nil {
		c.lru.MoveToBack(b.node)
	}
	c.markDirtyLocked(b)
}

// DetachBlock removes b from the LRU and the generic sync set; it
// will not be written by Sync until re-attached.
func (c *Cache) DetachBlock(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLRUOnly(b)
	b.flags |= flagDetached
	c.dirty.Remove(uint32(b.Id) >> BlockSizeBits)
}

// AttachBlock is the inverse of DetachBlock.
func (c *Cache) AttachBlock(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.flags &^= flagDetached
	if _, ok := c.attached[b.Id]; !ok {
		c.attached[b.Id] = b
	}
	b.node = c.lru.PushBack(b)
	if b.Dirty() {
		c.dirty.Add(uint32(b.Id) >> BlockSizeBits)
	}
}

// SyncBlock writes b's 1024 bytes at its id and clears DIRTY.
func (c *Cache) SyncBlock(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncBlockLocked(b)
}

func (c *Cache) syncBlockLocked(b *Block) error {
	if _, err := c.file.WriteAt(b.Data[:], int64(b.Id)); err != nil {
		return fmt.Errorf("sync block %d: %w", b.Id, edserr.IO)
	}
	b.flags &^= flagDirty
	c.dirty.Remove(uint32(b.Id) >> BlockSizeBits)
	return nil
}

// Sync writes every dirty attached block plus the root block. It is
// best-effort: one WriteAt per block, then an optional fsync.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if metrics.Enabled {
		start := time.Now()
		defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()
	}

	it := c.dirty.Iterator()
	for it.HasNext() {
		id := BlockId(it.Next() << BlockSizeBits)
		b, ok := c.attached[id]
		if !ok || b.Detached() {
			continue
		}
		if err := c.syncBlockLocked(b); err != nil {
			return err
		}
	}
	if c.rootDty {
		if _, err := c.file.WriteAt(c.root.encode(), 0); err != nil {
			return fmt.Errorf("sync root: %w", edserr.IO)
		}
		c.rootDty = false
	}
	if !c.cfg.NoSync {
		if err := c.file.Sync(); err != nil {
			return fmt.Errorf("fsync: %w", edserr.IO)
		}
	}
	return nil
}

func (c *Cache) attachLocked(b *Block) {
	c.attached[b.Id] = b
	b.node = c.lru.PushBack(b)
}

func (c *Cache) detachLRUOnly(b *Block) {
	if b.node != nil {
		c.lru.Remove(b.node)
		b.node = nil
	}
}

func (c *Cache) detachLocked(b *Block) {
	c.detachLRUOnly(b)
	delete(c.attached, b.Id)
	c.dirty.Remove(uint32(b.Id) >> BlockSizeBits)
}

func (c *Cache) markDirtyLocked(b *Block) {
	b.flags |= flagDirty
	if !b.Detached() {
		c.dirty.Add(uint32(b.Id) >> BlockSizeBits)
	}
}

// evictLocked walks the LRU from oldest, skipping refcounted or dirty
// blocks, evicting the first suitable candidate, stopping once the
// cache is within its limit or no candidate remains.
func (c *Cache) evictLocked() {
	limit := blockLimit(c.cfg)
	if len(c.attached) <= limit {
		return
	}
	// Each successful eviction removes exactly one attached block, so
	// len(c.attached) itself bounds the number of iterations.
	for len(c.attached) > limit {
		var cand *Block
		c.lru.Walk(func(owner interface{}) bool {
			blk := owner.(*Block)
			if blk.refs == 0 && !blk.Dirty() {
				cand = blk
				return false
			}
			return true
		})
		if cand == nil {
			return
		}
		c.detachLocked(cand)
	}
}

// GetExtra reads n bytes at offset from the root block's subclass
// area (see rootBlock.Extra).
func (c *Cache) GetExtra(offset, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, n)
	copy(out, c.root.Extra[offset:offset+n])
	return out
}

// SetExtra writes data into the root block's subclass area at offset
// and marks the root dirty.
func (c *Cache) SetExtra(offset int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.root.Extra[offset:], data)
	c.rootDty = true
}

// Stats is a debug snapshot of cache occupancy.
type Stats struct {
	Attached int
	Dirty    int
	Limit    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Attached: len(c.attached), Dirty: int(c.dirty.GetCardinality()), Limit: blockLimit(c.cfg)}
}
