package blockstore

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evolution-ds/core/internal/edserr"
)

// KeyTableMaxKey is KEY_TABLE_MAX_KEY from spec.md §4.B.3.
const KeyTableMaxKey = 128

// keyTable root fields live in the shared Cache root block's subclass
// area, just past the partition table's 4 bytes (see partition.go).
const (
	ktFirstOffset = 4
	ktLastOffset  = 8
	ktFreeOffset  = 12
)

// keyKeySize is the size of one packed record: two little-endian
// words, the first holding data_block (high 22 bits) and the key's
// string length (low 10 bits), the second holding flags (22 bits);
// see decodeRecord.
const keyKeySize = 8
const keyBlockHeader = 8 // next:BlockId, used:uint32

type decoded struct {
	key   string
	data  BlockId
	flags uint32
}

// KeyTable is a CamelKeyTable: a chained run of blocks holding
// (string, data-block, flags) records, the strings packed bottom-up
// from the end of the block while records pack top-down, as
// spec.md §4.B.3 describes.
type KeyTable struct {
	cache *Cache
	cachd *lru.Cache[KeyId, decoded] // decode cache, orthogonal to the block LRU
}

// NewKeyTable opens a key table backed by cache.
func NewKeyTable(cache *Cache) *KeyTable {
	c, _ := lru.New[KeyId, decoded](4096)
	return &KeyTable{cache: cache, cachd: c}
}

// KeyOf implements StringLoader for PartitionTable's hash-collision
// disambiguation.
func (t *KeyTable) KeyOf(id KeyId) (string, error) {
	key, _, _, err := t.Lookup(id)
	return key, err
}

func (t *KeyTable) firstBlock() BlockId {
	return BlockId(binary.LittleEndian.Uint32(t.cache.GetExtra(ktFirstOffset, 4)))
}

func (t *KeyTable) lastBlock() BlockId {
	return BlockId(binary.LittleEndian.Uint32(t.cache.GetExtra(ktLastOffset, 4)))
}

func (t *KeyTable) setFirstBlock(id BlockId) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	t.cache.SetExtra(ktFirstOffset, buf)
}

func (t *KeyTable) setLastBlock(id BlockId) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	t.cache.SetExtra(ktLastOffset, buf)
}

// blockLayout reads next, used (record count), and the byte offset
// where the string area currently starts (growing down from the end).
func blockLayout(b *Block) (next BlockId, used uint32, stringStart int) {
	next = BlockId(binary.LittleEndian.Uint32(b.Data[0:4]))
	used = binary.LittleEndian.Uint32(b.Data[4:8])
	stringStart = BlockSize
	for i := uint32(0); i < used; i++ {
		off := keyBlockHeader + int(i)*keyKeySize
		_, strLen := decodeRecord(b.Data[off : off+keyKeySize])
		stringStart -= strLen
	}
	return
}

type recordHeader struct {
	data  BlockId
	flags uint32
}

// decodeRecord unpacks one 8-byte KeyKey record: the first word packs
// the data-block pointer (its low bits are always zero, since blocks
// are 1024-aligned) with the string length in those freed low 10
// bits; the second word is the flags, masked to 22 bits per spec.md
// §6's "data_block:22, flags:22" layout.
func decodeRecord(rec []byte) (hdr recordHeader, strLen int) {
	v1 := binary.LittleEndian.Uint32(rec[0:4])
	v2 := binary.LittleEndian.Uint32(rec[4:8])
	hdr.data = BlockId(v1 &^ 0x3FF)
	hdr.flags = v2 & 0x3FFFFF
	strLen = int(v1 & 0x3FF)
	return
}

func encodeRecord(data BlockId, flags uint32, strLen int) [keyKeySize]byte {
	var rec [keyKeySize]byte
	v1 := (uint32(data) &^ 0x3FF) | uint32(strLen&0x3FF)
	v2 := flags & 0x3FFFFF
	binary.LittleEndian.PutUint32(rec[0:4], v1)
	binary.LittleEndian.PutUint32(rec[4:8], v2)
	return rec
}

// Add appends (key, dataBlock, flags) to the chain, allocating a new
// block when the current tail's string/record regions would collide.
func (t *KeyTable) Add(key string, dataBlock BlockId, flags uint32) (KeyId, error) {
	if len(key) == 0 || len(key) > KeyTableMaxKey {
		return 0, fmt.Errorf("key length %d out of range: %w", len(key), edserr.Invalid)
	}
	last := t.lastBlock()
	if last == 0 {
		nb, err := t.cache.NewBlock()
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(nb.Data[0:4], 0)
		binary.LittleEndian.PutUint32(nb.Data[4:8], 0)
		t.cache.TouchBlock(nb)
		last = nb.Id
		t.cache.UnrefBlock(nb)
		t.setFirstBlock(last)
		t.setLastBlock(last)
	}

	b, err := t.cache.GetBlock(last)
	if err != nil {
		return 0, err
	}
	defer t.cache.UnrefBlock(b)

	_, used, stringStart := blockLayout(b)
	recordEnd := keyBlockHeader + int(used+1)*keyKeySize
	newStringStart := stringStart - len(key)
	if recordEnd > newStringStart {
		nb, err := t.cache.NewBlock()
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(nb.Data[0:4], 0)
		binary.LittleEndian.PutUint32(nb.Data[4:8], 0)
		t.cache.TouchBlock(nb)
		nbId := nb.Id
		t.cache.UnrefBlock(nb)

		binary.LittleEndian.PutUint32(b.Data[0:4], uint32(nbId))
		t.cache.TouchBlock(b)

		t.setLastBlock(nbId)
		return t.Add(key, dataBlock, flags)
	}

	slot := used + 1 // slot 0 reserved
	rec := encodeRecord(dataBlock, flags, len(key))
	copy(b.Data[keyBlockHeader+int(used)*keyKeySize:], rec[:])
	copy(b.Data[newStringStart:stringStart], key)
	binary.LittleEndian.PutUint32(b.Data[4:8], used+1)
	t.cache.TouchBlock(b)

	return MakeKeyId(last, slot), nil
}

func (t *KeyTable) readRecordAndKey(b *Block, slot uint32) (decoded, error) {
	_, used, _ := blockLayout(b)
	idx := slot - 1
	if idx >= used {
		return decoded{}, fmt.Errorf("slot %d out of range: %w", slot, edserr.Invalid)
	}
	off := keyBlockHeader + int(idx)*keyKeySize
	hdr, strLen := decodeRecord(b.Data[off : off+keyKeySize])

	stringEnd := BlockSize
	for i := uint32(0); i <= idx; i++ {
		o := keyBlockHeader + int(i)*keyKeySize
		_, l := decodeRecord(b.Data[o : o+keyKeySize])
		if i < idx {
			stringEnd -= l
		}
	}
	keyStart := stringEnd - strLen
	key := string(b.Data[keyStart:stringEnd])
	return decoded{key: key, data: hdr.data, flags: hdr.flags}, nil
}

// Lookup returns the (key, dataBlock, flags) triple stored under id.
func (t *KeyTable) Lookup(id KeyId) (string, BlockId, uint32, error) {
	if id == 0 {
		return "", 0, 0, fmt.Errorf("key id 0 is reserved: %w", edserr.Invalid)
	}
	if d, ok := t.cachd.Get(id); ok {
		return d.key, d.data, d.flags, nil
	}
	b, err := t.cache.GetBlock(id.Block())
	if err != nil {
		return "", 0, 0, err
	}
	defer t.cache.UnrefBlock(b)
	d, err := t.readRecordAndKey(b, id.Slot())
	if err != nil {
		return "", 0, 0, err
	}
	t.cachd.Add(id, d)
	return d.key, d.data, d.flags, nil
}

// SetData updates the data-block pointer stored under id.
func (t *KeyTable) SetData(id KeyId, data BlockId) error {
	b, err := t.cache.GetBlock(id.Block())
	if err != nil {
		return err
	}
	defer t.cache.UnrefBlock(b)
	idx := id.Slot() - 1
	off := keyBlockHeader + int(idx)*keyKeySize
	hdr, strLen := decodeRecord(b.Data[off : off+keyKeySize])
	rec := encodeRecord(data, hdr.flags, strLen)
	copy(b.Data[off:off+keyKeySize], rec[:])
	t.cache.TouchBlock(b)
	t.cachd.Remove(id)
	return nil
}

// SetFlags applies (flags & ^mask) | (set & mask) to the flags stored
// under id.
func (t *KeyTable) SetFlags(id KeyId, mask, set uint32) error {
	b, err := t.cache.GetBlock(id.Block())
	if err != nil {
		return err
	}
	defer t.cache.UnrefBlock(b)
	idx := id.Slot() - 1
	off := keyBlockHeader + int(idx)*keyKeySize
	hdr, strLen := decodeRecord(b.Data[off : off+keyKeySize])
	newFlags := (hdr.flags &^ mask) | (set & mask)
	rec := encodeRecord(hdr.data, newFlags, strLen)
	copy(b.Data[off:off+keyKeySize], rec[:])
	t.cache.TouchBlock(b)
	t.cachd.Remove(id)
	return nil
}

// Next returns the KeyId following id within its block (0 when id is
// the block's last occupied slot and the chain has no further block),
// enabling restartable iteration per spec.md §9's "lazy, finite,
// restartable sequence" guidance.
func (t *KeyTable) Next(id KeyId) (KeyId, error) {
	b, err := t.cache.GetBlock(id.Block())
	if err != nil {
		return 0, err
	}
	next, used, _ := blockLayout(b)
	t.cache.UnrefBlock(b)
	if id.Slot() < used {
		return MakeKeyId(id.Block(), id.Slot()+1), nil
	}
	if next == 0 {
		return 0, nil
	}
	return MakeKeyId(next, 1), nil
}

// All returns a restartable iterator starting at the first record of
// the chain.
func (t *KeyTable) All() func() (KeyId, bool) {
	first := t.firstBlock()
	var cur KeyId
	started := false
	return func() (KeyId, bool) {
		if !started {
			started = true
			if first == 0 {
				return 0, false
			}
			cur = MakeKeyId(first, 1)
			if b, err := t.cache.GetBlock(first); err == nil {
				_, used, _ := blockLayout(b)
				t.cache.UnrefBlock(b)
				if used == 0 {
					cur = 0
				}
			}
			if cur == 0 {
				return 0, false
			}
			return cur, true
		}
		n, err := t.Next(cur)
		if err != nil || n == 0 {
			return 0, false
		}
		cur = n
		return cur, true
	}
}
