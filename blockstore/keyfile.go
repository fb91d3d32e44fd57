package blockstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/evolution-ds/core/internal/edserr"
)

// keyFileMagic guards against mistaking random file content for a
// key-file record when the tail is corrupted.
const keyFileMagic = 0x4b4659ff // "KFY" + a marker byte

// keyFileRecordHeaderSize is magic(4) + parent(4) + count(4).
const keyFileRecordHeaderSize = 4 + 4 + 4

// KeyFile is a CamelKeyFile log: an append-only file of
// { magic:uint32, parent:BlockId, count:uint32, keys:KeyId[count] }
// records, each prepending a new record whose parent points at the
// previous one, so the log reads in reverse-insertion order from the
// most recent record back to the oldest (spec.md §4.B.4). Offset 0
// means "no record", so the first record is written at offset 4.
type KeyFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenKeyFile opens (or creates) the log at path.
func OpenKeyFile(path string) (*KeyFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, edserr.IO)
	}
	return &KeyFile{path: path, file: f}, nil
}

// Close releases the file handle.
func (k *KeyFile) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.file.Close()
}

// Write atomically appends a record { parent: *parentPtr, keys } and
// advances *parentPtr to the new record's own offset. Concurrent
// writers using the same handle serialize on KeyFile's lock.
func (k *KeyFile) Write(parentPtr *BlockId, keys []KeyId) (BlockId, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	info, err := k.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", k.path, edserr.IO)
	}
	offset := BlockId(info.Size())
	if offset == 0 {
		// Offset 0 is the terminator Read stops at; keep it free.
		offset = 4
	}

	buf := make([]byte, keyFileRecordHeaderSize+4*len(keys))
	binary.LittleEndian.PutUint32(buf[0:4], keyFileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(*parentPtr))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(keys)))
	for i, key := range keys {
		off := keyFileRecordHeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(key))
	}
	if _, err := k.file.WriteAt(buf, int64(offset)); err != nil {
		return 0, fmt.Errorf("append %s: %w", k.path, edserr.IO)
	}
	*parentPtr = offset
	return offset, nil
}

// Read reads the record at *startPtr and advances *startPtr to its
// parent, so repeated calls walk the log from newest to oldest.
// *startPtr == 0 means "nothing more to read"; callers should stop.
func (k *KeyFile) Read(startPtr *BlockId) ([]KeyId, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if *startPtr == 0 {
		return nil, nil
	}
	hdr := make([]byte, keyFileRecordHeaderSize)
	if _, err := k.file.ReadAt(hdr, int64(*startPtr)); err != nil {
		return nil, fmt.Errorf("read record at %d: %w", *startPtr, edserr.IO)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != keyFileMagic {
		return nil, fmt.Errorf("bad magic at %d, tail is corrupted: %w", *startPtr, edserr.Corrupt)
	}
	parent := BlockId(binary.LittleEndian.Uint32(hdr[4:8]))
	count := binary.LittleEndian.Uint32(hdr[8:12])

	body := make([]byte, 4*count)
	if count > 0 {
		if _, err := k.file.ReadAt(body, int64(*startPtr)+keyFileRecordHeaderSize); err != nil {
			return nil, fmt.Errorf("read record body at %d: %w", *startPtr, edserr.IO)
		}
	}
	keys := make([]KeyId, count)
	for i := range keys {
		keys[i] = KeyId(binary.LittleEndian.Uint32(body[i*4 : i*4+4]))
	}
	*startPtr = parent
	return keys, nil
}

// Delete removes the underlying file. On POSIX this succeeds even
// while k (or another handle) still has it open: the inode stays
// valid for already-open descriptors (unlink-while-open semantics).
// On platforms without that guarantee the file is not moved aside
// first: if os.Remove fails while the file is open, Delete returns an
// edserr.IO error.
func (k *KeyFile) Delete() error {
	if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", k.path, edserr.IO)
	}
	return nil
}
