// Package snapshot implements read-only, point-in-LSN database views:
// SnapStore (a content-addressed, refcounted store of page images shared
// across snapshots), Manager (active-snapshot bookkeeping and
// copy-on-write page freezing), and Handle (the read-only view itself).
// Grounded on original_source/src/snapshots/{store,manager,handle}.rs.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// StoreDirName is the default content-addressed store directory,
	// relative to a database root (store.rs's "<root>/.snapstore").
	StoreDirName = ".snapstore"

	storeBinFile = "store.bin"
	indexBinFile = "index.bin"

	storeFrameHdrLen = 8 + 4 + 4 // hash u64, len u32, crc32 u32
	indexEntryLen    = 8 + 8 + 4 + 4 // hash u64, offset u64, refcnt u32, pad u32
)

// CompactReport summarizes a SnapStore.Compact run.
type CompactReport struct {
	BeforeBytes int64
	AfterBytes  int64
	Kept        int
	Dropped     int
}

type storeEntry struct {
	offset  uint64
	refcnt  uint32
}

// SnapStore is a content-addressed, page-size-framed blob store used to
// dedup page images frozen by multiple concurrent snapshots.
type SnapStore struct {
	mu        sync.Mutex
	dir       string
	storePath string
	indexPath string
	pageSize  uint32
	entries   map[uint64]storeEntry
}

// OpenSnapStore opens (creating if necessary) the store rooted at dir.
func OpenSnapStore(dir string, pageSize uint32) (*SnapStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create snapstore dir: %w", err)
	}
	storePath := filepath.Join(dir, storeBinFile)
	indexPath := filepath.Join(dir, indexBinFile)

	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		f, err := os.OpenFile(storePath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("snapshot: create store.bin: %w", err)
		}
		f.Close()
	}

	ss := &SnapStore{
		dir:       dir,
		storePath: storePath,
		indexPath: indexPath,
		pageSize:  pageSize,
		entries:   make(map[uint64]storeEntry),
	}
	if _, err := os.Stat(indexPath); err == nil {
		if err := ss.loadIndex(); err != nil {
			return nil, err
		}
	}
	return ss, nil
}

// Dir returns the backing directory (for diagnostics/tests).
func (ss *SnapStore) Dir() string { return ss.dir }

func (ss *SnapStore) loadIndex() error {
	raw, err := os.ReadFile(ss.indexPath)
	if err != nil {
		return fmt.Errorf("snapshot: read index.bin: %w", err)
	}
	if len(raw)%indexEntryLen != 0 {
		return fmt.Errorf("snapshot: index.bin has truncated entry (%d bytes)", len(raw))
	}
	entries := make(map[uint64]storeEntry, len(raw)/indexEntryLen)
	for off := 0; off < len(raw); off += indexEntryLen {
		e := raw[off : off+indexEntryLen]
		h := binary.LittleEndian.Uint64(e[0:8])
		entries[h] = storeEntry{
			offset: binary.LittleEndian.Uint64(e[8:16]),
			refcnt: binary.LittleEndian.Uint32(e[16:20]),
		}
	}
	ss.entries = entries
	return nil
}

// saveIndex rewrites index.bin in full, the same "simple and robust"
// choice store.rs documents for its own index.
func (ss *SnapStore) saveIndex() error {
	buf := make([]byte, 0, len(ss.entries)*indexEntryLen)
	for h, e := range ss.entries {
		var rec [indexEntryLen]byte
		binary.LittleEndian.PutUint64(rec[0:8], h)
		binary.LittleEndian.PutUint64(rec[8:16], e.offset)
		binary.LittleEndian.PutUint32(rec[16:20], e.refcnt)
		buf = append(buf, rec[:]...)
	}
	if err := os.WriteFile(ss.indexPath, buf, 0o644); err != nil {
		return fmt.Errorf("snapshot: write index.bin: %w", err)
	}
	return nil
}

func frameChecksum(hdrWithoutCRC []byte, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(hdrWithoutCRC)
	h.Write(payload)
	return h.Sum32()
}

// Contains reports whether hash is already stored.
func (ss *SnapStore) Contains(hash uint64) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.entries[hash]
	return ok
}

// Get returns the page image stored under hash, verifying its header hash
// and CRC32 before returning it.
func (ss *SnapStore) Get(hash uint64) ([]byte, bool, error) {
	ss.mu.Lock()
	entry, ok := ss.entries[hash]
	ss.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(ss.storePath)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: open store.bin: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, storeFrameHdrLen)
	if _, err := f.ReadAt(hdr, int64(entry.offset)); err != nil {
		return nil, false, fmt.Errorf("snapshot: read frame header: %w", err)
	}
	gotHash := binary.LittleEndian.Uint64(hdr[0:8])
	if gotHash != hash {
		return nil, false, fmt.Errorf("snapshot: frame hash mismatch at offset %d", entry.offset)
	}
	length := binary.LittleEndian.Uint32(hdr[8:12])
	wantCRC := binary.LittleEndian.Uint32(hdr[12:16])
	if length != ss.pageSize {
		return nil, false, fmt.Errorf("snapshot: frame len %d != page size %d", length, ss.pageSize)
	}

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, int64(entry.offset)+storeFrameHdrLen); err != nil {
		return nil, false, fmt.Errorf("snapshot: read frame payload: %w", err)
	}
	if gotCRC := frameChecksum(hdr[:12], payload); gotCRC != wantCRC {
		return nil, false, fmt.Errorf("snapshot: frame CRC mismatch for hash %d", hash)
	}
	return payload, true, nil
}

// Put stores page (appending a new frame if its content hash is new, else
// bumping the existing frame's refcount) and returns its content hash.
func (ss *SnapStore) Put(page []byte) (uint64, error) {
	if uint32(len(page)) != ss.pageSize {
		return 0, fmt.Errorf("snapshot: put page size %d != %d", len(page), ss.pageSize)
	}
	h := xxhash.Sum64(page)

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if e, ok := ss.entries[h]; ok {
		e.refcnt++
		ss.entries[h] = e
		return h, ss.saveIndex()
	}

	f, err := os.OpenFile(ss.storePath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("snapshot: open store.bin: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	off := info.Size()

	hdr := make([]byte, storeFrameHdrLen)
	binary.LittleEndian.PutUint64(hdr[0:8], h)
	binary.LittleEndian.PutUint32(hdr[8:12], ss.pageSize)
	binary.LittleEndian.PutUint32(hdr[12:16], frameChecksum(hdr[:12], page))

	if _, err := f.WriteAt(hdr, off); err != nil {
		return 0, fmt.Errorf("snapshot: write frame header: %w", err)
	}
	if _, err := f.WriteAt(page, off+storeFrameHdrLen); err != nil {
		return 0, fmt.Errorf("snapshot: write frame payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}

	ss.entries[h] = storeEntry{offset: uint64(off), refcnt: 1}
	return h, ss.saveIndex()
}

// AddRef bumps the refcount for an existing hash.
func (ss *SnapStore) AddRef(hash uint64) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	e, ok := ss.entries[hash]
	if !ok {
		return fmt.Errorf("snapshot: add_ref: unknown hash %d", hash)
	}
	e.refcnt++
	ss.entries[hash] = e
	return ss.saveIndex()
}

// DecRef decrements the refcount for hash, floored at zero. The frame's
// bytes remain in store.bin until Compact runs.
func (ss *SnapStore) DecRef(hash uint64) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	e, ok := ss.entries[hash]
	if !ok {
		return fmt.Errorf("snapshot: dec_ref: unknown hash %d", hash)
	}
	if e.refcnt > 0 {
		e.refcnt--
	}
	ss.entries[hash] = e
	return ss.saveIndex()
}

// Compact rewrites store.bin keeping only frames with refcnt > 0, and
// rewrites index.bin with the new offsets.
func (ss *SnapStore) Compact() (CompactReport, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	before, err := os.Stat(ss.storePath)
	if err != nil {
		return CompactReport{}, err
	}

	fin, err := os.Open(ss.storePath)
	if err != nil {
		return CompactReport{}, fmt.Errorf("snapshot: open store.bin: %w", err)
	}
	defer fin.Close()

	tmpPath := filepath.Join(ss.dir, "store.bin.compact.tmp")
	fout, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return CompactReport{}, fmt.Errorf("snapshot: open compact tmp: %w", err)
	}

	newEntries := make(map[uint64]storeEntry, len(ss.entries))
	var kept, dropped int
	var writeOff int64

	for h, e := range ss.entries {
		if e.refcnt == 0 {
			dropped++
			continue
		}
		frame := make([]byte, storeFrameHdrLen+int(ss.pageSize))
		if _, err := fin.ReadAt(frame, int64(e.offset)); err != nil {
			fout.Close()
			os.Remove(tmpPath)
			return CompactReport{}, fmt.Errorf("snapshot: read frame during compact: %w", err)
		}
		if _, err := fout.WriteAt(frame, writeOff); err != nil {
			fout.Close()
			os.Remove(tmpPath)
			return CompactReport{}, fmt.Errorf("snapshot: write frame during compact: %w", err)
		}
		newEntries[h] = storeEntry{offset: uint64(writeOff), refcnt: e.refcnt}
		writeOff += int64(len(frame))
		kept++
	}
	if err := fout.Sync(); err != nil {
		fout.Close()
		return CompactReport{}, err
	}
	fout.Close()

	if err := os.Rename(tmpPath, ss.storePath); err != nil {
		return CompactReport{}, fmt.Errorf("snapshot: replace store.bin: %w", err)
	}
	ss.entries = newEntries
	if err := ss.saveIndex(); err != nil {
		return CompactReport{}, err
	}

	after, err := os.Stat(ss.storePath)
	if err != nil {
		return CompactReport{}, err
	}
	return CompactReport{BeforeBytes: before.Size(), AfterBytes: after.Size(), Kept: kept, Dropped: dropped}, nil
}
