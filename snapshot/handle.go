package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/artemonad/quiverdb/storage"
)

// ErrSnapshotPageGone names the case where a page needed by a snapshot was
// overwritten before it could be frozen (e.g. a snapshot opened
// concurrently with an unguarded write path). No function in this package
// returns it: Handle reads treat that case as "chain ends here". It cannot
// happen as long as every mutator calls Manager.FreezeIfNeeded first.
var ErrSnapshotPageGone = fmt.Errorf("snapshot: page unavailable at this snapshot's LSN")

// Handle is a read-only, point-in-LSN view of a database returned by
// Manager.Begin. It shares the database's live Pager/Directory for
// pages unmodified since the snapshot was taken, and falls back to its
// own freeze sidecar for pages the live database has since overwritten.
// Grounded on original_source/src/snapshots/handle.rs.
type Handle struct {
	root      string
	id        string
	lsn       uint64
	freezeDir string

	mu        sync.Mutex
	freezeIdx map[uint64]uint64 // pageID -> offset in freeze.bin
	idxLoaded bool

	pager *storage.Pager
	dir   *storage.Directory
}

func newHandle(root, id string, lsn uint64, freezeDir string) *Handle {
	return &Handle{root: root, id: id, lsn: lsn, freezeDir: freezeDir}
}

// ID returns the snapshot's identifier.
func (h *Handle) ID() string { return h.id }

// Root returns the database root directory this snapshot was taken against.
func (h *Handle) Root() string { return h.root }

// LSN returns the commit point this snapshot is pinned to.
func (h *Handle) LSN() uint64 { return h.lsn }

// Attach binds the Handle to the live pager/directory it should read
// through for pages that have not been frozen away. The manager does not
// do this itself since Begin is called before the caller necessarily has
// a fully-initialized kv.Db to hand back a reference to.
func (h *Handle) Attach(pager *storage.Pager, dir *storage.Directory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pager = pager
	h.dir = dir
}

func (h *Handle) loadFreezeIndex() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idxLoaded {
		return nil
	}
	h.freezeIdx = make(map[uint64]uint64)
	path := filepath.Join(h.freezeDir, freezeBinFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		h.idxLoaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: read freeze.bin: %w", err)
	}
	off := 0
	for off+freezeFrameHdrLen <= len(raw) {
		hdr := raw[off : off+freezeFrameHdrLen]
		pageID := binary.LittleEndian.Uint64(hdr[0:8])
		length := binary.LittleEndian.Uint32(hdr[16:20])
		h.freezeIdx[pageID] = uint64(off)
		off += freezeFrameHdrLen + int(length)
	}
	h.idxLoaded = true
	return nil
}

func (h *Handle) readFrozenFrame(pageID uint64) ([]byte, bool, error) {
	if err := h.loadFreezeIndex(); err != nil {
		return nil, false, err
	}
	h.mu.Lock()
	off, ok := h.freezeIdx[pageID]
	h.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(filepath.Join(h.freezeDir, freezeBinFile))
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: open freeze.bin: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, freezeFrameHdrLen)
	if _, err := f.ReadAt(hdr, int64(off)); err != nil {
		return nil, false, fmt.Errorf("snapshot: read freeze frame header: %w", err)
	}
	gotPageID := binary.LittleEndian.Uint64(hdr[0:8])
	if gotPageID != pageID {
		return nil, false, fmt.Errorf("snapshot: freeze frame page id mismatch at offset %d", off)
	}
	length := binary.LittleEndian.Uint32(hdr[16:20])
	wantCRC := binary.LittleEndian.Uint32(hdr[20:24])

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, int64(off)+freezeFrameHdrLen); err != nil {
		return nil, false, fmt.Errorf("snapshot: read freeze frame payload: %w", err)
	}
	crc := crc32.NewIEEE()
	crc.Write(hdr[:20])
	crc.Write(payload)
	if crc.Sum32() != wantCRC {
		return nil, false, fmt.Errorf("snapshot: freeze frame CRC mismatch for page %d", pageID)
	}
	return payload, true, nil
}

// pageBytesAtSnapshot resolves the version of pageID this snapshot is
// entitled to see: the live page if it has not advanced past the
// snapshot's LSN, else the frozen pre-image, else unavailable.
func (h *Handle) pageBytesAtSnapshot(pageID uint64) ([]byte, bool, error) {
	live, err := h.pager.ReadPage(pageID)
	if err != nil {
		return nil, false, err
	}
	lsn, err := storage.PageLSN(live)
	if err != nil {
		return nil, false, err
	}
	if lsn <= h.lsn {
		return live, true, nil
	}
	frozen, ok, err := h.readFrozenFrame(pageID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return frozen, true, nil
}

// Get returns the value visible for key as of this snapshot's LSN.
func (h *Handle) Get(key []byte) ([]byte, bool, error) {
	h.mu.Lock()
	pager, dir := h.pager, h.dir
	h.mu.Unlock()
	if pager == nil || dir == nil {
		return nil, false, fmt.Errorf("snapshot: handle %q is not attached to a live database", h.id)
	}

	bucket := dir.BucketOfKey(key)
	pid, err := dir.Head(bucket)
	if err != nil {
		return nil, false, err
	}

	now := uint32(time.Now().Unix())
	for pid != storage.NoPage {
		page, ok, err := h.pageBytesAtSnapshot(pid)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		rec, found, err := storage.FindLatest(page, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if rec.Tombstone() || rec.Expired(now) {
				return nil, false, nil
			}
			if rec.Overflow() {
				total, head, err := storage.DecodeOverflowPlaceholder(rec.Value)
				if err != nil {
					return nil, false, err
				}
				val, err := storage.ReadOverflowChain(pager, head, total, 0)
				if err != nil {
					return nil, false, err
				}
				return val, true, nil
			}
			out := make([]byte, len(rec.Value))
			copy(out, rec.Value)
			return out, true, nil
		}
		hdr, err := storage.KVHeaderRead(page)
		if err != nil {
			return nil, false, err
		}
		pid = hdr.NextPageID
	}
	return nil, false, nil
}

// HandleScanFunc receives one live key/value pair during a snapshot scan.
type HandleScanFunc func(key, value []byte) error

// ScanAll walks every bucket as of this snapshot's LSN, invoking fn once
// per live key: not a tombstone and not expired against the current clock
// (the same TTL check Get applies).
func (h *Handle) ScanAll(fn HandleScanFunc) error {
	return h.ScanPrefix(nil, fn)
}

// ScanPrefix walks every bucket as of this snapshot's LSN, invoking fn
// for keys with the given prefix (nil/empty prefix matches everything).
func (h *Handle) ScanPrefix(prefix []byte, fn HandleScanFunc) error {
	h.mu.Lock()
	pager, dir := h.pager, h.dir
	h.mu.Unlock()
	if pager == nil || dir == nil {
		return fmt.Errorf("snapshot: handle %q is not attached to a live database", h.id)
	}

	now := uint32(time.Now().Unix())
	seen := make(map[string]bool)
	buckets := dir.BucketCount()
	for b := uint32(0); b < buckets; b++ {
		pid, err := dir.Head(b)
		if err != nil {
			return err
		}
		for pid != storage.NoPage {
			page, ok, err := h.pageBytesAtSnapshot(pid)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			recs, err := storage.AllLatest(page)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				ks := string(rec.Key)
				if seen[ks] {
					continue
				}
				seen[ks] = true
				if rec.Tombstone() || rec.Expired(now) {
					continue
				}
				if len(prefix) > 0 && !bytes.HasPrefix(rec.Key, prefix) {
					continue
				}
				var value []byte
				if rec.Overflow() {
					total, head, err := storage.DecodeOverflowPlaceholder(rec.Value)
					if err != nil {
						return err
					}
					value, err = storage.ReadOverflowChain(pager, head, total, 0)
					if err != nil {
						return err
					}
				} else {
					value = make([]byte, len(rec.Value))
					copy(value, rec.Value)
				}
				if err := fn(rec.Key, value); err != nil {
					return err
				}
			}
			hdr, err := storage.KVHeaderRead(page)
			if err != nil {
				return err
			}
			pid = hdr.NextPageID
		}
	}
	return nil
}

// Close releases the snapshot, removing its freeze sidecar unless the
// manager that created it was configured to persist snapshots on disk.
func (h *Handle) Close(mgr *Manager) error {
	return mgr.End(h.id)
}
