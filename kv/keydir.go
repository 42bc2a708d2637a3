package kv

import (
	"sync"
	"time"

	"github.com/artemonad/quiverdb/storage"
)

// keydirEntry is where a key's newest live record lives: the page that
// holds it and the byte offset within that page the record tuple starts
// at, exactly what spec.md §2 calls the "keydir fast path (pid/off)".
type keydirEntry struct {
	pageID uint64
	offset uint16
}

// keydir is an in-memory key -> (page_id, offset) index that lets reads
// skip the bucket-chain walk entirely. It is rebuilt from scratch on Open
// when Options.KeydirEnabled is set (spec.md §5: "the in-memory keydir is
// rebuilt by readers on open when enabled") and kept current by every
// mutation the engine commits afterward. Grounded on the same freshness
// discipline bloom.Sidecar already uses for its own delta-updated index.
type keydir struct {
	mu      sync.RWMutex
	entries map[string]keydirEntry
}

func newKeydir() *keydir {
	return &keydir{entries: make(map[string]keydirEntry)}
}

func (kd *keydir) lookup(key []byte) (keydirEntry, bool) {
	kd.mu.RLock()
	defer kd.mu.RUnlock()
	e, ok := kd.entries[string(key)]
	return e, ok
}

func (kd *keydir) set(key []byte, pageID uint64, offset uint16) {
	kd.mu.Lock()
	kd.entries[string(key)] = keydirEntry{pageID: pageID, offset: offset}
	kd.mu.Unlock()
}

func (kd *keydir) delete(key []byte) {
	kd.mu.Lock()
	delete(kd.entries, string(key))
	kd.mu.Unlock()
}

// forgetPage drops every entry still pointing at pageID, used right after
// compaction frees the old chain so a stale (page_id, offset) can never
// shadow a key's freshly compacted location.
func (kd *keydir) forgetPage(pageID uint64) {
	kd.mu.Lock()
	for k, e := range kd.entries {
		if e.pageID == pageID {
			delete(kd.entries, k)
		}
	}
	kd.mu.Unlock()
}

func (kd *keydir) len() int {
	kd.mu.RLock()
	defer kd.mu.RUnlock()
	return len(kd.entries)
}

// rebuildKeydir scans every bucket's chain newest-to-oldest, the same walk
// Scan performs, indexing each live key's newest record location. A
// tombstoned or expired record is skipped entirely so a keydir hit always
// points at a directly usable value; Get/Exists/GetMany/ExistsMany still apply their own
// TTL check against the current clock before returning it, since a record
// live at rebuild time can expire afterward.
func (db *Db) rebuildKeydir() error {
	kd := newKeydir()
	now := uint32(time.Now().Unix())
	count := db.dir.BucketCount()
	for bucket := uint32(0); bucket < count; bucket++ {
		pid, err := db.dir.Head(bucket)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for pid != storage.NoPage {
			page, err := db.pager.ReadPage(pid)
			if err != nil {
				return err
			}
			recs, err := storage.AllLatestWithOffsets(page)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				k := string(rec.Key)
				if seen[k] {
					continue
				}
				seen[k] = true
				if rec.Tombstone() || rec.Expired(now) {
					continue
				}
				kd.entries[k] = keydirEntry{pageID: pid, offset: rec.Offset}
			}
			h, err := storage.KVHeaderRead(page)
			if err != nil {
				return err
			}
			pid = h.NextPageID
		}
	}
	db.keydir = kd
	return nil
}
