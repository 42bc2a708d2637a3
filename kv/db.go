// Package kv implements QuiverDB's embedded key-value engine on top of the
// storage package's pager, WAL, directory and overflow primitives.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/artemonad/quiverdb/bloom"
	"github.com/artemonad/quiverdb/snapshot"
	"github.com/artemonad/quiverdb/storage"
)

var (
	// ErrNotFound is returned when a key has no live (non-deleted,
	// non-expired) record.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned for operations on a closed database.
	ErrClosed = errors.New("kv: database is closed")
)

// Options configures InitDB/Open. It is the single config surface for the
// whole engine: there is no config-file parser, matching SPEC_FULL.md's
// ambient-stack decision.
type Options struct {
	Root         string
	PageSize     uint32
	Buckets      uint32
	HashKind     storage.HashKind
	ChecksumKind storage.ChecksumKind
	CodecDefault storage.Codec
	DataFsync    bool

	TDEEnabled bool
	TDEKey     *[32]byte

	OverflowThresholdBytes int
	PageCache              *storage.PageCache

	MaxValueBytes uint64 // 0 = storage.DefaultMaxValueBytes

	PreallocPages         int  // extra slack pages reserved per allocation burst
	StrictReadBeyondAlloc bool // reject ReadPage(pageID >= NextPageID) outright

	Epochs             storage.EpochLookup // TDE key-epoch history for AEAD fallback
	StrictAEADFallback bool                // never fall back to CRC on AEAD failure
	StrictZeroCRC      bool                // reject zero-valued CRC trailers outright
	CoalesceMs         int                 // WAL group-commit coalesce window

	// KeydirEnabled builds an in-memory key -> (page_id, offset) index on
	// Open and keeps it current on every write, letting Get/Exists/
	// GetMany/ExistsMany skip the bucket-chain walk (spec.md §2, §4.4, §5).
	// Scan always walks the chains.
	KeydirEnabled bool

	// LazyCompactThreshold is the bucket chain length (in pages) at or
	// above which a write to that bucket triggers an inline compaction of
	// it before returning, per spec.md §4.4's lazy_compact_bucket_if_needed.
	// 0 disables lazy compaction.
	LazyCompactThreshold int
}

func (o *Options) setDefaults() {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.Buckets == 0 {
		o.Buckets = 4096
	}
	if o.HashKind == storage.HashInvalid {
		o.HashKind = storage.HashXx64Seed0
	}
}

// InitDB creates a brand-new, empty database directory: meta, first
// segment (lazily created on first allocation), an empty WAL, an empty
// free list, and a directory with every bucket pointing at NoPage. See
// spec.md §4.9.
func InitDB(opts Options) error {
	opts.setDefaults()
	if _, err := storage.InitMeta(opts.Root, opts.PageSize, opts.HashKind, opts.ChecksumKind, opts.CodecDefault, opts.TDEEnabled); err != nil {
		return fmt.Errorf("kv: init meta: %w", err)
	}
	if _, err := storage.CreateDirectory(opts.Root, opts.Buckets, opts.HashKind); err != nil {
		return fmt.Errorf("kv: init directory: %w", err)
	}
	if _, err := storage.CreateFreeList(opts.Root); err != nil {
		return fmt.Errorf("kv: init free list: %w", err)
	}
	return nil
}

// Db is a single open QuiverDB database.
type Db struct {
	mu sync.RWMutex

	root     string
	pager    *storage.Pager
	dir      *storage.Directory
	hashKind storage.HashKind
	codec    storage.Codec
	pageSize uint32
	maxValue uint64
	closed   bool

	snapMgr *snapshot.Manager
	bloomSC *bloom.Sidecar

	keydir               *keydir // nil unless Options.KeydirEnabled
	lazyCompactThreshold int

	log zerolog.Logger
}

// SetBloom attaches a Bloom sidecar so Get can skip a bucket-chain walk
// whenever the filter proves a key absent, and Put/Delete keep its bits
// current via a per-key delta-update after each commit. Pass nil to
// detach.
func (db *Db) SetBloom(sc *bloom.Sidecar) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.bloomSC = sc
}

// SetSnapshotManager attaches a snapshot manager so every mutation that
// overwrites or frees a page in place freezes a pre-image first, for any
// snapshot still pinned at or before that page's current LSN. Pass nil to
// detach (the default: no snapshot tracking overhead).
func (db *Db) SetSnapshotManager(mgr *snapshot.Manager) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapMgr = mgr
}

// BeginSnapshot opens a point-in-time read-only view pinned at the
// database's current commit LSN. Requires a snapshot manager to have been
// attached via SetSnapshotManager.
func (db *Db) BeginSnapshot() (*snapshot.Handle, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	if db.snapMgr == nil {
		return nil, fmt.Errorf("kv: no snapshot manager attached")
	}
	h, err := db.snapMgr.Begin(db.root, db.pager.Meta().LastLSN)
	if err != nil {
		return nil, err
	}
	h.Attach(db.pager, db.dir)
	return h, nil
}

// freezeBeforeMutate records a pre-image of page (identified by pid) with
// any active snapshot manager before the caller overwrites it in place or
// frees it. A no-op when no manager is attached.
func (db *Db) freezeBeforeMutate(pid uint64, page []byte) error {
	if db.snapMgr == nil {
		return nil
	}
	lsn, err := storage.PageLSN(page)
	if err != nil {
		return err
	}
	cp := make([]byte, len(page))
	copy(cp, page)
	return db.snapMgr.FreezeIfNeeded(pid, lsn, cp)
}

// Open opens an existing database directory created by InitDB.
func Open(opts Options) (*Db, error) {
	opts.setDefaults()
	pager, err := storage.OpenPager(opts.Root, storage.Options{
		PageSize:               opts.PageSize,
		HashKind:               opts.HashKind,
		ChecksumKind:           opts.ChecksumKind,
		CodecDefault:           opts.CodecDefault,
		Buckets:                opts.Buckets,
		DataFsync:              opts.DataFsync,
		TDEEnabled:             opts.TDEEnabled,
		TDEKey:                 opts.TDEKey,
		OverflowThresholdBytes: opts.OverflowThresholdBytes,
		PageCache:              opts.PageCache,
		PreallocPages:          opts.PreallocPages,
		StrictReadBeyondAlloc:  opts.StrictReadBeyondAlloc,
		Epochs:                 opts.Epochs,
		StrictAEADFallback:     opts.StrictAEADFallback,
		StrictZeroCRC:          opts.StrictZeroCRC,
		CoalesceMs:             opts.CoalesceMs,
	})
	if err != nil {
		return nil, err
	}
	dir, err := storage.OpenDirectory(opts.Root, opts.HashKind)
	if err != nil {
		pager.Close()
		return nil, err
	}
	if recovered := pager.RecoveredHeads(); recovered != nil {
		if err := dir.SetHeadsBulk(recovered); err != nil {
			pager.Close()
			return nil, fmt.Errorf("kv: apply recovered wal heads: %w", err)
		}
	}
	meta := pager.Meta()
	maxValue := opts.MaxValueBytes
	if maxValue == 0 {
		maxValue = storage.DefaultMaxValueBytes
	}
	db := &Db{
		root:                 opts.Root,
		pager:                pager,
		dir:                  dir,
		hashKind:             opts.HashKind,
		codec:                meta.CodecDefault,
		pageSize:             meta.PageSize,
		maxValue:             maxValue,
		lazyCompactThreshold: opts.LazyCompactThreshold,
		log:                  log.With().Str("component", "kv").Str("root", opts.Root).Logger(),
	}
	if opts.KeydirEnabled {
		if err := db.rebuildKeydir(); err != nil {
			pager.Close()
			return nil, fmt.Errorf("kv: rebuild keydir: %w", err)
		}
	}
	return db, nil
}

// OpenReadOnly opens a database rejecting all writes.
func OpenReadOnly(opts Options) (*Db, error) {
	opts.setDefaults()
	pager, err := storage.OpenPagerReadOnly(opts.Root, storage.Options{
		PageSize:           opts.PageSize,
		HashKind:           opts.HashKind,
		ChecksumKind:       opts.ChecksumKind,
		CodecDefault:       opts.CodecDefault,
		Buckets:            opts.Buckets,
		TDEEnabled:         opts.TDEEnabled,
		TDEKey:             opts.TDEKey,
		PageCache:          opts.PageCache,
		Epochs:             opts.Epochs,
		StrictAEADFallback: opts.StrictAEADFallback,
		StrictZeroCRC:      opts.StrictZeroCRC,
	})
	if err != nil {
		return nil, err
	}
	dir, err := storage.OpenDirectory(opts.Root, opts.HashKind)
	if err != nil {
		pager.Close()
		return nil, err
	}
	if recovered := pager.RecoveredHeads(); recovered != nil {
		if err := dir.SetHeadsBulk(recovered); err != nil {
			pager.Close()
			return nil, fmt.Errorf("kv: apply recovered wal heads: %w", err)
		}
	}
	meta := pager.Meta()
	db := &Db{
		root:     opts.Root,
		pager:    pager,
		dir:      dir,
		hashKind: opts.HashKind,
		codec:    meta.CodecDefault,
		pageSize: meta.PageSize,
		maxValue: storage.DefaultMaxValueBytes,
		log:      log.With().Str("component", "kv").Str("root", opts.Root).Logger(),
	}
	if opts.KeydirEnabled {
		if err := db.rebuildKeydir(); err != nil {
			pager.Close()
			return nil, fmt.Errorf("kv: rebuild keydir: %w", err)
		}
	}
	return db, nil
}

// Close flushes and closes the underlying pager.
func (db *Db) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.pager.Close()
}

// Put stores value under key with no expiry, superseding any prior value.
func (db *Db) Put(key, value []byte) error {
	return db.put(key, value, 0, 0)
}

// PutWithTTL stores value under key, expiring it after ttl elapses.
func (db *Db) PutWithTTL(key, value []byte, ttl time.Duration) error {
	var expires uint32
	if ttl != 0 {
		expires = uint32(time.Now().Add(ttl).Unix())
	}
	return db.put(key, value, expires, 0)
}

// Delete writes a tombstone for key. Prior overflow chains for key are not
// reclaimed immediately; AutoMaintenance's orphan-overflow sweep (doSweep)
// frees them. CompactBucket/CompactAll free only KV chain pages.
func (db *Db) Delete(key []byte) error {
	return db.put(key, nil, 0, storage.VFlagTombstone)
}

func (db *Db) put(key, value []byte, expiresAtSec uint32, extraFlags byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	vflags := extraFlags
	storeValue := value
	if extraFlags&storage.VFlagTombstone == 0 && !storage.InlineFits(int(db.pageSize), len(key), len(value)) {
		head, err := storage.BuildOverflowChain(db.pager, value, int(db.pageSize), db.codec)
		if err != nil {
			return fmt.Errorf("kv: build overflow chain: %w", err)
		}
		storeValue = storage.EncodeOverflowPlaceholder(uint64(len(value)), head)
		vflags |= storage.VFlagOverflow
	}

	bucket := db.dir.BucketOfKey(key)
	headPID, err := db.dir.Head(bucket)
	if err != nil {
		return err
	}

	page, pid, isNewHead, err := db.pageForAppend(headPID, len(key), len(storeValue))
	if err != nil {
		return err
	}
	hBefore, err := storage.KVHeaderRead(page)
	if err != nil {
		return err
	}
	recOffset := hBefore.DataStart
	if err := storage.AppendRecord(page, key, storeValue, expiresAtSec, vflags); err != nil {
		return err
	}

	pages := map[uint64][]byte{pid: page}
	var heads map[uint32]uint64
	if isNewHead {
		heads = map[uint32]uint64{bucket: pid}
	}
	lsn, err := db.pager.CommitPagesBatchWithHeads(pages, heads, db.dir)
	if err != nil {
		return err
	}
	if db.bloomSC != nil {
		if bErr := db.bloomSC.AddKey(bucket, key, lsn); bErr != nil {
			db.log.Warn().Err(bErr).Uint32("bucket", bucket).Msg("kv: bloom delta-update failed, filter may go stale")
		}
	}
	if db.keydir != nil {
		if vflags&storage.VFlagTombstone != 0 {
			db.keydir.delete(key)
		} else {
			db.keydir.set(key, pid, recOffset)
		}
	}
	if db.lazyCompactThreshold > 0 {
		if err := db.lazyCompactBucketIfNeededLocked(bucket); err != nil {
			db.log.Warn().Err(err).Uint32("bucket", bucket).Msg("kv: lazy compaction failed, bucket left as-is")
		}
	}
	return nil
}

// pageForAppend returns a writable page to append into: the current head
// page if it still has room, or a brand-new page chained in front of it.
func (db *Db) pageForAppend(headPID uint64, keyLen, valLen int) (page []byte, pid uint64, isNewHead bool, err error) {
	if headPID != storage.NoPage {
		p, err := db.pager.ReadPage(headPID)
		if err != nil {
			return nil, 0, false, err
		}
		if storage.RecordFits(p, keyLen, valLen) {
			if err := db.freezeBeforeMutate(headPID, p); err != nil {
				return nil, 0, false, err
			}
			return p, headPID, false, nil
		}
	}
	newPID, err := db.pager.AllocateOnePage()
	if err != nil {
		return nil, 0, false, err
	}
	fresh := make([]byte, db.pageSize)
	if err := storage.KVPageInit(fresh, newPID, headPID); err != nil {
		return nil, 0, false, err
	}
	return fresh, newPID, true, nil
}

// Get returns the live value for key, or ErrNotFound if it is absent,
// tombstoned, or expired.
func (db *Db) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.getLocked(key)
}

func (db *Db) getLocked(key []byte) ([]byte, error) {
	if db.keydir != nil {
		if e, ok := db.keydir.lookup(key); ok {
			page, err := db.pager.ReadPage(e.pageID)
			if err != nil {
				return nil, err
			}
			rec, err := storage.ReadRecordAt(page, e.offset)
			if err != nil {
				return nil, err
			}
			if string(rec.Key) != string(key) {
				return nil, fmt.Errorf("kv: keydir entry for %q points at a mismatched record, index needs rebuilding", key)
			}
			return db.materialize(rec, uint32(time.Now().Unix()))
		}
		return nil, ErrNotFound
	}

	bucket := db.dir.BucketOfKey(key)

	if db.bloomSC != nil && db.bloomSC.Meta().Buckets == db.dir.BucketCount() && db.bloomSC.IsFreshFor(db.pager.Meta().LastLSN) {
		present, bErr := db.bloomSC.Test(bucket, key)
		if bErr == nil && !present {
			return nil, ErrNotFound
		}
		if bErr != nil {
			db.log.Warn().Err(bErr).Uint32("bucket", bucket).Msg("kv: bloom test failed, falling back to chain walk")
		}
	}

	pid, err := db.dir.Head(bucket)
	if err != nil {
		return nil, err
	}
	now := uint32(time.Now().Unix())
	for pid != storage.NoPage {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		rec, ok, err := storage.FindLatest(page, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return db.materialize(rec, now)
		}
		h, err := storage.KVHeaderRead(page)
		if err != nil {
			return nil, err
		}
		pid = h.NextPageID
	}
	return nil, ErrNotFound
}

func (db *Db) materialize(rec storage.Record, now uint32) ([]byte, error) {
	if rec.Tombstone() || rec.Expired(now) {
		return nil, ErrNotFound
	}
	if rec.Overflow() {
		total, head, err := storage.DecodeOverflowPlaceholder(rec.Value)
		if err != nil {
			return nil, err
		}
		return storage.ReadOverflowChain(db.pager, head, total, db.maxValue)
	}
	out := make([]byte, len(rec.Value))
	copy(out, rec.Value)
	return out, nil
}

// Exists reports whether key has a live value, without materializing an
// overflow chain.
func (db *Db) Exists(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false, ErrClosed
	}
	if db.keydir != nil {
		e, ok := db.keydir.lookup(key)
		if !ok {
			return false, nil
		}
		page, err := db.pager.ReadPage(e.pageID)
		if err != nil {
			return false, err
		}
		rec, err := storage.ReadRecordAt(page, e.offset)
		if err != nil {
			return false, err
		}
		return string(rec.Key) == string(key) && !rec.Tombstone() && !rec.Expired(uint32(time.Now().Unix())), nil
	}
	bucket := db.dir.BucketOfKey(key)

	if db.bloomSC != nil && db.bloomSC.Meta().Buckets == db.dir.BucketCount() && db.bloomSC.IsFreshFor(db.pager.Meta().LastLSN) {
		present, bErr := db.bloomSC.Test(bucket, key)
		if bErr == nil && !present {
			return false, nil
		}
	}

	pid, err := db.dir.Head(bucket)
	if err != nil {
		return false, err
	}
	now := uint32(time.Now().Unix())
	for pid != storage.NoPage {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return false, err
		}
		rec, ok, err := storage.FindLatest(page, key)
		if err != nil {
			return false, err
		}
		if ok {
			return !rec.Tombstone() && !rec.Expired(now), nil
		}
		h, err := storage.KVHeaderRead(page)
		if err != nil {
			return false, err
		}
		pid = h.NextPageID
	}
	return false, nil
}

// GetMany looks up several keys, returning a value (or nil) per key in the
// same order, and the first error encountered (lookups stop at the first
// error but results so far are still returned).
func (db *Db) GetMany(keys [][]byte) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, len(keys))
	if db.keydir == nil {
		for i, k := range keys {
			v, err := db.getLocked(k)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return out, err
			}
			out[i] = v
		}
		return out, nil
	}

	now := uint32(time.Now().Unix())
	byPage := make(map[uint64][]int, len(keys))
	for i, k := range keys {
		e, ok := db.keydir.lookup(k)
		if !ok {
			continue
		}
		byPage[e.pageID] = append(byPage[e.pageID], i)
	}
	for pid, idxs := range byPage {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return out, err
		}
		for _, i := range idxs {
			e, _ := db.keydir.lookup(keys[i])
			rec, err := storage.ReadRecordAt(page, e.offset)
			if err != nil {
				return out, err
			}
			if string(rec.Key) != string(keys[i]) {
				continue
			}
			v, err := db.materialize(rec, now)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return out, err
			}
			out[i] = v
		}
	}
	return out, nil
}

// ExistsMany reports liveness for several keys in one pass. With the keydir
// enabled, each key's indexed record is read and checked for tombstone and
// TTL one key at a time (one ReadPage per key; lookups are not grouped by
// page). Without it, keys are grouped by bucket so each chain is walked once.
func (db *Db) ExistsMany(keys [][]byte) ([]bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	out := make([]bool, len(keys))
	if db.keydir != nil {
		now := uint32(time.Now().Unix())
		for i, k := range keys {
			e, ok := db.keydir.lookup(k)
			if !ok {
				continue
			}
			page, err := db.pager.ReadPage(e.pageID)
			if err != nil {
				return out, err
			}
			rec, err := storage.ReadRecordAt(page, e.offset)
			if err != nil {
				return out, err
			}
			out[i] = string(rec.Key) == string(k) && !rec.Tombstone() && !rec.Expired(now)
		}
		return out, nil
	}

	byBucket := make(map[uint32][]int, len(keys))
	for i, k := range keys {
		b := db.dir.BucketOfKey(k)
		byBucket[b] = append(byBucket[b], i)
	}
	now := uint32(time.Now().Unix())
	for bucket, idxs := range byBucket {
		pid, err := db.dir.Head(bucket)
		if err != nil {
			return out, err
		}
		remaining := make(map[int]bool, len(idxs))
		for _, i := range idxs {
			remaining[i] = true
		}
		for pid != storage.NoPage && len(remaining) > 0 {
			page, err := db.pager.ReadPage(pid)
			if err != nil {
				return out, err
			}
			for i := range remaining {
				rec, ok, err := storage.FindLatest(page, keys[i])
				if err != nil {
					return out, err
				}
				if ok {
					out[i] = !rec.Tombstone() && !rec.Expired(now)
					delete(remaining, i)
				}
			}
			h, err := storage.KVHeaderRead(page)
			if err != nil {
				return out, err
			}
			pid = h.NextPageID
		}
	}
	return out, nil
}

// BatchOp is one operation in a Batch call.
type BatchOp struct {
	Key    []byte
	Value  []byte // ignored when Delete is true
	TTL    time.Duration
	Delete bool
}

// Batch applies every op under a single WAL commit batch (one fsync),
// providing all-or-nothing durability for the group. Ops touching the same
// bucket are folded into the same page chain walk.
func (db *Db) Batch(ops []BatchOp) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}

	pages := make(map[uint64][]byte)
	heads := make(map[uint32]uint64)
	bucketHead := make(map[uint32]uint64)
	bucketKeys := make(map[uint32][][]byte)
	type opLoc struct {
		key       []byte
		pageID    uint64
		offset    uint16
		tombstone bool
	}
	var locs []opLoc

	for _, op := range ops {
		bucket := db.dir.BucketOfKey(op.Key)
		bucketKeys[bucket] = append(bucketKeys[bucket], op.Key)
		headPID, ok := bucketHead[bucket]
		if !ok {
			h, err := db.dir.Head(bucket)
			if err != nil {
				return err
			}
			headPID = h
			bucketHead[bucket] = headPID
		}

		vflags := byte(0)
		value := op.Value
		var expires uint32
		if op.Delete {
			vflags = storage.VFlagTombstone
			value = nil
		} else {
			if op.TTL > 0 {
				expires = uint32(time.Now().Add(op.TTL).Unix())
			}
			if !storage.InlineFits(int(db.pageSize), len(op.Key), len(value)) {
				head, err := storage.BuildOverflowChain(db.pager, value, int(db.pageSize), db.codec)
				if err != nil {
					return err
				}
				value = storage.EncodeOverflowPlaceholder(uint64(len(op.Value)), head)
				vflags |= storage.VFlagOverflow
			}
		}

		var page []byte
		if headPID != storage.NoPage {
			if staged, ok := pages[headPID]; ok {
				page = staged
			} else {
				cur, err := db.pager.ReadPage(headPID)
				if err != nil {
					return err
				}
				if err := db.freezeBeforeMutate(headPID, cur); err != nil {
					return err
				}
				page = cur
			}
		}

		if page == nil || !storage.RecordFits(page, len(op.Key), len(value)) {
			newPID, err := db.pager.AllocateOnePage()
			if err != nil {
				return err
			}
			fresh := make([]byte, db.pageSize)
			if err := storage.KVPageInit(fresh, newPID, bucketHead[bucket]); err != nil {
				return err
			}
			page = fresh
			bucketHead[bucket] = newPID
			heads[bucket] = newPID
			headPID = newPID
		}

		hBefore, err := storage.KVHeaderRead(page)
		if err != nil {
			return err
		}
		recOffset := hBefore.DataStart
		if err := storage.AppendRecord(page, op.Key, value, expires, vflags); err != nil {
			return err
		}
		pages[headPID] = page
		if db.keydir != nil {
			locs = append(locs, opLoc{key: op.Key, pageID: headPID, offset: recOffset, tombstone: op.Delete})
		}
	}

	lsn, err := db.pager.CommitPagesBatchWithHeads(pages, heads, db.dir)
	if err != nil {
		return err
	}
	if db.bloomSC != nil {
		for bucket, keys := range bucketKeys {
			for _, key := range keys {
				if bErr := db.bloomSC.AddKey(bucket, key, lsn); bErr != nil {
					db.log.Warn().Err(bErr).Uint32("bucket", bucket).Msg("kv: bloom delta-update failed, filter may go stale")
					break
				}
			}
		}
	}
	if db.keydir != nil {
		for _, l := range locs {
			if l.tombstone {
				db.keydir.delete(l.key)
			} else {
				db.keydir.set(l.key, l.pageID, l.offset)
			}
		}
	}
	if db.lazyCompactThreshold > 0 {
		for bucket := range bucketKeys {
			if err := db.lazyCompactBucketIfNeededLocked(bucket); err != nil {
				db.log.Warn().Err(err).Uint32("bucket", bucket).Msg("kv: lazy compaction failed, bucket left as-is")
			}
		}
	}
	return nil
}

// ScanFunc is called once per live key during Scan; returning false stops
// the scan early.
type ScanFunc func(key, value []byte) bool

// Scan walks every bucket's chain and calls fn once for each live
// (non-tombstoned, non-expired) key that starts with prefix, newest record
// per key. A nil or empty prefix matches every key. Overflow values are
// materialized before fn is called.
func (db *Db) Scan(prefix []byte, fn ScanFunc) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	now := uint32(time.Now().Unix())
	for bucket := uint32(0); bucket < db.dir.BucketCount(); bucket++ {
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
			recs, err := storage.AllLatest(page)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				k := string(rec.Key)
				if seen[k] {
					continue
				}
				seen[k] = true
				if len(prefix) > 0 && !bytes.HasPrefix(rec.Key, prefix) {
					continue
				}
				if rec.Tombstone() || rec.Expired(now) {
					continue
				}
				val, err := db.materialize(rec, now)
				if err != nil {
					return err
				}
				if !fn(rec.Key, val) {
					return nil
				}
			}
			h, err := storage.KVHeaderRead(page)
			if err != nil {
				return err
			}
			pid = h.NextPageID
		}
	}
	return nil
}

// CompactBucket rewrites a single bucket's chain into the minimum number of
// fresh pages holding only its live, non-tombstoned, non-expired keys, then
// frees every page in the old chain. It commits the new chain and the
// directory head update atomically before releasing old pages, so a crash
// mid-compaction leaves the bucket in either its pre- or post-compaction
// state, never a torn mix.
func (db *Db) CompactBucket(bucket uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.compactBucketLocked(bucket)
}

// compactBucketLocked is CompactBucket's body, callable from paths (lazy
// compaction after a write) that already hold db.mu.
func (db *Db) compactBucketLocked(bucket uint32) error {
	oldHead, err := db.dir.Head(bucket)
	if err != nil {
		return err
	}
	if oldHead == storage.NoPage {
		return nil
	}

	now := uint32(time.Now().Unix())
	seen := make(map[string]bool)
	var live []storage.Record
	var oldPages []uint64
	pid := oldHead
	for pid != storage.NoPage {
		oldPages = append(oldPages, pid)
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return err
		}
		recs, err := storage.AllLatest(page)
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
			live = append(live, rec)
		}
		h, err := storage.KVHeaderRead(page)
		if err != nil {
			return err
		}
		pid = h.NextPageID
	}

	pages := make(map[uint64][]byte)
	var newHead uint64 = storage.NoPage
	var cur []byte
	curPID := uint64(0)
	type relocated struct {
		key    []byte
		pageID uint64
		offset uint16
	}
	var moved []relocated
	for _, rec := range live {
		if cur == nil || !storage.RecordFits(cur, len(rec.Key), len(rec.Value)) {
			newPID, err := db.pager.AllocateOnePage()
			if err != nil {
				return err
			}
			fresh := make([]byte, db.pageSize)
			if err := storage.KVPageInit(fresh, newPID, newHead); err != nil {
				return err
			}
			pages[newPID] = fresh
			cur = fresh
			curPID = newPID
			newHead = newPID
		}
		hBefore, err := storage.KVHeaderRead(cur)
		if err != nil {
			return err
		}
		recOffset := hBefore.DataStart
		if err := storage.AppendRecord(cur, rec.Key, rec.Value, rec.ExpiresAtSec, rec.VFlags); err != nil {
			return err
		}
		if db.keydir != nil {
			moved = append(moved, relocated{key: rec.Key, pageID: curPID, offset: recOffset})
		}
	}

	heads := map[uint32]uint64{bucket: newHead}
	if _, err := db.pager.CommitPagesBatchWithHeads(pages, heads, db.dir); err != nil {
		return err
	}

	for _, old := range oldPages {
		if oldPage, err := db.pager.ReadPage(old); err == nil {
			if err := db.freezeBeforeMutate(old, oldPage); err != nil {
				db.log.Warn().Err(err).Uint64("page_id", old).Msg("failed to freeze page before compaction free")
			}
		}
		if db.keydir != nil {
			db.keydir.forgetPage(old)
		}
		if err := db.pager.FreePage(old); err != nil {
			db.log.Warn().Err(err).Uint64("page_id", old).Msg("failed to free compacted page")
		}
	}
	if db.keydir != nil {
		for _, m := range moved {
			db.keydir.set(m.key, m.pageID, m.offset)
		}
	}
	return nil
}

// CompactAll compacts every bucket in the directory.
func (db *Db) CompactAll() error {
	count := db.dir.BucketCount()
	for b := uint32(0); b < count; b++ {
		if err := db.CompactBucket(b); err != nil {
			return fmt.Errorf("kv: compact bucket %d: %w", b, err)
		}
	}
	return nil
}
