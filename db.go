package quiverdb

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/artemonad/quiverdb/bloom"
	"github.com/artemonad/quiverdb/crypto"
	"github.com/artemonad/quiverdb/kv"
	"github.com/artemonad/quiverdb/snapshot"
	"github.com/artemonad/quiverdb/storage"
)

// ErrNotFound re-exports kv.ErrNotFound so callers that only import the
// top-level package can still errors.Is against it.
var ErrNotFound = kv.ErrNotFound

// ErrClosed re-exports kv.ErrClosed for the same reason.
var ErrClosed = kv.ErrClosed

// Db is a single opened database: the KV engine plus whichever optional
// sidecars Options turned on (Bloom, snapshots). Replication (Ship/Apply)
// and key-ring provisioning operate on a root directory directly and are
// intentionally not methods on Db — see the replication and crypto
// packages.
type Db struct {
	*kv.Db

	bloomSC *bloom.Sidecar
	snapMgr *snapshot.Manager
}

// EndSnapshot releases a snapshot opened via BeginSnapshot, so callers
// holding a *Db never need to keep the underlying *snapshot.Manager around
// themselves just to close what they opened.
func (db *Db) EndSnapshot(h *snapshot.Handle) error {
	if db.snapMgr == nil {
		return fmt.Errorf("quiverdb: no snapshot manager attached")
	}
	return h.Close(db.snapMgr)
}

// Init creates a brand-new, empty database directory per opts, plus
// whichever sidecars opts enables. It must be called exactly once per
// root before the first Open.
func Init(opts Options) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	if err := kv.InitDB(kv.Options{
		Root:                   opts.Root,
		PageSize:               opts.PageSize,
		Buckets:                opts.Buckets,
		HashKind:               opts.HashKind,
		ChecksumKind:           opts.ChecksumKind,
		CodecDefault:           opts.CodecDefault,
		DataFsync:              opts.DataFsync,
		TDEEnabled:             opts.TDEEnabled,
		OverflowThresholdBytes: opts.OverflowThresholdBytes,
		MaxValueBytes:          opts.MaxValueBytes,
	}); err != nil {
		return fmt.Errorf("quiverdb: init: %w", err)
	}
	if opts.BloomEnabled {
		if _, err := bloom.Create(opts.Root, bloom.Meta{
			Buckets:        opts.Buckets,
			BytesPerBucket: opts.BloomBytesPerBucket,
			KHashes:        opts.BloomKHashes,
		}); err != nil {
			return fmt.Errorf("quiverdb: init bloom sidecar: %w", err)
		}
	}
	return nil
}

// Open opens a database directory previously created by Init, wiring up
// the Bloom sidecar and snapshot manager opts requests and resolving a TDE
// key when Options.TDEEnabled is set.
func Open(opts Options) (*Db, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	var tdeKey *[32]byte
	var epochs storage.EpochLookup
	if opts.TDEEnabled {
		key, err := crypto.ResolveTDEKey(opts.Root, opts.TDEKeyHint)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: resolve tde key: %w", err)
		}
		tdeKey = key

		journal, err := crypto.OpenKeyJournal(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: open key journal: %w", err)
		}
		epochs = journal
	}

	var cache *storage.PageCache
	if opts.CachePages > 0 {
		c, err := storage.NewPageCache(opts.CachePages)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: create page cache: %w", err)
		}
		cache = c
	}

	inner, err := kv.Open(kv.Options{
		Root:                   opts.Root,
		PageSize:               opts.PageSize,
		Buckets:                opts.Buckets,
		HashKind:               opts.HashKind,
		ChecksumKind:           opts.ChecksumKind,
		CodecDefault:           opts.CodecDefault,
		DataFsync:              opts.DataFsync,
		TDEEnabled:             opts.TDEEnabled,
		TDEKey:                 tdeKey,
		OverflowThresholdBytes: opts.OverflowThresholdBytes,
		PageCache:              cache,
		MaxValueBytes:          opts.MaxValueBytes,
		PreallocPages:          opts.PreallocPages,
		StrictReadBeyondAlloc:  opts.StrictReadBeyondAlloc,
		Epochs:                 epochs,
		StrictAEADFallback:     opts.StrictAEADFallback,
		StrictZeroCRC:          opts.StrictZeroCRC,
		CoalesceMs:             opts.CoalesceMs,
		KeydirEnabled:          opts.KeydirEnabled,
		LazyCompactThreshold:   opts.LazyCompactThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("quiverdb: %w", err)
	}

	db := &Db{Db: inner}

	if opts.BloomEnabled {
		sc, err := bloom.OpenOrCreate(opts.Root, opts.Buckets, opts.BloomBytesPerBucket, opts.BloomKHashes)
		if err != nil {
			inner.Close()
			return nil, fmt.Errorf("quiverdb: open bloom sidecar: %w", err)
		}
		db.bloomSC = sc
		db.SetBloom(sc)
	}

	if opts.SnapshotsEnabled {
		mgr := snapshot.NewManager(opts.Root, opts.SnapshotPersist, opts.SnapshotDedup)
		db.snapMgr = mgr
		db.SetSnapshotManager(mgr)
	}

	return db, nil
}

// OpenReadOnly opens a database rejecting all writes. A Bloom sidecar is
// still wired in to accelerate Get. Snapshots are not wired here: with no
// writes coming through this handle there is nothing for FreezeIfNeeded
// to protect, and BeginSnapshot's pinned view would be redundant with a
// plain Get against the read-only pager.
func OpenReadOnly(opts Options) (*Db, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	var tdeKey *[32]byte
	var epochs storage.EpochLookup
	if opts.TDEEnabled {
		key, err := crypto.ResolveTDEKey(opts.Root, opts.TDEKeyHint)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: resolve tde key: %w", err)
		}
		tdeKey = key

		journal, err := crypto.OpenKeyJournal(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: open key journal: %w", err)
		}
		epochs = journal
	}

	inner, err := kv.OpenReadOnly(kv.Options{
		Root:               opts.Root,
		PageSize:           opts.PageSize,
		Buckets:            opts.Buckets,
		HashKind:           opts.HashKind,
		ChecksumKind:       opts.ChecksumKind,
		CodecDefault:       opts.CodecDefault,
		TDEEnabled:         opts.TDEEnabled,
		TDEKey:             tdeKey,
		Epochs:             epochs,
		StrictAEADFallback: opts.StrictAEADFallback,
		StrictZeroCRC:      opts.StrictZeroCRC,
		KeydirEnabled:      opts.KeydirEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("quiverdb: %w", err)
	}

	db := &Db{Db: inner}

	if opts.BloomEnabled {
		sc, err := bloom.Open(opts.Root)
		if err != nil {
			log.Warn().Err(err).Str("root", opts.Root).Msg("quiverdb: bloom sidecar unavailable in read-only open, continuing without it")
		} else {
			db.bloomSC = sc
			db.SetBloom(sc)
		}
	}

	return db, nil
}
