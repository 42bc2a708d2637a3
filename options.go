// Package quiverdb is the top-level entry point for the embedded key-value
// store: Open/Init wire the storage pager, KV engine, Bloom sidecar,
// snapshot manager and TDE key resolution together behind a single Options
// struct, the way novusdb's api.Open wires its pager/executor/lockMgr/
// indexMgr for the SQL-like engine this module is forked from.
package quiverdb

import (
	"fmt"

	"github.com/artemonad/quiverdb/storage"
)

// Options configures Init/Open. It is the single config surface for the
// whole module: there is no file-based config parser (TOML/JSON/YAML)
// here, matching the AMBIENT STACK decision to keep configuration a plain
// Go struct constructed and validated by the embedding application.
type Options struct {
	// Root is the database directory. Required.
	Root string

	PageSize     uint32
	Buckets      uint32
	HashKind     storage.HashKind
	ChecksumKind storage.ChecksumKind
	CodecDefault storage.Codec
	DataFsync    bool

	// TDEEnabled turns on page-level AES-256-GCM encryption. TDEKeyHint
	// selects a key ring KID explicitly; empty defers to the journal's
	// active KID, then to raw-DEK env vars (see crypto.ResolveTDEKey).
	TDEEnabled bool
	TDEKeyHint string

	OverflowThresholdBytes int
	MaxValueBytes          uint64
	CachePages             int // private page cache capacity; 0 shares the process-wide cache

	// PreallocPages reserves extra slack pages on each allocation burst's
	// last touched segment, bounded by segment size, trading a little disk
	// slack for fewer segment-growth syscalls under write-heavy load.
	PreallocPages int
	// StrictReadBeyondAlloc rejects reads of a page id the pager has not
	// yet allocated instead of trusting a long-enough segment file.
	StrictReadBeyondAlloc bool

	// BloomEnabled provisions (or opens) a <root>/bloom.bin sidecar and
	// attaches it to the Db so Get/Exists/Put consult and delta-update it.
	BloomEnabled        bool
	BloomBytesPerBucket uint32
	BloomKHashes        uint32

	// SnapshotsEnabled attaches a snapshot.Manager so BeginSnapshot works
	// and in-place page mutations freeze pre-images for pinned snapshots.
	SnapshotsEnabled bool
	SnapshotPersist  bool // registry survives process restarts
	SnapshotDedup    bool // route frozen pages through a content-addressed SnapStore

	// StrictAEADFallback rejects any AEAD trailer verification failure
	// outright instead of allowing a CRC-only fallback for pages written
	// under a retired key epoch (spec.md §4.1). Only meaningful alongside
	// TDEEnabled; the key journal supplying epoch history is opened
	// automatically when this is left false and TDEEnabled is set.
	StrictAEADFallback bool
	// StrictZeroCRC rejects a zero-valued CRC trailer instead of treating
	// it as valid (spec.md §6).
	StrictZeroCRC bool
	// CoalesceMs lets concurrent commits land in the same WAL fsync by
	// having the first committer sleep this long before flushing
	// (spec.md §4.2/§5/§6's group-commit window). 0 disables coalescing.
	CoalesceMs int

	// KeydirEnabled builds an in-memory key -> (page_id, offset) index on
	// Open/OpenReadOnly, turning Get/Exists/GetMany/ExistsMany into a
	// single page read instead of a bucket-chain walk (spec.md §2/§4.4/§5).
	KeydirEnabled bool
	// LazyCompactThreshold, when > 0, has every Put/Batch check the
	// touched bucket's chain length afterward and compact it once it
	// reaches this many pages (spec.md §4.4's lazy_compact_bucket_if_needed).
	LazyCompactThreshold int
}

// normalize fills zero-valued fields with the engine's defaults and
// rejects combinations that would otherwise fail deeper in the stack with
// a less useful error, mirroring the teacher's practice of validating
// close to the public entry point rather than deep inside the pager.
func (o *Options) normalize() error {
	if o.Root == "" {
		return fmt.Errorf("quiverdb: Options.Root is required")
	}
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.Buckets == 0 {
		o.Buckets = 4096
	}
	if o.HashKind == storage.HashInvalid {
		o.HashKind = storage.HashXx64Seed0
	}
	if o.BloomEnabled {
		if o.BloomBytesPerBucket == 0 {
			o.BloomBytesPerBucket = 8 // 64 bits/bucket
		}
		if o.BloomKHashes == 0 {
			o.BloomKHashes = 4
		}
	}
	return nil
}
