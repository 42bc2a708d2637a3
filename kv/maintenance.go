package kv

import (
	"time"

	"github.com/artemonad/quiverdb/storage"
)

// lazyCompactBucketIfNeededLocked compacts bucket in place once its chain
// reaches lazyCompactThreshold pages, amortizing compaction cost across
// writes instead of requiring an explicit CompactBucket/CompactAll call
// (spec.md §4.4's "lazy_compact_bucket_if_needed"). Callers already hold
// db.mu for writing.
func (db *Db) lazyCompactBucketIfNeededLocked(bucket uint32) error {
	pid, err := db.dir.Head(bucket)
	if err != nil {
		return err
	}
	n := 0
	for pid != storage.NoPage {
		if n+1 >= db.lazyCompactThreshold {
			return db.compactBucketLocked(bucket)
		}
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return err
		}
		h, err := storage.KVHeaderRead(page)
		if err != nil {
			return err
		}
		n++
		pid = h.NextPageID
	}
	return nil
}

// MaintenanceReport summarizes one AutoMaintenance pass.
type MaintenanceReport struct {
	BucketsInspected int
	BucketsCompacted int
	OrphanPagesFreed int
}

// AutoMaintenance inspects up to maxBuckets bucket chains (0 means every
// bucket) and lazily compacts any that reach lazyCompactThreshold, then,
// if doSweep is set, reclaims unreachable overflow pages via
// sweepOrphanOverflowLocked. Grounded on spec.md §4.4's
// "auto_maintenance(max_buckets, do_sweep)" background-maintenance entry
// point.
func (db *Db) AutoMaintenance(maxBuckets int, doSweep bool) (MaintenanceReport, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return MaintenanceReport{}, ErrClosed
	}

	var rep MaintenanceReport
	total := db.dir.BucketCount()
	n := total
	if maxBuckets > 0 && uint32(maxBuckets) < n {
		n = uint32(maxBuckets)
	}
	for bucket := uint32(0); bucket < n; bucket++ {
		rep.BucketsInspected++
		before, err := db.bucketChainLen(bucket)
		if err != nil {
			return rep, err
		}
		if before < db.lazyCompactThreshold {
			continue
		}
		if err := db.compactBucketLocked(bucket); err != nil {
			return rep, err
		}
		rep.BucketsCompacted++
	}

	if doSweep {
		freed, err := db.sweepOrphanOverflowLocked()
		if err != nil {
			return rep, err
		}
		rep.OrphanPagesFreed = freed
	}
	return rep, nil
}

func (db *Db) bucketChainLen(bucket uint32) (int, error) {
	pid, err := db.dir.Head(bucket)
	if err != nil {
		return 0, err
	}
	n := 0
	for pid != storage.NoPage {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return 0, err
		}
		h, err := storage.KVHeaderRead(page)
		if err != nil {
			return 0, err
		}
		n++
		pid = h.NextPageID
	}
	return n, nil
}

// sweepOrphanOverflowLocked marks every overflow page reachable from a live
// (non-tombstoned, non-expired) KV record's placeholder, then frees any
// PageTypeOverflow3 page in [0, NextPageID) that is neither reachable nor
// already on the free list. This reclaims overflow chains left behind by a
// crash between writing the chain and committing the KV record that points
// at it (spec.md §4.4's "sweep_orphan_overflow").
func (db *Db) sweepOrphanOverflowLocked() (int, error) {
	reachable := make(map[uint64]bool)
	count := db.dir.BucketCount()
	now := uint32(time.Now().Unix())
	for bucket := uint32(0); bucket < count; bucket++ {
		pid, err := db.dir.Head(bucket)
		if err != nil {
			return 0, err
		}
		seen := make(map[string]bool)
		for pid != storage.NoPage {
			page, err := db.pager.ReadPage(pid)
			if err != nil {
				return 0, err
			}
			recs, err := storage.AllLatest(page)
			if err != nil {
				return 0, err
			}
			for _, rec := range recs {
				k := string(rec.Key)
				if seen[k] {
					continue
				}
				seen[k] = true
				if rec.Tombstone() || rec.Expired(now) || !rec.Overflow() {
					continue
				}
				_, head, err := storage.DecodeOverflowPlaceholder(rec.Value)
				if err != nil {
					return 0, err
				}
				if err := db.markOverflowChainReachable(reachable, head); err != nil {
					return 0, err
				}
			}
			h, err := storage.KVHeaderRead(page)
			if err != nil {
				return 0, err
			}
			pid = h.NextPageID
		}
	}

	fl, err := storage.OpenFreeList(db.root)
	if err != nil {
		return 0, err
	}
	members, err := fl.Members()
	if err != nil {
		return 0, err
	}

	meta := db.pager.Meta()
	freed := 0
	for pid := uint64(0); pid < meta.NextPageID; pid++ {
		if reachable[pid] || members[pid] {
			continue
		}
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			continue
		}
		pt, err := storage.PageType(page)
		if err != nil || pt != storage.PageTypeOverflow3 {
			continue
		}
		if err := db.pager.FreePage(pid); err != nil {
			return freed, err
		}
		if db.keydir != nil {
			db.keydir.forgetPage(pid)
		}
		freed++
	}
	return freed, nil
}

func (db *Db) markOverflowChainReachable(reachable map[uint64]bool, head uint64) error {
	pid := head
	for pid != storage.NoPage {
		if reachable[pid] {
			return nil
		}
		reachable[pid] = true
		page, err := db.pager.ReadPageForOverflow(pid)
		if err != nil {
			return err
		}
		h, err := storage.OVFHeaderRead(page)
		if err != nil {
			return err
		}
		pid = h.NextPageID
	}
	return nil
}

// Doctor runs a direct, cache-bypassing verification sweep over every
// allocated page, per spec.md §4.4's Doctor subsystem.
func (db *Db) Doctor(opts storage.DoctorOptions) storage.DoctorReport {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.pager.Doctor(opts)
}
