package kv

import (
	"fmt"

	"github.com/artemonad/quiverdb/snapshot"
)

// CreatePersisted writes a content-addressed, on-disk snapshot of the
// database's current state and returns its id, per spec.md §4.6. Requires
// a snapshot manager attached via SetSnapshotManager.
func (db *Db) CreatePersisted(opts snapshot.CreatePersistedOptions) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return "", ErrClosed
	}
	if db.snapMgr == nil {
		return "", fmt.Errorf("kv: no snapshot manager attached")
	}
	store := db.snapMgr.Store(db.pageSize)
	if store == nil {
		return "", fmt.Errorf("kv: failed to open snapstore for persisted snapshot")
	}
	return snapshot.CreatePersisted(db.pager, db.dir, store, opts)
}

// DeletePersisted releases a persisted snapshot's hold on its SnapStore
// objects and removes its manifest, per spec.md §4.6.
func (db *Db) DeletePersisted(id string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if db.snapMgr == nil {
		return fmt.Errorf("kv: no snapshot manager attached")
	}
	store := db.snapMgr.Store(db.pageSize)
	if store == nil {
		return fmt.Errorf("kv: failed to open snapstore for persisted snapshot")
	}
	return snapshot.DeletePersisted(store, store.Dir(), id)
}

// RestorePersisted reconstructs a fresh, independent database at dstRoot
// from a persisted snapshot taken against this one, per spec.md §4.6.
func (db *Db) RestorePersisted(dstRoot, id string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if db.snapMgr == nil {
		return fmt.Errorf("kv: no snapshot manager attached")
	}
	store := db.snapMgr.Store(db.pageSize)
	if store == nil {
		return fmt.Errorf("kv: failed to open snapstore for persisted snapshot")
	}
	return snapshot.Restore(dstRoot, store.Dir(), id, store)
}
