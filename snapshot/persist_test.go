package snapshot_test

import (
	"fmt"
	"testing"

	"github.com/artemonad/quiverdb/kv"
	"github.com/artemonad/quiverdb/snapshot"
)

// TestPersistedSnapshotRestoreIsolatesLaterWrites mirrors spec.md §8's
// seeded scenario: create a database, take a persisted snapshot, mutate
// the original further, then restore the snapshot into a fresh root and
// confirm it only ever sees state as of the snapshot.
func TestPersistedSnapshotRestoreIsolatesLaterWrites(t *testing.T) {
	db := openTestDB(t)
	mgr := snapshot.NewManager(t.TempDir(), true, true)
	db.SetSnapshotManager(mgr)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		if err := db.Put(key, []byte(fmt.Sprintf("v-%04d", i))); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	id, err := db.CreatePersisted(snapshot.CreatePersistedOptions{Message: "pre-churn"})
	if err != nil {
		t.Fatalf("CreatePersisted: %v", err)
	}

	for i := n; i < n+50; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		if err := db.Put(key, []byte("later")); err != nil {
			t.Fatalf("Put later %d: %v", i, err)
		}
	}
	if err := db.Delete([]byte("k-0001")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	dstRoot := t.TempDir()
	if err := db.RestorePersisted(dstRoot, id); err != nil {
		t.Fatalf("RestorePersisted: %v", err)
	}

	restored, err := kv.Open(kv.Options{Root: dstRoot, PageSize: 4096, Buckets: 16})
	if err != nil {
		t.Fatalf("Open restored db: %v", err)
	}
	defer restored.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		want := fmt.Sprintf("v-%04d", i)
		got, err := restored.Get(key)
		if err != nil {
			t.Fatalf("restored Get(%s): %v", key, err)
		}
		if string(got) != want {
			t.Fatalf("restored Get(%s) = %q, want %q", key, got, want)
		}
	}

	for i := n; i < n+50; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		if _, err := restored.Get(key); err != kv.ErrNotFound {
			t.Fatalf("restored Get(%s) = %v, want ErrNotFound (written after snapshot)", key, err)
		}
	}
}

func TestDeletePersistedReleasesManifest(t *testing.T) {
	db := openTestDB(t)
	storeDir := t.TempDir()
	mgr := snapshot.NewManager(storeDir, true, true)
	db.SetSnapshotManager(mgr)

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	id, err := db.CreatePersisted(snapshot.CreatePersistedOptions{})
	if err != nil {
		t.Fatalf("CreatePersisted: %v", err)
	}
	if _, err := snapshot.LoadManifest(mgr.Store(4096).Dir(), id); err != nil {
		t.Fatalf("LoadManifest before delete: %v", err)
	}

	if err := db.DeletePersisted(id); err != nil {
		t.Fatalf("DeletePersisted: %v", err)
	}
	if _, err := snapshot.LoadManifest(mgr.Store(4096).Dir(), id); err == nil {
		t.Fatalf("LoadManifest after delete succeeded, want error (manifest removed)")
	}
}
