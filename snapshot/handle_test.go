package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artemonad/quiverdb/kv"
	"github.com/artemonad/quiverdb/snapshot"
)

func openTestDB(t *testing.T) *kv.Db {
	t.Helper()
	root := t.TempDir()
	opts := kv.Options{Root: root, PageSize: 4096, Buckets: 16}
	if err := kv.InitDB(opts); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	db, err := kv.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSnapshotGetSeesValueAsOfPinnedLSN(t *testing.T) {
	db := openTestDB(t)
	mgr := snapshot.NewManager(t.TempDir(), false, false)
	db.SetSnapshotManager(mgr)

	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}

	snap, err := db.BeginSnapshot()
	if err != nil {
		t.Fatalf("BeginSnapshot: %v", err)
	}
	defer snap.Close(mgr)

	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	got, ok, err := snap.Get([]byte("k"))
	if err != nil {
		t.Fatalf("snap.Get: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("snap.Get = %q, %v; want v1, true", got, ok)
	}

	live, err := db.Get([]byte("k"))
	if err != nil || string(live) != "v2" {
		t.Fatalf("db.Get = %q, %v; want v2, nil", live, err)
	}
}

func TestSnapshotDoesNotSeeKeyWrittenAfterBegin(t *testing.T) {
	db := openTestDB(t)
	mgr := snapshot.NewManager(t.TempDir(), false, false)
	db.SetSnapshotManager(mgr)

	snap, err := db.BeginSnapshot()
	if err != nil {
		t.Fatalf("BeginSnapshot: %v", err)
	}
	defer snap.Close(mgr)

	if err := db.Put([]byte("new-key"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, err := snap.Get([]byte("new-key"))
	if err != nil {
		t.Fatalf("snap.Get: %v", err)
	}
	if ok {
		t.Fatalf("snapshot unexpectedly saw a key written after Begin")
	}
}

func TestSnapshotScanAllReflectsPinnedState(t *testing.T) {
	db := openTestDB(t)
	mgr := snapshot.NewManager(t.TempDir(), false, false)
	db.SetSnapshotManager(mgr)

	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := db.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	snap, err := db.BeginSnapshot()
	if err != nil {
		t.Fatalf("BeginSnapshot: %v", err)
	}
	defer snap.Close(mgr)

	if err := db.Put([]byte("a"), []byte("99")); err != nil {
		t.Fatalf("Put a overwrite: %v", err)
	}
	if err := db.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete b: %v", err)
	}
	if err := db.Put([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	seen := make(map[string]string)
	if err := snap.ScanAll(func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	}); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	if seen["a"] != "1" {
		t.Fatalf("snapshot scan saw a=%q, want 1", seen["a"])
	}
	if seen["b"] != "2" {
		t.Fatalf("snapshot scan saw b=%q, want 2 (pre-delete)", seen["b"])
	}
	if _, ok := seen["c"]; ok {
		t.Fatalf("snapshot scan unexpectedly saw key c written after Begin")
	}
}

func TestSnapshotEndRemovesFreezeDir(t *testing.T) {
	db := openTestDB(t)
	mgrRoot := t.TempDir()
	mgr := snapshot.NewManager(mgrRoot, false, false)
	db.SetSnapshotManager(mgr)

	snap, err := db.BeginSnapshot()
	if err != nil {
		t.Fatalf("BeginSnapshot: %v", err)
	}
	if err := snap.Close(mgr); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapshot.SnapshotsRoot(mgrRoot), snap.ID())); !os.IsNotExist(err) {
		t.Fatalf("freeze dir still present after Close: stat err = %v", err)
	}
}

func TestBeginSnapshotWithoutManagerErrors(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.BeginSnapshot(); err == nil {
		t.Fatalf("BeginSnapshot without a manager = nil error, want error")
	}
}
