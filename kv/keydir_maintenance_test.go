package kv

import (
	"bytes"
	"testing"

	"github.com/artemonad/quiverdb/storage"
)

func openKeydirTestDB(t *testing.T) *Db {
	t.Helper()
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, KeydirEnabled: true}
	if err := InitDB(opts); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeydirFastPathGetAndExists(t *testing.T) {
	db := openKeydirTestDB(t)
	if db.keydir == nil {
		t.Fatalf("KeydirEnabled: db.keydir is nil")
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get([]byte("a"))
	if err != nil || string(got) != "1" {
		t.Fatalf("Get = %q, %v; want 1, nil", got, err)
	}
	ok, err := db.Exists([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Exists(a) = %v, %v; want true, nil", ok, err)
	}
	ok, err = db.Exists([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := db.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("a")); err != ErrNotFound {
		t.Fatalf("Get(a) after delete = %v, want ErrNotFound", err)
	}
	if _, ok := db.keydir.lookup([]byte("a")); ok {
		t.Fatalf("keydir still holds an entry for a deleted key")
	}
}

func TestKeydirRebuildOnReopen(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, KeydirEnabled: true}
	if err := InitDB(opts); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		if err := db.Put(k, []byte("v")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if db2.keydir.len() != 20 {
		t.Fatalf("rebuilt keydir has %d entries, want 20", db2.keydir.len())
	}
	got, err := db2.Get([]byte{'a'})
	if err != nil || string(got) != "v" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}

func TestGetManyExistsManyGroupByPageWithKeydir(t *testing.T) {
	db := openKeydirTestDB(t)
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := db.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	vals, err := db.GetMany([][]byte{[]byte("a"), []byte("missing"), []byte("c")})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if string(vals[0]) != "1" || vals[1] != nil || string(vals[2]) != "3" {
		t.Fatalf("GetMany = %v", vals)
	}
	exist, err := db.ExistsMany([][]byte{[]byte("b"), []byte("missing")})
	if err != nil {
		t.Fatalf("ExistsMany: %v", err)
	}
	if !exist[0] || exist[1] {
		t.Fatalf("ExistsMany = %v, want [true false]", exist)
	}
}

func TestScanPrefixFiltersKeys(t *testing.T) {
	db := openTestDB(t)
	for _, kv := range [][2]string{
		{"user:1", "a"}, {"user:2", "b"}, {"order:1", "c"},
	} {
		if err := db.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	seen := map[string]string{}
	if err := db.Scan([]byte("user:"), func(k, v []byte) bool {
		seen[string(k)] = string(v)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 2 || seen["user:1"] != "a" || seen["user:2"] != "b" {
		t.Fatalf("Scan(prefix) result = %+v, want user:1=a,user:2=b", seen)
	}

	all := map[string]string{}
	if err := db.Scan(nil, func(k, v []byte) bool {
		all[string(k)] = string(v)
		return true
	}); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Scan(nil) result = %+v, want 3 entries", all)
	}
}

func TestLazyCompactBucketIfNeeded(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, LazyCompactThreshold: 3}
	if err := InitDB(opts); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	key := []byte("hot-key")
	for i := 0; i < 50; i++ {
		if err := db.Put(key, bytes.Repeat([]byte{byte(i)}, 512)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	bucket := db.dir.BucketOfKey(key)
	n, err := db.bucketChainLen(bucket)
	if err != nil {
		t.Fatalf("bucketChainLen: %v", err)
	}
	if n > opts.LazyCompactThreshold {
		t.Fatalf("bucket chain length = %d, want <= lazyCompactThreshold %d after lazy compaction", n, opts.LazyCompactThreshold)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get after lazy compaction: %v", err)
	}
	if len(got) != 512 || got[0] != 49 {
		t.Fatalf("Get after lazy compaction = %v, want latest value", got[:1])
	}
}

func TestAutoMaintenanceCompactsAndReports(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, LazyCompactThreshold: 1000}
	if err := InitDB(opts); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	key := []byte("hot-key")
	for i := 0; i < 50; i++ {
		if err := db.Put(key, []byte{byte(i)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	db.lazyCompactThreshold = 3
	rep, err := db.AutoMaintenance(0, true)
	if err != nil {
		t.Fatalf("AutoMaintenance: %v", err)
	}
	if rep.BucketsInspected == 0 {
		t.Fatalf("AutoMaintenance inspected 0 buckets")
	}
	if rep.BucketsCompacted == 0 {
		t.Fatalf("AutoMaintenance report = %+v, want at least one bucket compacted", rep)
	}
	got, err := db.Get(key)
	if err != nil || len(got) != 1 || got[0] != 49 {
		t.Fatalf("Get after AutoMaintenance = %v, %v; want [49], nil", got, err)
	}
}

func TestSweepOrphanOverflowFreesUnreachableChain(t *testing.T) {
	db := openTestDB(t)
	key := []byte("big")
	big := bytes.Repeat([]byte("x"), 8192)
	if err := db.Put(key, big); err != nil {
		t.Fatalf("Put overflow value: %v", err)
	}
	if err := db.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rep, err := db.AutoMaintenance(0, true)
	if err != nil {
		t.Fatalf("AutoMaintenance: %v", err)
	}
	if rep.OrphanPagesFreed == 0 {
		t.Fatalf("AutoMaintenance report = %+v, want the deleted value's overflow pages freed", rep)
	}
	if _, err := db.Get(key); err != ErrNotFound {
		t.Fatalf("Get(key) after delete+sweep = %v, want ErrNotFound", err)
	}
}

func TestDoctorReportsOKPages(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		if err := db.Put(k, []byte("v")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	rep := db.Doctor(storage.DoctorOptions{})
	if rep.TotalPages == 0 {
		t.Fatalf("Doctor report has 0 total pages")
	}
	if rep.IOFail != 0 || rep.CRCFail != 0 {
		t.Fatalf("Doctor report = %+v, want no IO/CRC failures on a healthy db", rep)
	}
	if rep.OKPages == 0 {
		t.Fatalf("Doctor report = %+v, want at least one OK page", rep)
	}
}
