package storage

import "testing"

func newTestKVPage(t *testing.T) []byte {
	t.Helper()
	page := make([]byte, 4096)
	if err := KVPageInit(page, 1, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	return page
}

func TestAppendAndFindLatest(t *testing.T) {
	page := newTestKVPage(t)
	if err := AppendRecord(page, []byte("a"), []byte("1"), 0, 0); err != nil {
		t.Fatalf("append a=1: %v", err)
	}
	if err := AppendRecord(page, []byte("b"), []byte("2"), 0, 0); err != nil {
		t.Fatalf("append b=2: %v", err)
	}
	// Newer write for "a" must win over the older one.
	if err := AppendRecord(page, []byte("a"), []byte("3"), 0, 0); err != nil {
		t.Fatalf("append a=3: %v", err)
	}

	rec, ok, err := FindLatest(page, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("FindLatest(a) = %v, %v, %v", rec, ok, err)
	}
	if string(rec.Value) != "3" {
		t.Fatalf("FindLatest(a).Value = %q, want %q", rec.Value, "3")
	}

	rec, ok, err = FindLatest(page, []byte("b"))
	if err != nil || !ok || string(rec.Value) != "2" {
		t.Fatalf("FindLatest(b) = %v, %v, %v", rec, ok, err)
	}

	_, ok, err = FindLatest(page, []byte("missing"))
	if err != nil {
		t.Fatalf("FindLatest(missing): %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to not be found")
	}
}

func TestTombstoneWins(t *testing.T) {
	page := newTestKVPage(t)
	if err := AppendRecord(page, []byte("k"), []byte("v"), 0, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendRecord(page, []byte("k"), nil, 0, VFlagTombstone); err != nil {
		t.Fatalf("append tombstone: %v", err)
	}
	rec, ok, err := FindLatest(page, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("FindLatest: %v, %v, %v", rec, ok, err)
	}
	if !rec.Tombstone() {
		t.Fatalf("expected newest record to be a tombstone")
	}
}

func TestExpired(t *testing.T) {
	rec := Record{ExpiresAtSec: 100}
	if !rec.Expired(100) {
		t.Fatalf("expected record to be expired at exactly its expiry second")
	}
	if rec.Expired(99) {
		t.Fatalf("expected record to not be expired before its expiry second")
	}
	rec.ExpiresAtSec = 0
	if rec.Expired(1 << 30) {
		t.Fatalf("zero ExpiresAtSec must mean no expiry")
	}
}

func TestAllLatestDedups(t *testing.T) {
	page := newTestKVPage(t)
	_ = AppendRecord(page, []byte("a"), []byte("1"), 0, 0)
	_ = AppendRecord(page, []byte("b"), []byte("2"), 0, 0)
	_ = AppendRecord(page, []byte("a"), []byte("3"), 0, 0)

	recs, err := AllLatest(page)
	if err != nil {
		t.Fatalf("AllLatest: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	vals := map[string]string{}
	for _, r := range recs {
		vals[string(r.Key)] = string(r.Value)
	}
	if vals["a"] != "3" || vals["b"] != "2" {
		t.Fatalf("unexpected values: %+v", vals)
	}
}

func TestAppendRecordTooBig(t *testing.T) {
	page := newTestKVPage(t)
	big := make([]byte, 8192)
	if err := AppendRecord(page, []byte("k"), big, 0, 0); err != ErrRecordTooBig {
		t.Fatalf("AppendRecord with oversized value = %v, want ErrRecordTooBig", err)
	}
}

func TestInlineFits(t *testing.T) {
	if !InlineFits(4096, 3, 10) {
		t.Fatalf("expected a tiny record to fit inline")
	}
	if InlineFits(4096, 3, 1<<20) {
		t.Fatalf("expected a 1MiB value to not fit inline in a 4KiB page")
	}
}
