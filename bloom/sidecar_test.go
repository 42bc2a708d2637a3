package bloom

import "testing"

func TestCreateOpenRoundTripHeader(t *testing.T) {
	root := t.TempDir()
	sc, err := Create(root, Meta{Buckets: 16, BytesPerBucket: 64, KHashes: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sc.Meta().Seed1 != DefaultSeed1 || sc.Meta().Seed2 != DefaultSeed2 {
		t.Fatalf("expected default seeds to be filled in")
	}

	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Meta() != sc.Meta() {
		t.Fatalf("Open meta = %+v, want %+v", reopened.Meta(), sc.Meta())
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	root := t.TempDir()
	if _, err := Create(root, Meta{Buckets: 4, BytesPerBucket: 8, KHashes: 2}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Create(root, Meta{Buckets: 4, BytesPerBucket: 8, KHashes: 2}); err != ErrAlreadyExists {
		t.Fatalf("second Create = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateBucketKeysAndTest(t *testing.T) {
	root := t.TempDir()
	sc, err := Create(root, Meta{Buckets: 8, BytesPerBucket: 64, KHashes: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	if err := sc.UpdateBucketKeys(3, keys, 42); err != nil {
		t.Fatalf("UpdateBucketKeys: %v", err)
	}

	for _, k := range keys {
		ok, err := sc.Test(3, k)
		if err != nil {
			t.Fatalf("Test(%q): %v", k, err)
		}
		if !ok {
			t.Fatalf("Test(%q) = false, want true (key was added)", k)
		}
	}

	if !sc.IsFreshFor(42) {
		t.Fatalf("expected sidecar to be fresh for lsn 42 after update")
	}
	if sc.IsFreshFor(43) {
		t.Fatalf("expected sidecar to be stale for a different lsn")
	}
}

func TestTestRejectsOutOfRangeBucket(t *testing.T) {
	root := t.TempDir()
	sc, err := Create(root, Meta{Buckets: 4, BytesPerBucket: 8, KHashes: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sc.Test(10, []byte("k")); err != ErrBucketRange {
		t.Fatalf("Test(out of range) = %v, want ErrBucketRange", err)
	}
}

func TestOpenOrCreateIdempotent(t *testing.T) {
	root := t.TempDir()
	sc1, err := OpenOrCreate(root, 8, 32, 3)
	if err != nil {
		t.Fatalf("OpenOrCreate (create): %v", err)
	}
	sc2, err := OpenOrCreate(root, 8, 32, 3)
	if err != nil {
		t.Fatalf("OpenOrCreate (open): %v", err)
	}
	if sc1.Meta() != sc2.Meta() {
		t.Fatalf("OpenOrCreate second call returned different meta: %+v vs %+v", sc2.Meta(), sc1.Meta())
	}
}

func TestAddKeyIsIncrementalAndPreservesSiblingBuckets(t *testing.T) {
	root := t.TempDir()
	sc, err := Create(root, Meta{Buckets: 4, BytesPerBucket: 64, KHashes: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := sc.AddKey(1, []byte("alpha"), 10); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := sc.AddKey(1, []byte("beta"), 11); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	for _, k := range [][]byte{[]byte("alpha"), []byte("beta")} {
		ok, err := sc.Test(1, k)
		if err != nil {
			t.Fatalf("Test(%q): %v", k, err)
		}
		if !ok {
			t.Fatalf("Test(%q) = false, want true after AddKey", k)
		}
	}
	if !sc.IsFreshFor(11) {
		t.Fatalf("expected sidecar to be fresh for lsn 11 after second AddKey")
	}

	// A sibling bucket untouched by AddKey must stay empty.
	ok, err := sc.Test(2, []byte("alpha"))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if ok {
		t.Fatalf("Test on untouched bucket = true, want false")
	}
}

func TestEmptyFilterNeverFalsePositivesForUntouchedBucket(t *testing.T) {
	root := t.TempDir()
	sc, err := Create(root, Meta{Buckets: 4, BytesPerBucket: 64, KHashes: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := sc.Test(0, []byte("never-added"))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if ok {
		t.Fatalf("Test on all-zero bits = true, want false")
	}
}
