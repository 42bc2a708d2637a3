package storage

import (
	"path/filepath"
	"testing"
)

func TestWALBatchAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal-000001.log")
	w, err := CreateWAL(path, 0xABCD)
	if err != nil {
		t.Fatalf("CreateWAL: %v", err)
	}

	if err := w.StartBatch(1); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	img := make([]byte, 64)
	for i := range img {
		img[i] = byte(i)
	}
	if err := w.AppendPageImage(1, 42, img); err != nil {
		t.Fatalf("AppendPageImage: %v", err)
	}
	if err := w.AppendHeadsUpdate(1, map[uint32]uint64{3: 42}); err != nil {
		t.Fatalf("AppendHeadsUpdate: %v", err)
	}
	if err := w.EndBatch(1); err != nil {
		t.Fatalf("EndBatch: %v", err)
	}

	recs, err := w.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[0].Type != WALPageImage || recs[0].PageID != 42 {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Type != WALHeadsUpdate {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
	heads, err := HeadsDelta(recs[1].Data)
	if err != nil || heads[3] != 42 {
		t.Fatalf("HeadsDelta = %v, %v; want {3:42}", heads, err)
	}
}

func TestWALUncommittedBatchDiscardedOnReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal-000001.log")
	w, err := CreateWAL(path, 1)
	if err != nil {
		t.Fatalf("CreateWAL: %v", err)
	}
	if err := w.StartBatch(1); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if err := w.AppendPageImage(1, 1, make([]byte, 16)); err != nil {
		t.Fatalf("AppendPageImage: %v", err)
	}
	// No EndBatch: this batch never committed, so Replay must drop it.

	recs, err := w.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0 for an uncommitted batch", len(recs))
	}
}

func TestWALOpenValidatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal-000001.log")
	if _, err := CreateWAL(path, 99); err != nil {
		t.Fatalf("CreateWAL: %v", err)
	}
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if w.StreamID() != 99 {
		t.Fatalf("StreamID() = %d, want 99", w.StreamID())
	}
}
