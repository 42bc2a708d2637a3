package storage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetaEncodeDecodeRoundTrip(t *testing.T) {
	m := &MetaHeader{
		Version:       MetaVersion,
		PageSize:      4096,
		Flags:         FlagTDEEnabled,
		HashKind:      HashXx64Seed0,
		CodecDefault:  CodecZstd,
		ChecksumKind:  ChecksumAEAD,
		NextPageID:    123,
		LastLSN:       999,
		CleanShutdown: true,
	}
	buf := EncodeMeta(m)
	got, err := DecodeMeta(buf)
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !got.TDEEnabled() {
		t.Fatalf("expected TDEEnabled() true")
	}
}

func TestInitMetaAndReadMeta(t *testing.T) {
	dir := t.TempDir()
	m, err := InitMeta(dir, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false)
	if err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	if m.NextPageID != 0 || m.LastLSN != 0 {
		t.Fatalf("fresh meta should start at page/lsn 0")
	}

	got, err := ReadMeta(dir)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got.PageSize != 4096 {
		t.Fatalf("PageSize = %d, want 4096", got.PageSize)
	}
}

func TestValidatePageSizeRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := InitMeta(t.TempDir(), 5000, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err == nil {
		t.Fatalf("expected error for non-power-of-two page size")
	}
}
