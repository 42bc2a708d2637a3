package storage

import "testing"

func TestKVPageInitAndChecksum(t *testing.T) {
	page := make([]byte, 4096)
	if err := KVPageInit(page, 7, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	if err := UpdateChecksum(page); err != nil {
		t.Fatalf("UpdateChecksum: %v", err)
	}
	ok, err := VerifyChecksum(page)
	if err != nil || !ok {
		t.Fatalf("VerifyChecksum = %v, %v; want true, nil", ok, err)
	}

	pt, err := PageType(page)
	if err != nil || pt != PageTypeKVRH3 {
		t.Fatalf("PageType = %v, %v; want KVRH3", pt, err)
	}

	page[100] ^= 0xFF
	ok, err = VerifyChecksum(page)
	if err != nil {
		t.Fatalf("VerifyChecksum after corruption: %v", err)
	}
	if ok {
		t.Fatalf("expected checksum mismatch after corrupting page body")
	}
}

func TestSetAndReadPageLSN(t *testing.T) {
	page := make([]byte, 4096)
	if err := OVFPageInit(page, 3, 100, uint16(CodecNone), NoPage); err != nil {
		t.Fatalf("OVFPageInit: %v", err)
	}
	if err := SetPageLSN(page, 42); err != nil {
		t.Fatalf("SetPageLSN: %v", err)
	}
	lsn, err := PageLSN(page)
	if err != nil || lsn != 42 {
		t.Fatalf("PageLSN = %v, %v; want 42, nil", lsn, err)
	}
}

func TestAEADTrailerRoundTrip(t *testing.T) {
	page := make([]byte, 4096)
	if err := KVPageInit(page, 9, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	if err := UpdateTrailerAEAD(page, &key, 9, 5); err != nil {
		t.Fatalf("UpdateTrailerAEAD: %v", err)
	}
	ok, err := VerifyTrailerAEAD(page, &key, 9, 5)
	if err != nil || !ok {
		t.Fatalf("VerifyTrailerAEAD = %v, %v; want true, nil", ok, err)
	}
	// Wrong lsn in the AAD must fail verification.
	ok, err = VerifyTrailerAEAD(page, &key, 9, 6)
	if err != nil {
		t.Fatalf("VerifyTrailerAEAD with wrong lsn: %v", err)
	}
	if ok {
		t.Fatalf("expected AEAD verification to fail with mismatched lsn")
	}
}
