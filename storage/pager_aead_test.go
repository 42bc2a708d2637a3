package storage

import "testing"

type fakeEpochLookup struct {
	sinceLSN uint64
	ok       bool
}

func (f fakeEpochLookup) CurrentEpochSinceLSN() (uint64, bool) { return f.sinceLSN, f.ok }

func newAEADTestPager(t *testing.T, epochs EpochLookup, strictFallback, strictZeroCRC bool) (*Pager, *[32]byte) {
	t.Helper()
	root := t.TempDir()
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumAEAD, CodecNone, true); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	p, err := OpenPager(root, Options{
		PageSize:           4096,
		TDEEnabled:         true,
		TDEKey:             &key,
		Epochs:             epochs,
		StrictAEADFallback: strictFallback,
		StrictZeroCRC:      strictZeroCRC,
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	return p, &key
}

// buildPreEpochPage builds a page stamped with a plain CRC32C trailer (not
// AEAD-sealed) at the given lsn, simulating a page written before TDE was
// turned on for this database and never rewritten since.
func buildPreEpochPage(t *testing.T, p *Pager, pid, lsn uint64) []byte {
	t.Helper()
	page := make([]byte, p.PageSize())
	if err := KVPageInit(page, pid, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	if err := SetPageLSN(page, lsn); err != nil {
		t.Fatalf("SetPageLSN: %v", err)
	}
	if err := UpdateChecksum(page); err != nil {
		t.Fatalf("UpdateChecksum: %v", err)
	}
	return page
}

func TestVerifyTrailerFallsBackToCRCForPreEpochPage(t *testing.T) {
	p, _ := newAEADTestPager(t, fakeEpochLookup{sinceLSN: 10, ok: true}, false, false)
	defer p.Close()

	page := buildPreEpochPage(t, p, 1, 3) // lsn 3 < sinceLSN 10
	if err := p.verifyTrailer(page, 1); err != nil {
		t.Fatalf("verifyTrailer for pre-epoch page = %v, want nil (CRC fallback accepted)", err)
	}
}

func TestVerifyTrailerRejectsPostEpochAEADFailure(t *testing.T) {
	p, _ := newAEADTestPager(t, fakeEpochLookup{sinceLSN: 2, ok: true}, false, false)
	defer p.Close()

	page := buildPreEpochPage(t, p, 1, 5) // lsn 5 >= sinceLSN 2: no fallback allowed
	if err := p.verifyTrailer(page, 1); err == nil {
		t.Fatalf("verifyTrailer for post-epoch AEAD failure = nil, want error")
	}
}

func TestVerifyTrailerStrictAEADFallbackRejectsEvenPreEpoch(t *testing.T) {
	p, _ := newAEADTestPager(t, fakeEpochLookup{sinceLSN: 10, ok: true}, true, false)
	defer p.Close()

	page := buildPreEpochPage(t, p, 1, 3)
	if err := p.verifyTrailer(page, 1); err == nil {
		t.Fatalf("verifyTrailer with StrictAEADFallback = nil, want error even though page predates epoch")
	}
}

func TestVerifyTrailerNoEpochLookupRejectsAEADFailure(t *testing.T) {
	p, _ := newAEADTestPager(t, nil, false, false)
	defer p.Close()

	page := buildPreEpochPage(t, p, 1, 3)
	if err := p.verifyTrailer(page, 1); err == nil {
		t.Fatalf("verifyTrailer with no Epochs configured = nil, want error")
	}
}

func TestVerifyChecksumTrailerStrictZeroCRCRejectsZeroTrailer(t *testing.T) {
	root := t.TempDir()
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	p, err := OpenPager(root, Options{PageSize: 4096, StrictZeroCRC: true})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	defer p.Close()

	page := make([]byte, p.PageSize())
	if err := KVPageInit(page, 1, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	// Leave the trailer zeroed (no UpdateChecksum call).
	if err := p.verifyTrailer(page, 1); err == nil {
		t.Fatalf("verifyTrailer with StrictZeroCRC and a zero trailer = nil, want error")
	}
}

func TestVerifyChecksumTrailerNonStrictAcceptsZeroTrailer(t *testing.T) {
	root := t.TempDir()
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	p, err := OpenPager(root, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	defer p.Close()

	page := make([]byte, p.PageSize())
	if err := KVPageInit(page, 1, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	if err := p.verifyTrailer(page, 1); err != nil {
		t.Fatalf("verifyTrailer non-strict with zero trailer = %v, want nil", err)
	}
}
