package storage

import "testing"

func newTestPager(t *testing.T) (*Pager, string) {
	t.Helper()
	root := t.TempDir()
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	cache, err := NewPageCache(64)
	if err != nil {
		t.Fatalf("NewPageCache: %v", err)
	}
	p, err := OpenPager(root, Options{PageSize: 4096, PageCache: cache})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	return p, root
}

func TestPagerAllocateCommitReadBack(t *testing.T) {
	p, _ := newTestPager(t)
	defer p.Close()

	ids, err := p.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	pid := ids[0]

	page := make([]byte, p.PageSize())
	if err := KVPageInit(page, pid, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	if err := AppendRecord(page, []byte("k"), []byte("v"), 0, 0); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	lsn, err := p.CommitPage(pid, page)
	if err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	if lsn != 1 {
		t.Fatalf("first commit lsn = %d, want 1", lsn)
	}

	got, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	rec, ok, err := FindLatest(got, []byte("k"))
	if err != nil || !ok || string(rec.Value) != "v" {
		t.Fatalf("FindLatest after commit = %v, %v, %v", rec, ok, err)
	}
}

func TestPagerReplayAfterReopen(t *testing.T) {
	p, root := newTestPager(t)

	ids, err := p.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	pid := ids[0]
	page := make([]byte, p.PageSize())
	if err := KVPageInit(page, pid, NoPage); err != nil {
		t.Fatalf("KVPageInit: %v", err)
	}
	_ = AppendRecord(page, []byte("durable"), []byte("yes"), 0, 0)
	if _, err := p.CommitPage(pid, page); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenPager(root, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen OpenPager: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	rec, ok, err := FindLatest(got, []byte("durable"))
	if err != nil || !ok || string(rec.Value) != "yes" {
		t.Fatalf("data did not survive reopen: %v, %v, %v", rec, ok, err)
	}
}

func TestPagerFreeListReuse(t *testing.T) {
	p, _ := newTestPager(t)
	defer p.Close()

	ids, err := p.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if err := p.FreePage(ids[0]); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	reused, err := p.AllocateOnePage()
	if err != nil {
		t.Fatalf("AllocateOnePage: %v", err)
	}
	if reused != ids[0] {
		t.Fatalf("AllocateOnePage = %d, want reused page %d", reused, ids[0])
	}
}

func TestPagerReadOnlyRejectsWrites(t *testing.T) {
	p, root := newTestPager(t)
	defer p.Close()

	ro, err := OpenPagerReadOnly(root, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenPagerReadOnly: %v", err)
	}
	defer ro.Close()

	if _, err := ro.AllocatePages(1); err != ErrReadOnly {
		t.Fatalf("AllocatePages on read-only pager = %v, want ErrReadOnly", err)
	}
}

func TestPagerPreallocPagesGrowsSegmentAheadOfNextPageID(t *testing.T) {
	root := t.TempDir()
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	p, err := OpenPager(root, Options{PageSize: 4096, PreallocPages: 4})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	defer p.Close()

	ids, err := p.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}

	segNo, _ := p.locate(ids[0])
	f, err := p.segFile(segNo, false)
	if err != nil {
		t.Fatalf("segFile: %v", err)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	wantMin := int64(5) * 4096 // the allocated page plus 4 preallocated slack pages
	if fi.Size() < wantMin {
		t.Fatalf("segment size = %d, want at least %d with PreallocPages=4", fi.Size(), wantMin)
	}
	if p.meta.NextPageID != 1 {
		t.Fatalf("NextPageID = %d, want 1 (prealloc must not advance it)", p.meta.NextPageID)
	}
}

func TestPagerStrictReadBeyondAllocRejectsUnallocatedPage(t *testing.T) {
	root := t.TempDir()
	if _, err := InitMeta(root, 4096, HashXx64Seed0, ChecksumCRC32C, CodecNone, false); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	p, err := OpenPager(root, Options{PageSize: 4096, StrictReadBeyondAlloc: true})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	defer p.Close()

	if _, err := p.ReadPage(0); err != ErrPageBeyondAllocation {
		t.Fatalf("ReadPage(0) on empty pager = %v, want ErrPageBeyondAllocation", err)
	}
}
