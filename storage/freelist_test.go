package storage

import "testing"

func TestFreeListPushPop(t *testing.T) {
	dir := t.TempDir()
	fl, err := CreateFreeList(dir)
	if err != nil {
		t.Fatalf("CreateFreeList: %v", err)
	}

	if _, ok, err := fl.Pop(); err != nil || ok {
		t.Fatalf("Pop on empty list = %v, %v, want false, nil", ok, err)
	}

	for _, pid := range []uint64{10, 20, 30} {
		if err := fl.Push(pid); err != nil {
			t.Fatalf("Push(%d): %v", pid, err)
		}
	}
	count, err := fl.Count()
	if err != nil || count != 3 {
		t.Fatalf("Count() = %d, %v, want 3, nil", count, err)
	}

	pid, ok, err := fl.Pop()
	if err != nil || !ok || pid != 30 {
		t.Fatalf("Pop() = %d, %v, %v; want 30 (LIFO)", pid, ok, err)
	}

	reopened, err := OpenFreeList(dir)
	if err != nil {
		t.Fatalf("OpenFreeList: %v", err)
	}
	count, err = reopened.Count()
	if err != nil || count != 2 {
		t.Fatalf("Count() after reopen = %d, %v, want 2, nil", count, err)
	}
}
