package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	FreeFile      = "free"
	freeMagic     = "P1FREE01"
	freeVersion1  = 1
	freeHeaderLen = 8 + 4 + 4 + 8 // magic + version + count + reserved
	freeCountOff  = 12
)

// FreeList is the append-only list of freed page ids described in
// spec.md §3/§4.9. The count field in the header is maintained best-effort;
// the source of truth is always file length, matching original_source/src/free.rs.
type FreeList struct {
	path string
}

// CreateFreeList creates a new, empty free-list file. Errors if one exists.
func CreateFreeList(root string) (*FreeList, error) {
	path := filepath.Join(root, FreeFile)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("storage: free list already exists at %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create free list: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, freeHeaderLen)
	copy(hdr[0:8], freeMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], freeVersion1)
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return &FreeList{path: path}, nil
}

// OpenFreeList opens and validates an existing free-list file.
func OpenFreeList(root string) (*FreeList, error) {
	path := filepath.Join(root, FreeFile)
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open free list: %w", err)
	}
	if len(buf) < freeHeaderLen {
		return nil, errors.New("storage: free list header truncated")
	}
	if !bytes.Equal(buf[0:8], []byte(freeMagic)) {
		return nil, errors.New("storage: bad free list magic")
	}
	if ver := binary.LittleEndian.Uint32(buf[8:12]); ver != freeVersion1 {
		return nil, fmt.Errorf("storage: unsupported free list version %d", ver)
	}
	return &FreeList{path: path}, nil
}

// Count returns the number of free page ids, derived from file length.
func (fl *FreeList) Count() (uint64, error) {
	fi, err := os.Stat(fl.path)
	if err != nil {
		return 0, err
	}
	if fi.Size() < freeHeaderLen {
		return 0, fmt.Errorf("storage: free list file too small: %s", fl.path)
	}
	return uint64(fi.Size()-freeHeaderLen) / 8, nil
}

// Push appends page_id to the free list.
func (fl *FreeList) Push(pageID uint64) error {
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], pageID)
	if _, err := f.Write(b[:]); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return fl.updateCount(f)
}

// Pop removes and returns the last free page id, or ok=false if empty.
func (fl *FreeList) Pop() (pageID uint64, ok bool, err error) {
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	if fi.Size() < freeHeaderLen {
		return 0, false, fmt.Errorf("storage: free list file too small: %s", fl.path)
	}
	if fi.Size() == freeHeaderLen {
		return 0, false, nil
	}

	lastOff := fi.Size() - 8
	var b [8]byte
	if _, err := f.ReadAt(b[:], lastOff); err != nil {
		return 0, false, err
	}
	pageID = binary.LittleEndian.Uint64(b[:])

	if err := f.Truncate(lastOff); err != nil {
		return 0, false, err
	}
	if err := f.Sync(); err != nil {
		return 0, false, err
	}
	if err := fl.updateCount(f); err != nil {
		return 0, false, err
	}
	return pageID, true, nil
}

func (fl *FreeList) updateCount(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	cnt := uint32(0)
	if fi.Size() >= freeHeaderLen {
		cnt = uint32((fi.Size() - freeHeaderLen) / 8)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], cnt)
	if _, err := f.WriteAt(b[:], freeCountOff); err != nil {
		return err
	}
	return f.Sync()
}

// Members returns the full set of currently free page ids, letting a
// maintenance sweep skip pages already on the free list instead of
// risking a double free.
func (fl *FreeList) Members() (map[uint64]bool, error) {
	buf, err := os.ReadFile(fl.path)
	if err != nil {
		return nil, fmt.Errorf("storage: read free list: %w", err)
	}
	if len(buf) < freeHeaderLen {
		return nil, fmt.Errorf("storage: free list file too small: %s", fl.path)
	}
	body := buf[freeHeaderLen:]
	out := make(map[uint64]bool, len(body)/8)
	for off := 0; off+8 <= len(body); off += 8 {
		out[binary.LittleEndian.Uint64(body[off:off+8])] = true
	}
	return out, nil
}

// Path returns the underlying file path.
func (fl *FreeList) Path() string { return fl.path }
