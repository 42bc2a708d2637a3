//go:build !windows && !js && !wasip1

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock represents an OS-level advisory lock (Unix implementation using flock).
type fileLock struct {
	file *os.File
}

// lockFile acquires an exclusive lock on <root>/LOCK, enforcing the
// single-writer/many-reader discipline of spec.md §5. Returns a fileLock
// that must be released with unlock().
func lockFile(root string) (*fileLock, error) {
	lockPath := filepath.Join(root, LockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("filelock: cannot open lock file: %w", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: database %q is locked by another process", root)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the file lock.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
