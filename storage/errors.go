package storage

import "errors"

// ErrReadOnly is returned when a write operation is attempted against a
// database opened read-only.
var ErrReadOnly = errors.New("storage: database is read-only")

// ErrPageBeyondAllocation is returned by ReadPage when
// Options.StrictReadBeyondAlloc is set and the requested page id is not
// yet covered by NextPageID, instead of trusting a long-enough segment
// file to hold zeroed or stale bytes at that offset.
var ErrPageBeyondAllocation = errors.New("storage: page id is beyond the pager's allocated range")
