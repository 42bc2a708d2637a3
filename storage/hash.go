package storage

import "github.com/cespare/xxhash/v2"

// HashKind identifies the stable hash function used to route keys to
// buckets and to derive the process-wide database id. Only one variant
// exists today; it is still modeled as a closed enum (rather than an open
// plugin surface) so a future second hash kind can be added without
// breaking the on-disk meta format.
type HashKind uint32

const (
	HashInvalid    HashKind = 0
	HashXx64Seed0  HashKind = 1
)

func (k HashKind) Valid() bool {
	return k == HashXx64Seed0
}

// Hash64 hashes key with the given kind. Seed 0 for HashXx64Seed0.
func Hash64(kind HashKind, key []byte) uint64 {
	switch kind {
	case HashXx64Seed0:
		return xxhash.Sum64(key)
	default:
		return xxhash.Sum64(key)
	}
}

// BucketIndex maps a hash to a bucket in [0, buckets).
func BucketIndex(h uint64, buckets uint32) uint32 {
	if buckets == 0 {
		return 0
	}
	return uint32(h % uint64(buckets))
}

// BucketOfKey is the common hash(key) -> bucket path used by the directory
// and the KV engine.
func BucketOfKey(kind HashKind, key []byte, buckets uint32) uint32 {
	return BucketIndex(Hash64(kind, key), buckets)
}

// ShortFingerprint returns the top byte of a hash, remapping a would-be
// zero to 1 so that 0 can be reserved as an "empty" sentinel by callers
// that want a fingerprint-based fast filter (kept for parity with the
// Robin Hood page family this format's ancestor used; QuiverDB's v3 KV
// page does not use it today, but Bloom probing reuses the same
// double-hash shape).
func ShortFingerprint(h uint64) uint8 {
	fp := uint8(h >> 56)
	if fp == 0 {
		fp = 1
	}
	return fp
}
