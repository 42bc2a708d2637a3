// Package bloom implements a per-bucket Bloom-filter sidecar that lets the
// kv engine skip a bucket-chain walk entirely when a key is provably
// absent. Grounded on original_source/src/bloom/sidecar.rs's P2BLM01
// format and double-hashing scheme.
package bloom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"

	"github.com/cespare/xxhash/v2"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

const (
	SidecarFile = "bloom.bin"

	magic      = "P2BLM01\x00"
	version2   = 2
	headerSize = 48 // magic8 + version u32 + buckets u32 + bytes_per_bucket u32 + k_hashes u32 + seed1 u64 + seed2 u64 + last_lsn u64

	offMagic         = 0
	offVersion       = 8
	offBuckets       = 12
	offBytesPerBkt   = 16
	offKHashes       = 20
	offSeed1         = 24
	offSeed2         = 32
	offLastLSN       = 40

	// DefaultSeed1/2 mirror original_source's fixed double-hash seeds:
	// the 64-bit golden-ratio constant and xxhash64's second prime.
	DefaultSeed1 uint64 = 0x9E3779B97F4A7C15
	DefaultSeed2 uint64 = 0xC2B2AE3D27D4EB4F
)

var (
	ErrBadMagic       = errors.New("bloom: bad sidecar magic")
	ErrUnsupportedVer = errors.New("bloom: unsupported sidecar version")
	ErrBucketRange    = errors.New("bloom: bucket index out of range")
	ErrAlreadyExists  = errors.New("bloom: sidecar already exists")
)

// Meta describes a sidecar's fixed parameters.
type Meta struct {
	Buckets        uint32
	BytesPerBucket uint32
	KHashes        uint32
	Seed1          uint64
	Seed2          uint64
	LastLSN        uint64
}

func (m Meta) bitsPerBucket() uint64 { return uint64(m.BytesPerBucket) * 8 }

// cacheKey identifies one bucket's bits at a specific LSN in the disk
// fallback cache: a stale entry (wrong LSN) simply misses and is refetched.
type cacheKey struct {
	path    string
	bucket  uint32
	lastLSN uint64
}

var (
	diskCacheOnce sync.Once
	diskCache     *lru.Cache[cacheKey, []byte]
)

func fallbackCache() *lru.Cache[cacheKey, []byte] {
	diskCacheOnce.Do(func() {
		c, err := lru.New[cacheKey, []byte](4096)
		if err != nil {
			panic(err) // only fails for non-positive size, which is a constant here
		}
		diskCache = c
	})
	return diskCache
}

// Sidecar is an open <root>/bloom.bin handle. Reads fetch one bucket's bits
// from disk and cache them in a process-wide LRU keyed by (path, bucket,
// last_lsn), so memory stays bounded across many open databases; the whole
// body is never held in RAM.
type Sidecar struct {
	mu   sync.Mutex
	root string
	path string
	meta Meta
}

// Create makes a brand-new, zero-filled sidecar sized for meta.Buckets
// buckets of meta.BytesPerBucket bytes each.
func Create(root string, meta Meta) (*Sidecar, error) {
	if meta.BytesPerBucket == 0 || meta.KHashes == 0 {
		return nil, fmt.Errorf("bloom: bytes_per_bucket and k_hashes must be > 0")
	}
	if meta.Seed1 == 0 && meta.Seed2 == 0 {
		meta.Seed1, meta.Seed2 = DefaultSeed1, DefaultSeed2
	}
	path := filepath.Join(root, SidecarFile)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrAlreadyExists
	}

	buf := make([]byte, headerSize+int(meta.Buckets)*int(meta.BytesPerBucket))
	writeHeader(buf, meta)
	if err := atomic.WriteFile(path, bytesReader(buf)); err != nil {
		return nil, fmt.Errorf("bloom: create sidecar: %w", err)
	}
	return &Sidecar{root: root, path: path, meta: meta}, nil
}

// Open loads an existing sidecar's header (the body is read lazily,
// per-bucket, through Test).
func Open(root string) (*Sidecar, error) {
	path := filepath.Join(root, SidecarFile)
	hdr := make([]byte, headerSize)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bloom: open sidecar: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("bloom: read sidecar header: %w", err)
	}
	meta, err := readHeader(hdr)
	if err != nil {
		return nil, err
	}
	return &Sidecar{root: root, path: path, meta: meta}, nil
}

// OpenOrCreate opens an existing sidecar or creates a fresh one sized for
// buckets. quiverdb.Open uses it to attach a filter; quiverdb.Init uses
// Create directly.
func OpenOrCreate(root string, buckets uint32, bytesPerBucket, kHashes uint32) (*Sidecar, error) {
	path := filepath.Join(root, SidecarFile)
	if _, err := os.Stat(path); err == nil {
		return Open(root)
	}
	return Create(root, Meta{Buckets: buckets, BytesPerBucket: bytesPerBucket, KHashes: kHashes})
}

func writeHeader(buf []byte, m Meta) {
	copy(buf[offMagic:offMagic+8], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:offVersion+4], version2)
	binary.LittleEndian.PutUint32(buf[offBuckets:offBuckets+4], m.Buckets)
	binary.LittleEndian.PutUint32(buf[offBytesPerBkt:offBytesPerBkt+4], m.BytesPerBucket)
	binary.LittleEndian.PutUint32(buf[offKHashes:offKHashes+4], m.KHashes)
	binary.LittleEndian.PutUint64(buf[offSeed1:offSeed1+8], m.Seed1)
	binary.LittleEndian.PutUint64(buf[offSeed2:offSeed2+8], m.Seed2)
	binary.LittleEndian.PutUint64(buf[offLastLSN:offLastLSN+8], m.LastLSN)
}

func readHeader(hdr []byte) (Meta, error) {
	if len(hdr) < headerSize || string(hdr[offMagic:offMagic+8]) != magic {
		return Meta{}, ErrBadMagic
	}
	ver := binary.LittleEndian.Uint32(hdr[offVersion : offVersion+4])
	if ver != version2 {
		return Meta{}, ErrUnsupportedVer
	}
	return Meta{
		Buckets:        binary.LittleEndian.Uint32(hdr[offBuckets : offBuckets+4]),
		BytesPerBucket: binary.LittleEndian.Uint32(hdr[offBytesPerBkt : offBytesPerBkt+4]),
		KHashes:        binary.LittleEndian.Uint32(hdr[offKHashes : offKHashes+4]),
		Seed1:          binary.LittleEndian.Uint64(hdr[offSeed1 : offSeed1+8]),
		Seed2:          binary.LittleEndian.Uint64(hdr[offSeed2 : offSeed2+8]),
		LastLSN:        binary.LittleEndian.Uint64(hdr[offLastLSN : offLastLSN+8]),
	}, nil
}

// Meta returns a copy of the sidecar's fixed parameters.
func (s *Sidecar) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// IsFreshFor reports whether the sidecar's last-seen LSN matches dbLastLSN:
// a mismatch means bits may be missing writes made since the sidecar was
// last synced, and negative Test() results can no longer be trusted.
func (s *Sidecar) IsFreshFor(dbLastLSN uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.LastLSN == dbLastLSN
}

func seededHash64(seed uint64, key []byte) uint64 {
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	d := xxhash.New()
	_, _ = d.Write(seedBuf[:])
	_, _ = d.Write(key)
	return d.Sum64()
}

// bitPositions yields the k double-hashed bit indices for key within a
// single bucket's bit array, per sidecar.rs::add_key_to_bits/test_in_bits:
// h1 + i*h2 mod nbits, for i in [0, k).
func bitPositions(m Meta, key []byte) []uint64 {
	h1 := seededHash64(m.Seed1, key)
	h2 := seededHash64(m.Seed2, key)
	nbits := m.bitsPerBucket()
	out := make([]uint64, m.KHashes)
	for i := uint32(0); i < m.KHashes; i++ {
		out[i] = (h1 + uint64(i)*h2) % nbits
	}
	return out
}

func setBit(bits []byte, pos uint64) {
	bits[pos/8] |= 1 << (pos % 8)
}

func getBit(bits []byte, pos uint64) bool {
	return bits[pos/8]&(1<<(pos%8)) != 0
}

func (s *Sidecar) bucketOffset(bucket uint32) int64 {
	return int64(headerSize) + int64(bucket)*int64(s.meta.BytesPerBucket)
}

// readBucketBits reads one bucket's bit array from the fallback LRU, or
// from disk on a miss (populating the cache for next time).
func (s *Sidecar) readBucketBits(bucket uint32) ([]byte, error) {
	key := cacheKey{path: s.path, bucket: bucket, lastLSN: s.meta.LastLSN}
	if bits, ok := fallbackCache().Get(key); ok {
		return bits, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("bloom: open sidecar for read: %w", err)
	}
	defer f.Close()
	bits := make([]byte, s.meta.BytesPerBucket)
	if _, err := f.ReadAt(bits, s.bucketOffset(bucket)); err != nil {
		return nil, fmt.Errorf("bloom: read bucket %d bits: %w", bucket, err)
	}
	fallbackCache().Add(key, bits)
	return bits, nil
}

// Test reports whether key might be present in bucket. A false result is a
// hard guarantee of absence (as long as IsFreshFor holds); a true result
// may be a false positive and must be confirmed by walking the chain.
func (s *Sidecar) Test(bucket uint32, key []byte) (bool, error) {
	s.mu.Lock()
	meta := s.meta
	s.mu.Unlock()
	if bucket >= meta.Buckets {
		return false, ErrBucketRange
	}
	bits, err := s.readBucketBits(bucket)
	if err != nil {
		return false, err
	}
	for _, pos := range bitPositions(meta, key) {
		if !getBit(bits, pos) {
			return false, nil
		}
	}
	return true, nil
}

// UpdateBucketKeys recomputes one bucket's bits from scratch for the given
// live keys and advances the sidecar's last_lsn, matching
// update_bucket_bits's lock-rewrite-unlock shape (simplified to whole-file
// atomic rewrite, this module's established idiom for small sidecar
// files — see storage/meta.go, storage/dir.go).
func (s *Sidecar) UpdateBucketKeys(bucket uint32, keys [][]byte, newLastLSN uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket >= s.meta.Buckets {
		return ErrBucketRange
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("bloom: read sidecar: %w", err)
	}
	bits := make([]byte, s.meta.BytesPerBucket)
	for _, key := range keys {
		for _, pos := range bitPositions(s.meta, key) {
			setBit(bits, pos)
		}
	}
	off := s.bucketOffset(bucket)
	copy(raw[off:off+int64(s.meta.BytesPerBucket)], bits)
	binary.LittleEndian.PutUint64(raw[offLastLSN:offLastLSN+8], newLastLSN)

	if err := atomic.WriteFile(s.path, bytesReader(raw)); err != nil {
		return fmt.Errorf("bloom: write sidecar: %w", err)
	}
	s.meta.LastLSN = newLastLSN
	fallbackCache().Remove(cacheKey{path: s.path, bucket: bucket, lastLSN: s.meta.LastLSN})
	return nil
}

// RebuildBucket is UpdateBucketKeys specialized for a full-rebuild caller
// that already collected every live key for bucket (e.g. from
// kv.Db.Scan), advancing last_lsn to dbLastLSN.
func (s *Sidecar) RebuildBucket(bucket uint32, liveKeys [][]byte, dbLastLSN uint64) error {
	return s.UpdateBucketKeys(bucket, liveKeys, dbLastLSN)
}

// AddKey ORs one key's bit positions into bucket's existing bits and
// advances last_lsn, without touching any other bucket or recomputing the
// rest of this one. This is the delta-update the kv engine calls after
// every put/batch commit — far cheaper than UpdateBucketKeys's
// collect-every-live-key rebuild, which the kv engine does not call.
func (s *Sidecar) AddKey(bucket uint32, key []byte, newLastLSN uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket >= s.meta.Buckets {
		return ErrBucketRange
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("bloom: read sidecar: %w", err)
	}
	off := s.bucketOffset(bucket)
	bits := raw[off : off+int64(s.meta.BytesPerBucket)]
	for _, pos := range bitPositions(s.meta, key) {
		setBit(bits, pos)
	}
	binary.LittleEndian.PutUint64(raw[offLastLSN:offLastLSN+8], newLastLSN)

	if err := atomic.WriteFile(s.path, bytesReader(raw)); err != nil {
		return fmt.Errorf("bloom: write sidecar: %w", err)
	}
	s.meta.LastLSN = newLastLSN
	fallbackCache().Remove(cacheKey{path: s.path, bucket: bucket, lastLSN: s.meta.LastLSN})
	return nil
}
