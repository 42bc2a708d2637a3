package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

const (
	MetaFile        = "meta"
	metaMagic       = "P1DBMETA"
	MetaVersion     = 4
	metaHeaderSize  = 8 + 4 + 4 + 4 + 4 + 2 + 2 + 8 + 8 + 1
	minPageSize     = 4096
	maxPageSize     = 65535
	SegmentSize     = 32 * 1024 * 1024
	DataSegPrefix   = "data-"
	DataSegExt      = "p2seg"
	WalRotateSize   = 8 * 1024 * 1024
	NoPage   uint64 = ^uint64(0)

	// LockFile is the advisory OS-lock file held for the lifetime of a
	// writer's open database, per spec.md §6's file layout.
	LockFile = "LOCK"
)

// Checksum identifies the page trailer scheme.
type ChecksumKind uint16

const (
	ChecksumCRC32C ChecksumKind = 0
	ChecksumAEAD   ChecksumKind = 1
)

// Codec identifies the overflow-chunk compression codec.
type Codec uint16

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// MetaFlag bits.
const (
	FlagTDEEnabled uint32 = 0x1
)

// MetaHeader is the fixed v4 meta record described in spec.md §6.
type MetaHeader struct {
	Version       uint32
	PageSize      uint32
	Flags         uint32
	HashKind      HashKind
	CodecDefault  Codec
	ChecksumKind  ChecksumKind
	NextPageID    uint64
	LastLSN       uint64
	CleanShutdown bool
}

func (m *MetaHeader) TDEEnabled() bool { return m.Flags&FlagTDEEnabled != 0 }

func validatePageSize(ps uint32) error {
	if ps < minPageSize || ps > maxPageSize {
		return fmt.Errorf("storage: page size %d out of range [%d,%d]", ps, minPageSize, maxPageSize)
	}
	if ps&(ps-1) != 0 {
		return fmt.Errorf("storage: page size %d is not a power of two", ps)
	}
	return nil
}

// EncodeMeta serializes m into the fixed-size binary meta record.
func EncodeMeta(m *MetaHeader) []byte {
	buf := make([]byte, metaHeaderSize)
	copy(buf[0:8], metaMagic)
	binary.LittleEndian.PutUint32(buf[8:12], m.Version)
	binary.LittleEndian.PutUint32(buf[12:16], m.PageSize)
	binary.LittleEndian.PutUint32(buf[16:20], m.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.HashKind))
	binary.LittleEndian.PutUint16(buf[24:26], uint16(m.CodecDefault))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(m.ChecksumKind))
	binary.LittleEndian.PutUint64(buf[28:36], m.NextPageID)
	binary.LittleEndian.PutUint64(buf[36:44], m.LastLSN)
	if m.CleanShutdown {
		buf[44] = 1
	}
	return buf
}

// DecodeMeta parses a fixed-size binary meta record.
func DecodeMeta(buf []byte) (*MetaHeader, error) {
	if len(buf) < metaHeaderSize {
		return nil, fmt.Errorf("storage: meta record too short (%d < %d)", len(buf), metaHeaderSize)
	}
	if !bytes.Equal(buf[0:8], []byte(metaMagic)) {
		return nil, errors.New("storage: bad meta magic")
	}
	m := &MetaHeader{
		Version:      binary.LittleEndian.Uint32(buf[8:12]),
		PageSize:     binary.LittleEndian.Uint32(buf[12:16]),
		Flags:        binary.LittleEndian.Uint32(buf[16:20]),
		HashKind:     HashKind(binary.LittleEndian.Uint32(buf[20:24])),
		CodecDefault: Codec(binary.LittleEndian.Uint16(buf[24:26])),
		ChecksumKind: ChecksumKind(binary.LittleEndian.Uint16(buf[26:28])),
		NextPageID:   binary.LittleEndian.Uint64(buf[28:36]),
		LastLSN:      binary.LittleEndian.Uint64(buf[36:44]),
	}
	m.CleanShutdown = buf[44] != 0
	if m.Version != MetaVersion {
		return nil, fmt.Errorf("storage: unsupported meta version %d", m.Version)
	}
	if err := validatePageSize(m.PageSize); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMetaAtomic writes meta to <root>/meta via write-temp-then-rename,
// matching meta.rs's atomic-write discipline. natefinch/atomic handles the
// temp file + rename + best-effort directory fsync for us.
func WriteMetaAtomic(root string, m *MetaHeader) error {
	buf := EncodeMeta(m)
	return atomic.WriteFile(filepath.Join(root, MetaFile), bytes.NewReader(buf))
}

// ReadMeta reads and validates <root>/meta.
func ReadMeta(root string) (*MetaHeader, error) {
	buf, err := os.ReadFile(filepath.Join(root, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("storage: read meta: %w", err)
	}
	return DecodeMeta(buf)
}

// BumpLastLSN advances <root>/meta's LastLSN to lsn if lsn is higher than
// what's currently recorded, leaving it untouched otherwise. It reads and
// rewrites meta independently of any already-open Pager, mirroring
// apply.rs's path-based set_last_lsn: WAL replication apply runs against a
// destination whose Pager it opens and closes for the duration of one
// stream, so there is no live in-process meta to update directly.
func BumpLastLSN(root string, lsn uint64) error {
	m, err := ReadMeta(root)
	if err != nil {
		return err
	}
	if lsn <= m.LastLSN {
		return nil
	}
	m.LastLSN = lsn
	return WriteMetaAtomic(root, m)
}

// InitMeta creates a fresh meta record for a new database.
func InitMeta(root string, pageSize uint32, hashKind HashKind, checksumKind ChecksumKind, codec Codec, tdeEnabled bool) (*MetaHeader, error) {
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}
	flags := uint32(0)
	if tdeEnabled {
		flags |= FlagTDEEnabled
	}
	m := &MetaHeader{
		Version:      MetaVersion,
		PageSize:     pageSize,
		Flags:        flags,
		HashKind:     hashKind,
		CodecDefault: codec,
		ChecksumKind: checksumKind,
		NextPageID:   0,
		LastLSN:      0,
		CleanShutdown: true,
	}
	if err := WriteMetaAtomic(root, m); err != nil {
		return nil, err
	}
	return m, nil
}
