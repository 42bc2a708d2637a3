package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Page type constants (v3 formats).
const (
	PageTypeKVRH3     uint16 = 1
	PageTypeOverflow3 uint16 = 2
)

const (
	pageMagic    = "P1PG"
	pageVersion3 = 3
	TrailerLen   = 16

	// common prefix, shared by every page type
	offMagic     = 0
	offVersion   = 4
	OffType      = 6
	offPageID    = 12
	commonHdrLen = 28 // through lsn
	KVOffLSN     = 20
	OVFOffLSN    = 20

	// KV_RH3 header (after the common 28-byte prefix)
	kvOffDataStart  = 28
	kvOffTableSlots = 30
	kvOffNextPageID = 32
	KVHeaderMinSize = 40

	// OVERFLOW3 header (after the common 28-byte prefix)
	ovfOffChunkLen   = 28
	ovfOffCodecID    = 32
	ovfOffNextPage   = 36
	OVFHeaderMinSize = 44

	// KVEmptyOff is the slot-table sentinel meaning "no record here".
	KVEmptyOff uint16 = 0xFFFF
	// KVSlotSize is the width of one reverse-slot-table entry.
	KVSlotSize = 2
)

var ErrBadPageMagic = errors.New("storage: bad page magic")

// KVHeader is the decoded KV_RH3 page header.
type KVHeader struct {
	PageID     uint64
	LSN        uint64
	DataStart  uint16
	TableSlots uint16
	NextPageID uint64
}

// OVFHeader is the decoded OVERFLOW3 page header.
type OVFHeader struct {
	PageID     uint64
	LSN        uint64
	ChunkLen   uint32
	CodecID    uint16
	NextPageID uint64
}

// KVPageInit zeroes page and writes a fresh KV_RH3 header.
func KVPageInit(page []byte, pageID uint64, next uint64) error {
	if len(page) < KVHeaderMinSize+TrailerLen {
		return fmt.Errorf("storage: page too small for KV_RH3 header")
	}
	for i := range page {
		page[i] = 0
	}
	copy(page[offMagic:offMagic+4], pageMagic)
	binary.LittleEndian.PutUint16(page[offVersion:offVersion+2], pageVersion3)
	binary.LittleEndian.PutUint16(page[OffType:OffType+2], PageTypeKVRH3)
	binary.LittleEndian.PutUint64(page[offPageID:offPageID+8], pageID)
	h := KVHeader{PageID: pageID, DataStart: KVHeaderMinSize, TableSlots: 0, NextPageID: next}
	return KVHeaderWrite(page, &h)
}

// OVFPageInit zeroes page and writes a fresh OVERFLOW3 header.
func OVFPageInit(page []byte, pageID uint64, chunkLen uint32, codecID uint16, next uint64) error {
	if len(page) < OVFHeaderMinSize+TrailerLen {
		return fmt.Errorf("storage: page too small for OVERFLOW3 header")
	}
	for i := range page {
		page[i] = 0
	}
	copy(page[offMagic:offMagic+4], pageMagic)
	binary.LittleEndian.PutUint16(page[offVersion:offVersion+2], pageVersion3)
	binary.LittleEndian.PutUint16(page[OffType:OffType+2], PageTypeOverflow3)
	binary.LittleEndian.PutUint64(page[offPageID:offPageID+8], pageID)
	h := OVFHeader{PageID: pageID, ChunkLen: chunkLen, CodecID: codecID, NextPageID: next}
	return OVFHeaderWrite(page, &h)
}

func checkMagic(page []byte) error {
	if len(page) < commonHdrLen {
		return ErrBadPageMagic
	}
	if string(page[offMagic:offMagic+4]) != pageMagic {
		return ErrBadPageMagic
	}
	return nil
}

// PageType returns the page type field without fully decoding the header.
func PageType(page []byte) (uint16, error) {
	if err := checkMagic(page); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(page[OffType : OffType+2]), nil
}

// KVHeaderRead decodes the KV_RH3 header.
func KVHeaderRead(page []byte) (*KVHeader, error) {
	if err := checkMagic(page); err != nil {
		return nil, err
	}
	if len(page) < KVHeaderMinSize {
		return nil, fmt.Errorf("storage: KV page truncated")
	}
	h := &KVHeader{
		PageID:     binary.LittleEndian.Uint64(page[offPageID : offPageID+8]),
		LSN:        binary.LittleEndian.Uint64(page[KVOffLSN : KVOffLSN+8]),
		DataStart:  binary.LittleEndian.Uint16(page[kvOffDataStart : kvOffDataStart+2]),
		TableSlots: binary.LittleEndian.Uint16(page[kvOffTableSlots : kvOffTableSlots+2]),
		NextPageID: binary.LittleEndian.Uint64(page[kvOffNextPageID : kvOffNextPageID+8]),
	}
	return h, nil
}

// KVHeaderWrite encodes h back into page.
func KVHeaderWrite(page []byte, h *KVHeader) error {
	if len(page) < KVHeaderMinSize {
		return fmt.Errorf("storage: KV page truncated")
	}
	binary.LittleEndian.PutUint64(page[offPageID:offPageID+8], h.PageID)
	binary.LittleEndian.PutUint64(page[KVOffLSN:KVOffLSN+8], h.LSN)
	binary.LittleEndian.PutUint16(page[kvOffDataStart:kvOffDataStart+2], h.DataStart)
	binary.LittleEndian.PutUint16(page[kvOffTableSlots:kvOffTableSlots+2], h.TableSlots)
	binary.LittleEndian.PutUint64(page[kvOffNextPageID:kvOffNextPageID+8], h.NextPageID)
	return nil
}

// OVFHeaderRead decodes the OVERFLOW3 header.
func OVFHeaderRead(page []byte) (*OVFHeader, error) {
	if err := checkMagic(page); err != nil {
		return nil, err
	}
	if len(page) < OVFHeaderMinSize {
		return nil, fmt.Errorf("storage: overflow page truncated")
	}
	h := &OVFHeader{
		PageID:     binary.LittleEndian.Uint64(page[offPageID : offPageID+8]),
		LSN:        binary.LittleEndian.Uint64(page[OVFOffLSN : OVFOffLSN+8]),
		ChunkLen:   binary.LittleEndian.Uint32(page[ovfOffChunkLen : ovfOffChunkLen+4]),
		CodecID:    binary.LittleEndian.Uint16(page[ovfOffCodecID : ovfOffCodecID+2]),
		NextPageID: binary.LittleEndian.Uint64(page[ovfOffNextPage : ovfOffNextPage+8]),
	}
	return h, nil
}

// OVFHeaderWrite encodes h back into page.
func OVFHeaderWrite(page []byte, h *OVFHeader) error {
	if len(page) < OVFHeaderMinSize {
		return fmt.Errorf("storage: overflow page truncated")
	}
	binary.LittleEndian.PutUint64(page[offPageID:offPageID+8], h.PageID)
	binary.LittleEndian.PutUint64(page[OVFOffLSN:OVFOffLSN+8], h.LSN)
	binary.LittleEndian.PutUint32(page[ovfOffChunkLen:ovfOffChunkLen+4], h.ChunkLen)
	binary.LittleEndian.PutUint16(page[ovfOffCodecID:ovfOffCodecID+2], h.CodecID)
	binary.LittleEndian.PutUint64(page[ovfOffNextPage:ovfOffNextPage+8], h.NextPageID)
	return nil
}

// SetPageLSN stamps lsn into whichever header this page type uses.
func SetPageLSN(page []byte, lsn uint64) error {
	t, err := PageType(page)
	if err != nil {
		return err
	}
	switch t {
	case PageTypeKVRH3:
		h, err := KVHeaderRead(page)
		if err != nil {
			return err
		}
		h.LSN = lsn
		return KVHeaderWrite(page, h)
	case PageTypeOverflow3:
		h, err := OVFHeaderRead(page)
		if err != nil {
			return err
		}
		h.LSN = lsn
		return OVFHeaderWrite(page, h)
	default:
		return fmt.Errorf("storage: unsupported page type %d", t)
	}
}

// PageLSN reads the lsn field without fully decoding the header.
func PageLSN(page []byte) (uint64, error) {
	t, err := PageType(page)
	if err != nil {
		return 0, err
	}
	switch t {
	case PageTypeKVRH3:
		return binary.LittleEndian.Uint64(page[KVOffLSN : KVOffLSN+8]), nil
	case PageTypeOverflow3:
		return binary.LittleEndian.Uint64(page[OVFOffLSN : OVFOffLSN+8]), nil
	default:
		return 0, fmt.Errorf("storage: unsupported page type %d", t)
	}
}

// ---------------- trailer: CRC32C or AES-GCM AEAD ----------------

// UpdateChecksum recomputes a CRC32C trailer over page[0:len-16] with the
// trailer region zeroed, storing it in the low 4 bytes of the trailer (the
// remaining 12 bytes stay zero in CRC mode).
func UpdateChecksum(page []byte) error {
	n := len(page)
	if n < TrailerLen {
		return fmt.Errorf("storage: page too small for trailer")
	}
	trailerOff := n - TrailerLen
	for i := trailerOff; i < n; i++ {
		page[i] = 0
	}
	crc := crc32.Checksum(page[:trailerOff], crc32c)
	binary.LittleEndian.PutUint32(page[trailerOff:trailerOff+4], crc)
	return nil
}

// VerifyChecksum verifies the CRC32C trailer.
func VerifyChecksum(page []byte) (bool, error) {
	n := len(page)
	if n < TrailerLen {
		return false, fmt.Errorf("storage: page too small for trailer")
	}
	trailerOff := n - TrailerLen
	want := binary.LittleEndian.Uint32(page[trailerOff : trailerOff+4])
	saved := make([]byte, TrailerLen)
	copy(saved, page[trailerOff:])
	for i := trailerOff; i < n; i++ {
		page[i] = 0
	}
	got := crc32.Checksum(page[:trailerOff], crc32c)
	copy(page[trailerOff:], saved)
	return want == got, nil
}

// TrailerIsZeroCRC reports whether the CRC trailer field is exactly zero,
// a compatibility marker for files produced by earlier, pre-checksum
// versions (spec.md §9's "non-strict zero-CRC handling" note).
func TrailerIsZeroCRC(page []byte) (bool, error) {
	n := len(page)
	if n < TrailerLen {
		return false, fmt.Errorf("storage: page too small for trailer")
	}
	trailerOff := n - TrailerLen
	return binary.LittleEndian.Uint32(page[trailerOff:trailerOff+4]) == 0, nil
}

// aeadAAD builds the (page_id, lsn) additional-authenticated-data used to
// bind an AES-GCM page trailer tag to its page identity and version; it
// also doubles as the GCM nonce (its first 12 bytes), since (page_id, lsn)
// is unique per write by LSN monotonicity.
func aeadAAD(pageID, lsn uint64) []byte {
	aad := make([]byte, 16)
	binary.LittleEndian.PutUint64(aad[0:8], pageID)
	binary.LittleEndian.PutUint64(aad[8:16], lsn)
	return aad
}

// UpdateTrailerAEAD seals page[0:len-16] with AES-256-GCM under key,
// writing the 16-byte tag into the trailer.
func UpdateTrailerAEAD(page []byte, key *[32]byte, pageID, lsn uint64) error {
	n := len(page)
	if n < TrailerLen {
		return fmt.Errorf("storage: page too small for trailer")
	}
	trailerOff := n - TrailerLen
	for i := trailerOff; i < n; i++ {
		page[i] = 0
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		return err
	}
	aad := aeadAAD(pageID, lsn)
	nonce := aad[:12]
	full := append(append([]byte{}, page[:trailerOff]...), aad...)
	sealed := gcm.Seal(nil, nonce, nil, full) // empty plaintext -> sealed is just the tag
	copy(page[trailerOff:], sealed)
	return nil
}

// VerifyTrailerAEAD verifies the AES-256-GCM tag written by
// UpdateTrailerAEAD.
func VerifyTrailerAEAD(page []byte, key *[32]byte, pageID, lsn uint64) (bool, error) {
	n := len(page)
	if n < TrailerLen {
		return false, fmt.Errorf("storage: page too small for trailer")
	}
	trailerOff := n - TrailerLen
	wantTag := make([]byte, TrailerLen)
	copy(wantTag, page[trailerOff:])
	for i := trailerOff; i < n; i++ {
		page[i] = 0
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return false, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 12)
	if err != nil {
		return false, err
	}
	aad := aeadAAD(pageID, lsn)
	nonce := aad[:12]
	full := append(append([]byte{}, page[:trailerOff]...), aad...)
	_, err = gcm.Open(nil, nonce, wantTag, full)
	copy(page[trailerOff:], wantTag)
	return err == nil, nil
}
