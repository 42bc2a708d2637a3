package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Overflow placeholder TLV embedded inline in a KV record's value slot
// when the real value lives in an overflow chain instead:
//
//	[tag=0x01 u8][len=16 u8][total_len u64][head_pid u64]
const (
	ovfPlaceholderTag = 0x01
	ovfPlaceholderLen = 16
	OVFPlaceholderSize = 1 + 1 + ovfPlaceholderLen
)

// DefaultMaxValueBytes bounds how large a single value's decoded length may
// claim to be before ReadOverflowChain refuses to stream it, guarding
// against a corrupt or hostile chunk_len/total_len driving unbounded reads.
const DefaultMaxValueBytes = 1 << 30 // 1 GiB

// maxOverflowChainPages is a loop-detection backstop: a chain this long
// (for any realistic page size) can only mean a cyclic next_page_id.
const maxOverflowChainPages = 1_000_000

var (
	ErrOverflowTooLarge = errors.New("storage: overflow value exceeds max value bytes")
	ErrOverflowLoop     = errors.New("storage: overflow chain exceeds maximum length (possible cycle)")
	ErrOverflowShort    = errors.New("storage: overflow chain ended before expected length was reached")
)

// EncodeOverflowPlaceholder builds the inline TLV that stands in for a
// value stored out-of-line in an overflow chain.
func EncodeOverflowPlaceholder(totalLen uint64, headPageID uint64) []byte {
	buf := make([]byte, OVFPlaceholderSize)
	buf[0] = ovfPlaceholderTag
	buf[1] = ovfPlaceholderLen
	binary.LittleEndian.PutUint64(buf[2:10], totalLen)
	binary.LittleEndian.PutUint64(buf[10:18], headPageID)
	return buf
}

// DecodeOverflowPlaceholder parses the inline TLV written by
// EncodeOverflowPlaceholder.
func DecodeOverflowPlaceholder(buf []byte) (totalLen uint64, headPageID uint64, err error) {
	if len(buf) < OVFPlaceholderSize {
		return 0, 0, fmt.Errorf("storage: overflow placeholder truncated")
	}
	if buf[0] != ovfPlaceholderTag || buf[1] != ovfPlaceholderLen {
		return 0, 0, fmt.Errorf("storage: bad overflow placeholder tag/len")
	}
	totalLen = binary.LittleEndian.Uint64(buf[2:10])
	headPageID = binary.LittleEndian.Uint64(buf[10:18])
	return totalLen, headPageID, nil
}

// PageAllocator abstracts the single piece of Pager state that overflow
// chain construction needs: handing out a fresh page id and its backing
// buffer. Pager implements this; tests can fake it without a real file.
type PageAllocator interface {
	AllocatePageForWrite() (pageID uint64, page []byte, err error)
}

// chunkCapacity returns how many compressed-or-raw bytes fit in one
// overflow page's chunk area.
func chunkCapacity(pageSize int) int {
	return pageSize - OVFHeaderMinSize - TrailerLen
}

// BuildOverflowChain splits value into page-sized chunks, optionally
// zstd-compressing each chunk individually (falling back to raw storage
// per-chunk if compression does not shrink it below capacity), and chains
// them via next_page_id. It returns the head page id. Grounded on the
// per-chunk codec_id design of the original overflow writer and the
// allocate-one-patch-the-previous-pointer chaining idiom common to the
// pack's other embedded stores.
func BuildOverflowChain(alloc PageAllocator, value []byte, pageSize int, codec Codec) (headPageID uint64, err error) {
	cap := chunkCapacity(pageSize)
	if cap <= 0 {
		return 0, fmt.Errorf("storage: page size %d too small for overflow chunks", pageSize)
	}

	var enc *zstd.Encoder
	if codec == CodecZstd {
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return 0, fmt.Errorf("storage: init zstd encoder: %w", err)
		}
		defer enc.Close()
	}

	type pending struct {
		pageID uint64
		buf    []byte
	}
	var chain []pending

	remaining := value
	for len(remaining) > 0 || len(chain) == 0 {
		raw := remaining
		if len(raw) > cap {
			raw = raw[:cap]
		}
		remaining = remaining[len(raw):]

		chosenCodec := CodecNone
		chunk := raw
		if enc != nil && len(raw) > 0 {
			compressed := enc.EncodeAll(raw, nil)
			if len(compressed) < len(raw) && len(compressed) <= cap {
				chunk = compressed
				chosenCodec = CodecZstd
			}
		}

		pid, page, aerr := alloc.AllocatePageForWrite()
		if aerr != nil {
			return 0, fmt.Errorf("storage: allocate overflow page: %w", aerr)
		}
		if err := OVFPageInit(page, pid, uint32(len(chunk)), uint16(chosenCodec), NoPage); err != nil {
			return 0, err
		}
		copy(page[OVFHeaderMinSize:OVFHeaderMinSize+len(chunk)], chunk)
		chain = append(chain, pending{pageID: pid, buf: page})

		if len(raw) == 0 {
			break
		}
	}

	for i := 0; i < len(chain)-1; i++ {
		h, err := OVFHeaderRead(chain[i].buf)
		if err != nil {
			return 0, err
		}
		h.NextPageID = chain[i+1].pageID
		if err := OVFHeaderWrite(chain[i].buf, h); err != nil {
			return 0, err
		}
	}

	return chain[0].pageID, nil
}

// PageReader abstracts reading a single page by id for chain traversal.
type PageReader interface {
	ReadPageForOverflow(pageID uint64) ([]byte, error)
}

// ReadOverflowChain walks the chain starting at head, decoding each chunk
// (raw or zstd) and assembling exactly expectedLen bytes. It refuses to
// exceed maxValueBytes or to run past expectedLen mid-stream, and bails out
// of a chain longer than maxOverflowChainPages as a cycle guard. Grounded
// on original_source/src/page/ovf/chain.rs's streaming decode loop.
func ReadOverflowChain(pr PageReader, head uint64, expectedLen uint64, maxValueBytes uint64) ([]byte, error) {
	if maxValueBytes == 0 {
		maxValueBytes = DefaultMaxValueBytes
	}
	if expectedLen > maxValueBytes {
		return nil, ErrOverflowTooLarge
	}

	out := make([]byte, 0, expectedLen)
	var dec *zstd.Decoder

	pid := head
	pages := 0
	for pid != NoPage {
		pages++
		if pages > maxOverflowChainPages {
			return nil, ErrOverflowLoop
		}
		page, err := pr.ReadPageForOverflow(pid)
		if err != nil {
			return nil, err
		}
		h, err := OVFHeaderRead(page)
		if err != nil {
			return nil, err
		}
		chunkStart := OVFHeaderMinSize
		chunkEnd := chunkStart + int(h.ChunkLen)
		if chunkEnd > len(page)-TrailerLen {
			return nil, fmt.Errorf("storage: overflow chunk_len out of bounds on page %d", pid)
		}
		raw := page[chunkStart:chunkEnd]

		var plain []byte
		switch Codec(h.CodecID) {
		case CodecNone:
			plain = raw
		case CodecZstd:
			if dec == nil {
				dec, err = zstd.NewReader(nil)
				if err != nil {
					return nil, fmt.Errorf("storage: init zstd decoder: %w", err)
				}
				defer dec.Close()
			}
			plain, err = dec.DecodeAll(raw, nil)
			if err != nil {
				return nil, fmt.Errorf("storage: zstd decode overflow chunk: %w", err)
			}
		default:
			return nil, fmt.Errorf("storage: unknown overflow codec %d", h.CodecID)
		}

		if uint64(len(out)+len(plain)) > expectedLen {
			return nil, fmt.Errorf("storage: overflow chain exceeded expected length")
		}
		out = append(out, plain...)
		pid = h.NextPageID
	}

	if uint64(len(out)) != expectedLen {
		return nil, ErrOverflowShort
	}
	return out, nil
}
