package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"github.com/artemonad/quiverdb/storage"
)

// ApplyOptions configures one apply run against a destination database.
// Grounded on original_source/src/cli/cdc/apply.rs's
// wal_apply_from_stream, generalized for this repo's richer
// BEGIN/IMAGE/HEADS_UPDATE/COMMIT-framed WAL: apply.rs's format has no
// batch framing, so it applies each IMAGE record the instant it is read;
// here a batch is only applied once its COMMIT record is seen, matching
// the same all-or-nothing discipline (*WAL).Replay uses locally.
type ApplyOptions struct {
	Root string

	// PSK, when non-nil, expects an authenticated frame stream (see
	// FrameReader) instead of a raw byte stream.
	PSK []byte
	// Strict rejects a regressed PSK frame sequence outright; false skips
	// it and keeps reading, for a follower resuming mid-stream.
	Strict bool

	// CheckpointPath, if set, persists stream_id/last-applied-lsn/
	// last-heads-lsn as JSON after the run. A future Apply call gates
	// HEADS_UPDATE records on the stored last-heads-lsn and compares the
	// stored stream_id with the hello's; a different stream_id is logged
	// as a warning and the new stream is followed, not rejected.
	CheckpointPath string

	PagerOptions storage.Options
}

// Checkpoint is the follower-side bookkeeping record persisted at
// ApplyOptions.CheckpointPath.
type Checkpoint struct {
	StreamID       uint64 `json:"stream_id"`
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
	LastHeadsLSN   uint64 `json:"last_heads_lsn"`
}

func loadCheckpoint(path string) (*Checkpoint, error) {
	if path == "" {
		return &Checkpoint{}, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replication: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("replication: decode checkpoint: %w", err)
	}
	return &cp, nil
}

func saveCheckpoint(path string, cp *Checkpoint) error {
	if path == "" {
		return nil
	}
	buf, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(buf))
}

// pendingBatch accumulates one BEGIN...COMMIT batch's IMAGE/HEADS_UPDATE
// records until the COMMIT record confirms it is safe to apply.
type pendingBatch struct {
	images   []pendingImage
	heads    map[uint32]uint64
	headsLSN uint64
}

type pendingImage struct {
	pageID uint64
	lsn    uint64
	data   []byte
}

// Apply consumes a WAL record stream produced by Ship and replays it into
// the database at opts.Root, returning once src is exhausted.
func Apply(opts ApplyOptions, src io.Reader) error {
	cp, err := loadCheckpoint(opts.CheckpointPath)
	if err != nil {
		return err
	}

	pager, err := storage.OpenPager(opts.Root, opts.PagerOptions)
	if err != nil {
		return fmt.Errorf("replication: open destination pager: %w", err)
	}
	defer pager.Close()

	dir, err := storage.OpenDirectory(opts.Root, pager.Meta().HashKind)
	if err != nil {
		return fmt.Errorf("replication: open destination directory: %w", err)
	}

	var fr *FrameReader
	if opts.PSK != nil {
		fr = NewFrameReader(src, opts.PSK, opts.Strict)
	}

	readChunk := func() ([]byte, error) {
		if fr != nil {
			payload, _, err := fr.ReadFrame()
			return payload, err
		}
		return readRawChunk(src)
	}

	hello, err := readChunk()
	if err != nil {
		return fmt.Errorf("replication: read hello: %w", err)
	}
	streamID, err := storage.DecodeWALHeaderBytes(hello)
	if err != nil {
		return fmt.Errorf("replication: hello is not a wal header: %w", err)
	}
	if cp.StreamID != 0 && cp.StreamID != streamID {
		log.Warn().Uint64("checkpoint_stream", cp.StreamID).Uint64("hello_stream", streamID).
			Msg("replication: stream id changed since last checkpoint, following new stream")
	}
	cp.StreamID = streamID

	var batch pendingBatch
	var maxLSN uint64

	for {
		chunk, err := readChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("replication: read record: %w", err)
		}

		// A bare 16-byte chunk matching the wal magic is a mid-stream
		// header re-sent after the source log rotated; resync and move on.
		if len(chunk) == storage.WALHeaderSize {
			if newID, hErr := storage.DecodeWALHeaderBytes(chunk); hErr == nil {
				cp.StreamID = newID
				batch = pendingBatch{}
				continue
			}
		}

		if len(chunk) < storage.WALRecordHeaderSize {
			return fmt.Errorf("replication: record chunk too short (%d bytes)", len(chunk))
		}
		if !storage.VerifyWALRecordCRC(chunk) {
			return fmt.Errorf("replication: record failed crc verification")
		}
		t, _, lsn, pageID, dataLen, _, err := storage.DecodeWALRecordHeaderBytes(chunk[:storage.WALRecordHeaderSize])
		if err != nil {
			return fmt.Errorf("replication: %w", err)
		}
		data := chunk[storage.WALRecordHeaderSize : storage.WALRecordHeaderSize+int(dataLen)]

		switch t {
		case storage.WALBegin:
			batch = pendingBatch{}
		case storage.WALPageImage:
			batch.images = append(batch.images, pendingImage{pageID: pageID, lsn: lsn, data: data})
		case storage.WALHeadsUpdate:
			if len(data) == 0 || len(data[4:])%12 != 0 {
				return fmt.Errorf("replication: malformed heads update payload (%d bytes)", len(data))
			}
			delta, dErr := storage.HeadsDelta(data)
			if dErr != nil {
				return fmt.Errorf("replication: %w", dErr)
			}
			batch.heads = delta
			batch.headsLSN = lsn
		case storage.WALCommit:
			applied, hErr := applyBatch(pager, dir, &batch, cp.LastHeadsLSN)
			if hErr != nil {
				return hErr
			}
			if applied > maxLSN {
				maxLSN = applied
			}
			if batch.heads != nil && batch.headsLSN > cp.LastHeadsLSN {
				cp.LastHeadsLSN = batch.headsLSN
			}
			batch = pendingBatch{}
		case storage.WALTruncateRec:
			// Informational only; the header that follows resyncs state.
		default:
			// Unknown record type: ignored for forward compatibility.
		}
	}

	if maxLSN > 0 {
		cp.LastAppliedLSN = maxLSN
		if err := storage.BumpLastLSN(opts.Root, maxLSN); err != nil {
			log.Warn().Err(err).Msg("replication: failed to advance destination meta.last_lsn")
		}
	}
	return saveCheckpoint(opts.CheckpointPath, cp)
}

// applyBatch replays one committed batch's page images (LSN-gated,
// idempotent) and heads update (gated on last_heads_lsn), returning the
// highest page LSN it applied.
func applyBatch(pager *storage.Pager, dir *storage.Directory, batch *pendingBatch, lastHeadsLSN uint64) (uint64, error) {
	var maxLSN uint64
	nextPageID := pager.Meta().NextPageID

	for _, img := range batch.images {
		apply := false
		switch {
		case img.pageID >= nextPageID:
			apply = true
		default:
			cur, rErr := pager.ReadPage(img.pageID)
			if rErr != nil {
				apply = true // unreadable on disk: treat as recovery, not corruption
			} else if curLSN, lErr := storage.PageLSN(cur); lErr != nil || curLSN < img.lsn {
				apply = true
			}
		}
		if !apply {
			continue
		}
		if err := pager.EnsureAllocated(img.pageID); err != nil {
			return 0, fmt.Errorf("replication: ensure page %d allocated: %w", img.pageID, err)
		}
		if err := pager.WritePageRaw(img.pageID, img.data); err != nil {
			return 0, fmt.Errorf("replication: write page %d: %w", img.pageID, err)
		}
		if img.lsn > maxLSN {
			maxLSN = img.lsn
		}
	}

	if batch.heads != nil && batch.headsLSN > lastHeadsLSN {
		if err := dir.SetHeadsBulk(batch.heads); err != nil {
			return 0, fmt.Errorf("replication: apply heads update: %w", err)
		}
	}
	return maxLSN, nil
}

// readRawChunk reads one unframed record/header off a raw byte stream,
// disambiguating a mid-stream wal header from a record header by peeking
// the first 8 bytes for the wal magic, mirroring apply.rs's byte-level
// resync loop (it has no length-prefixed framing to lean on either).
func readRawChunk(r io.Reader) ([]byte, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if string(head) == storage.WALMagic {
		rest := make([]byte, storage.WALHeaderSize-8)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, fmt.Errorf("replication: truncated wal header: %w", err)
		}
		return append(head, rest...), nil
	}

	rest := make([]byte, storage.WALRecordHeaderSize-8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("replication: truncated record header: %w", err)
	}
	hdr := append(head, rest...)
	_, _, _, _, dataLen, _, err := storage.DecodeWALRecordHeaderBytes(hdr)
	if err != nil {
		return nil, fmt.Errorf("replication: %w", err)
	}
	if dataLen == 0 {
		return hdr, nil
	}
	payload := make([]byte, dataLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("replication: truncated record payload: %w", err)
	}
	return append(hdr, payload...), nil
}
