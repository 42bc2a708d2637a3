package replication

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/artemonad/quiverdb/storage"
)

// ShipOptions configures a shipping run. Grounded on
// original_source/src/cli/cdc/ship.rs's cmd_wal_ship_ext and its
// P1_SHIP_FLUSH_EVERY/P1_SHIP_FLUSH_BYTES/P1_SHIP_SINCE_INCLUSIVE env
// knobs, taken here as explicit fields instead of process-wide env vars.
type ShipOptions struct {
	Root           string
	SinceLSN       uint64
	SinceInclusive bool
	Follow         bool

	FlushEveryFrames int
	FlushEveryBytes  int
	PollInterval     time.Duration

	// PSK, when non-nil, authenticates every emitted chunk as a framed
	// message (FrameWriter) instead of writing raw bytes to the sink writer.
	PSK []byte
}

func (o *ShipOptions) normalize() {
	if o.FlushEveryFrames <= 0 {
		o.FlushEveryFrames = 64
	}
	if o.FlushEveryBytes <= 0 {
		o.FlushEveryBytes = 1 << 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 150 * time.Millisecond
	}
}

// Ship reads the WAL at opts.Root from opts.SinceLSN forward and writes
// every frame whose LSN passes the since-cursor filter to sink, batching
// flushes by frame count or byte budget and handling a rotation mid-run
// by emitting a synthetic TRUNCATE marker followed by the log's new
// header. With opts.Follow it never returns until ctx is canceled.
func Ship(ctx context.Context, opts ShipOptions, sink io.Writer) error {
	opts.normalize()

	walPath := filepath.Join(opts.Root, storage.WALFileName)
	f, err := os.Open(walPath)
	if err != nil {
		return fmt.Errorf("replication: open wal: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(sink, 64*1024)
	var fw *FrameWriter
	if opts.PSK != nil {
		fw = NewFrameWriter(bw, opts.PSK)
	}
	emit := func(chunk []byte) error {
		if fw != nil {
			return fw.WriteFrame(chunk)
		}
		_, err := bw.Write(chunk)
		return err
	}

	hdrBuf := make([]byte, storage.WALHeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("replication: read wal header: %w", err)
	}
	if _, err := storage.DecodeWALHeaderBytes(hdrBuf); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	if err := emit(hdrBuf); err != nil {
		return fmt.Errorf("replication: ship hello: %w", err)
	}

	pos := int64(storage.WALHeaderSize)
	framesSinceFlush := 0
	bytesSinceFlush := 0
	recHdrBuf := make([]byte, storage.WALRecordHeaderSize)

	flush := func() error {
		framesSinceFlush = 0
		bytesSinceFlush = 0
		return bw.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		default:
		}

		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("replication: stat wal: %w", err)
		}
		size := fi.Size()

		if size < pos {
			// The source log rotated underneath us: tell the follower a
			// truncation happened, then resync on the fresh header.
			trunc := storage.EncodeWALRecordBytes(storage.WALTruncateRec, 0, 0, 0, nil)
			if err := emit(trunc); err != nil {
				return fmt.Errorf("replication: ship truncate marker: %w", err)
			}
			if _, err := f.ReadAt(hdrBuf, 0); err != nil {
				return fmt.Errorf("replication: reread wal header after rotation: %w", err)
			}
			if _, err := storage.DecodeWALHeaderBytes(hdrBuf); err != nil {
				return fmt.Errorf("replication: %w", err)
			}
			if err := emit(hdrBuf); err != nil {
				return fmt.Errorf("replication: ship post-rotation hello: %w", err)
			}
			pos = int64(storage.WALHeaderSize)
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		if pos+int64(storage.WALRecordHeaderSize) > size {
			if err := flush(); err != nil {
				return err
			}
			if !opts.Follow {
				log.Debug().Str("root", opts.Root).Msg("replication: ship reached end of wal")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		if _, err := f.ReadAt(recHdrBuf, pos); err != nil {
			return fmt.Errorf("replication: read wal record header: %w", err)
		}
		_, _, lsn, _, dataLen, _, err := storage.DecodeWALRecordHeaderBytes(recHdrBuf)
		if err != nil {
			return fmt.Errorf("replication: %w", err)
		}
		recLen := int64(storage.WALRecordHeaderSize) + int64(dataLen)
		if pos+recLen > size {
			// Torn tail: the writer is still mid-append. Wait/stop, never
			// forward a record we can't fully read and verify.
			if err := flush(); err != nil {
				return err
			}
			if !opts.Follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		raw := make([]byte, recLen)
		if _, err := f.ReadAt(raw, pos); err != nil {
			return fmt.Errorf("replication: read wal record: %w", err)
		}
		if !storage.VerifyWALRecordCRC(raw) {
			// Corrupt tail (crash mid-write): stop exactly where the
			// local replayer would, and wait for more durable bytes.
			if err := flush(); err != nil {
				return err
			}
			if !opts.Follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		pos += recLen

		passes := lsn > opts.SinceLSN
		if opts.SinceInclusive {
			passes = lsn >= opts.SinceLSN
		}
		if !passes {
			continue
		}

		if err := emit(raw); err != nil {
			return fmt.Errorf("replication: ship record: %w", err)
		}
		framesSinceFlush++
		bytesSinceFlush += len(raw)
		if framesSinceFlush >= opts.FlushEveryFrames || bytesSinceFlush >= opts.FlushEveryBytes {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
