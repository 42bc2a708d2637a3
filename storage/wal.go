package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WAL file header: [MAGIC "P2WAL001"][stream_id u64] (16 bytes).
const (
	walMagic      = "P2WAL001"
	walHeaderSize = 8 + 8
)

// WALRecordType identifies the kind of operation a WAL record carries.
type WALRecordType byte

const (
	WALBegin       WALRecordType = 1
	WALPageImage   WALRecordType = 2
	WALHeadsUpdate WALRecordType = 3
	WALCommit      WALRecordType = 4
	WALTruncateRec WALRecordType = 5
)

// Record header: [type u8][flags u8][reserved u16][lsn u64][page_id u64][len u32][crc32c u32] = 28 bytes.
const walRecHeaderSize = 1 + 1 + 2 + 8 + 8 + 4 + 4

// WALRecord is one decoded entry from the log.
type WALRecord struct {
	Type   WALRecordType
	Flags  byte
	LSN    uint64
	PageID uint64
	Data   []byte
}

// WAL is the append-only, group-committed write-ahead log described in
// spec.md §4.2. Every commit batch is framed by BEGIN...COMMIT and flushed
// with exactly one fsync, following the batching discipline of
// original_source/src/pager/commit.rs.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	streamID uint64
	size     int64
	inBatch  bool
}

// CreateWAL creates a brand-new WAL file with a fresh stream id.
func CreateWAL(path string, streamID uint64) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create wal: %w", err)
	}
	w := &WAL{file: f, path: path, streamID: streamID}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	w.size = walHeaderSize
	return w, nil
}

// OpenWAL opens an existing WAL file and validates its header.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal: %w", err)
	}
	w := &WAL{file: f, path: path}
	if err := w.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.size = fi.Size()
	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:8], walMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], w.streamID)
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("storage: read wal header: %w", err)
	}
	if string(hdr[0:8]) != walMagic {
		return fmt.Errorf("storage: bad wal magic")
	}
	w.streamID = binary.LittleEndian.Uint64(hdr[8:16])
	return nil
}

func (w *WAL) StreamID() uint64 { return w.streamID }
func (w *WAL) Path() string     { return w.path }
func (w *WAL) Size() int64      { return w.size }

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *WAL) encodeRecord(t WALRecordType, flags byte, lsn, pageID uint64, data []byte) []byte {
	buf := make([]byte, walRecHeaderSize+len(data))
	buf[0] = byte(t)
	buf[1] = flags
	binary.LittleEndian.PutUint64(buf[4:12], lsn)
	binary.LittleEndian.PutUint64(buf[12:20], pageID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(data)))
	copy(buf[walRecHeaderSize:], data)
	crc := crc32.Checksum(buf[:walRecHeaderSize-4], crc32c)
	if len(data) > 0 {
		crc = crc32.Update(crc, crc32c, data)
	}
	binary.LittleEndian.PutUint32(buf[24:28], crc)
	return buf
}

func (w *WAL) appendLocked(t WALRecordType, flags byte, lsn, pageID uint64, data []byte) error {
	buf := w.encodeRecord(t, flags, lsn, pageID, data)
	n, err := w.file.WriteAt(buf, w.size)
	if err != nil {
		return fmt.Errorf("storage: append wal record: %w", err)
	}
	w.size += int64(n)
	return nil
}

// StartBatch begins a new commit batch with a BEGIN record.
func (w *WAL) StartBatch(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inBatch {
		return fmt.Errorf("storage: wal batch already open")
	}
	w.inBatch = true
	return w.appendLocked(WALBegin, 0, lsn, 0, nil)
}

// AppendPageImage logs a full after-image of a page inside the current
// batch. image must already carry its final trailer (CRC or AEAD).
func (w *WAL) AppendPageImage(lsn, pageID uint64, image []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(WALPageImage, 0, lsn, pageID, image)
}

// AppendHeadsUpdate logs a directory bucket-head bulk update alongside the
// page images it corresponds to, so replay can reconstruct both.
func (w *WAL) AppendHeadsUpdate(lsn uint64, heads map[uint32]uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, 4+len(heads)*12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(heads)))
	off := 4
	for bucket, pid := range heads {
		binary.LittleEndian.PutUint32(buf[off:off+4], bucket)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], pid)
		off += 12
	}
	return w.appendLocked(WALHeadsUpdate, 0, lsn, 0, buf)
}

// EndBatch writes the COMMIT record, fsyncs exactly once, and closes the
// batch. This single fsync is the durability point for every page image
// and heads update appended since StartBatch.
func (w *WAL) EndBatch(lsn uint64) error {
	if err := w.AppendCommitNoSync(lsn); err != nil {
		return err
	}
	return w.Fsync()
}

// AppendCommitNoSync writes the COMMIT record closing the current batch
// without fsyncing, letting a caller coalesce several batches' commit
// records under one later Fsync call (the pager's group-commit path).
func (w *WAL) AppendCommitNoSync(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inBatch {
		return fmt.Errorf("storage: wal batch not open")
	}
	if err := w.appendLocked(WALCommit, 0, lsn, 0, nil); err != nil {
		return err
	}
	w.inBatch = false
	return nil
}

// Fsync flushes the WAL file to stable storage. Exposed so the pager's
// group-commit dispatcher can coalesce the fsync call of several batches
// that published their COMMIT record back to back.
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsync wal: %w", err)
	}
	return nil
}

// MaybeTruncate resets the WAL to an empty log (new stream id) once its
// size crosses WalRotateSize, mirroring pager/commit.rs's post-commit
// truncation check. It checks size only; commitBatch calls it after writing
// the batch's pages to the data segments, which are fsynced only when
// DataFsync is set.
func (w *WAL) MaybeTruncate(newStreamID uint64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size < WalRotateSize {
		return false, nil
	}
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return false, fmt.Errorf("storage: truncate wal: %w", err)
	}
	w.streamID = newStreamID
	if err := w.writeHeader(); err != nil {
		return false, err
	}
	if err := w.file.Sync(); err != nil {
		return false, err
	}
	w.size = walHeaderSize
	return true, nil
}

// Exported wire-format constants and helpers below let replication's WAL
// shipper/applier read and write raw record bytes directly off a WAL file
// without needing a live *WAL (the shipper tails a file the local writer
// still owns; the applier writes into a destination that has no WAL of its
// own yet). Grounded on original_source/src/cli/cdc/{ship,apply}.rs, which
// likewise parse the log's on-disk bytes directly rather than going through
// the writer's in-process type.
const (
	WALHeaderSize       = walHeaderSize
	WALRecordHeaderSize = walRecHeaderSize
	WALMagic            = walMagic
)

// WALHeaderBytes encodes a 16-byte WAL file header for streamID.
func WALHeaderBytes(streamID uint64) []byte {
	hdr := make([]byte, WALHeaderSize)
	copy(hdr[0:8], walMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], streamID)
	return hdr
}

// DecodeWALHeaderBytes validates and decodes a 16-byte WAL file header.
func DecodeWALHeaderBytes(hdr []byte) (streamID uint64, err error) {
	if len(hdr) != WALHeaderSize {
		return 0, fmt.Errorf("storage: wal header must be %d bytes", WALHeaderSize)
	}
	if string(hdr[0:8]) != walMagic {
		return 0, fmt.Errorf("storage: bad wal magic")
	}
	return binary.LittleEndian.Uint64(hdr[8:16]), nil
}

// DecodeWALRecordHeaderBytes parses a raw 28-byte record header. It does not
// verify the CRC, since that covers the payload too — call
// VerifyWALRecordCRC once the payload bytes are available.
func DecodeWALRecordHeaderBytes(hdr []byte) (t WALRecordType, flags byte, lsn, pageID uint64, dataLen uint32, crc uint32, err error) {
	if len(hdr) != WALRecordHeaderSize {
		err = fmt.Errorf("storage: wal record header must be %d bytes", WALRecordHeaderSize)
		return
	}
	t = WALRecordType(hdr[0])
	flags = hdr[1]
	lsn = binary.LittleEndian.Uint64(hdr[4:12])
	pageID = binary.LittleEndian.Uint64(hdr[12:20])
	dataLen = binary.LittleEndian.Uint32(hdr[20:24])
	crc = binary.LittleEndian.Uint32(hdr[24:28])
	return
}

// VerifyWALRecordCRC checks a full raw record (WALRecordHeaderSize bytes of
// header followed by its payload) against the CRC carried in the header.
func VerifyWALRecordCRC(raw []byte) bool {
	if len(raw) < WALRecordHeaderSize {
		return false
	}
	wantCRC := binary.LittleEndian.Uint32(raw[24:28])
	gotCRC := crc32.Checksum(raw[:WALRecordHeaderSize-4], crc32c)
	if len(raw) > WALRecordHeaderSize {
		gotCRC = crc32.Update(gotCRC, crc32c, raw[WALRecordHeaderSize:])
	}
	return gotCRC == wantCRC
}

// EncodeWALRecordBytes builds one raw record (header+payload), the same
// layout (*WAL).appendLocked writes. Used by the shipper to emit a
// synthetic TRUNCATE marker when the source log rotates mid-stream.
func EncodeWALRecordBytes(t WALRecordType, flags byte, lsn, pageID uint64, data []byte) []byte {
	w := &WAL{}
	return w.encodeRecord(t, flags, lsn, pageID, data)
}

// HeadsDelta decodes the payload written by AppendHeadsUpdate.
func HeadsDelta(data []byte) (map[uint32]uint64, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("storage: heads update payload truncated")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	out := make(map[uint32]uint64, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+12 > len(data) {
			return nil, fmt.Errorf("storage: heads update payload truncated")
		}
		bucket := binary.LittleEndian.Uint32(data[off : off+4])
		pid := binary.LittleEndian.Uint64(data[off+4 : off+12])
		out[bucket] = pid
		off += 12
	}
	return out, nil
}

// Replay scans the WAL from just past its header, stopping at the first
// structurally invalid or CRC-mismatched record (a torn write from a
// crash mid-append), and returns every fully committed batch's records in
// order. An uncommitted trailing batch (no terminating COMMIT) is
// discarded, matching the teacher's crash-safe loadRecords scanner.
func (w *WAL) Replay() ([]WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var all []WALRecord
	var pending []WALRecord
	offset := int64(walHeaderSize)
	hdrBuf := make([]byte, walRecHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if (err == io.EOF && n < walRecHeaderSize) || n < walRecHeaderSize {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("storage: read wal record header: %w", err)
		}

		t := WALRecordType(hdrBuf[0])
		flags := hdrBuf[1]
		lsn := binary.LittleEndian.Uint64(hdrBuf[4:12])
		pageID := binary.LittleEndian.Uint64(hdrBuf[12:20])
		dataLen := binary.LittleEndian.Uint32(hdrBuf[20:24])
		wantCRC := binary.LittleEndian.Uint32(hdrBuf[24:28])

		data := make([]byte, dataLen)
		if dataLen > 0 {
			dn, derr := w.file.ReadAt(data, offset+int64(walRecHeaderSize))
			if derr != nil && derr != io.EOF {
				return nil, fmt.Errorf("storage: read wal record data: %w", derr)
			}
			if dn < int(dataLen) {
				break // torn write: partial record at end of file
			}
		}

		gotCRC := crc32.Checksum(hdrBuf[:walRecHeaderSize-4], crc32c)
		if dataLen > 0 {
			gotCRC = crc32.Update(gotCRC, crc32c, data)
		}
		if gotCRC != wantCRC {
			break // corrupt tail: stop here, never trust a bad-CRC record
		}

		rec := WALRecord{Type: t, Flags: flags, LSN: lsn, PageID: pageID, Data: data}
		switch t {
		case WALBegin:
			pending = nil
		case WALPageImage, WALHeadsUpdate:
			pending = append(pending, rec)
		case WALCommit:
			all = append(all, pending...)
			pending = nil
		}

		offset += int64(walRecHeaderSize) + int64(dataLen)
	}

	return all, nil
}
