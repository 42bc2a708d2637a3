package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/artemonad/quiverdb/storage"
)

const (
	manifestsDirName = "manifests"
	manifestVersion  = 2
)

// ManifestMeta is the "meta" block of a persisted snapshot's manifest,
// exactly the field set spec.md §3/§4.6 specifies: enough to re-create
// (or validate) the destination database's meta+directory on restore.
type ManifestMeta struct {
	Version      int               `json:"version"`
	ID           string            `json:"id"`
	Parent       string            `json:"parent,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	Message      string            `json:"message,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	PageSize     uint32            `json:"page_size"`
	Buckets      uint32            `json:"buckets"`
	NextPageID   uint64            `json:"next_page_id"`
	HashKind     storage.HashKind  `json:"hash_kind"`
	CodecDefault storage.Codec     `json:"codec_default"`
	LSN          uint64            `json:"lsn"`
}

// ManifestObject records one page_id's content-addressed location in the
// SnapStore: its hex-encoded xxhash64 and the page's byte length.
type ManifestObject struct {
	Hash  string `json:"hash"`
	Bytes int    `json:"bytes"`
}

// Manifest is the full JSON document written under
// "<snapstore>/manifests/<id>.json" by CreatePersisted.
type Manifest struct {
	Meta    ManifestMeta              `json:"meta"`
	Heads   map[uint32]uint64         `json:"heads"`
	Objects map[uint64]ManifestObject `json:"objects"`
}

func manifestsDir(snapstoreDir string) string {
	return filepath.Join(snapstoreDir, manifestsDirName)
}

// ManifestPath returns the on-disk path of a persisted snapshot's manifest.
func ManifestPath(snapstoreDir, id string) string {
	return filepath.Join(manifestsDir(snapstoreDir), id+".json")
}

func hashHex(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

func parseHashHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// CreatePersistedOptions carries the caller-supplied, non-derivable parts
// of a persisted snapshot's manifest.
type CreatePersistedOptions struct {
	Parent  string
	Message string
	Labels  map[string]string
}

// CreatePersisted iterates every allocated page, deduplicates valid page
// bytes into store (skipping any page that fails to read/verify rather
// than aborting the whole snapshot), captures the directory's current
// bucket heads, and writes a manifest recording everything Restore needs
// to reconstruct the database later. Grounded on spec.md §4.6's
// create_persisted description and original_source/src/snapshots/
// persist.rs's iterate-pages/put/manifest sequence.
func CreatePersisted(pager *storage.Pager, dir *storage.Directory, store *SnapStore, opts CreatePersistedOptions) (string, error) {
	meta := pager.Meta()
	heads, err := dir.AllHeads()
	if err != nil {
		return "", fmt.Errorf("snapshot: read directory heads: %w", err)
	}

	objects := make(map[uint64]ManifestObject, meta.NextPageID)
	for pid := uint64(0); pid < meta.NextPageID; pid++ {
		page, err := pager.ReadPage(pid)
		if err != nil {
			continue
		}
		hash, err := store.Put(page)
		if err != nil {
			return "", fmt.Errorf("snapshot: put page %d into snapstore: %w", pid, err)
		}
		objects[pid] = ManifestObject{Hash: hashHex(hash), Bytes: len(page)}
	}

	man := Manifest{
		Meta: ManifestMeta{
			Version:      manifestVersion,
			ID:           uuid.New().String(),
			Parent:       opts.Parent,
			Timestamp:    time.Now().Unix(),
			Message:      opts.Message,
			Labels:       opts.Labels,
			PageSize:     meta.PageSize,
			Buckets:      dir.BucketCount(),
			NextPageID:   meta.NextPageID,
			HashKind:     meta.HashKind,
			CodecDefault: meta.CodecDefault,
			LSN:          meta.LastLSN,
		},
		Heads:   heads,
		Objects: objects,
	}
	if err := writeManifest(store.Dir(), man); err != nil {
		return "", err
	}
	return man.Meta.ID, nil
}

func writeManifest(snapstoreDir string, man Manifest) error {
	if err := os.MkdirAll(manifestsDir(snapstoreDir), 0o755); err != nil {
		return fmt.Errorf("snapshot: create manifests dir: %w", err)
	}
	buf, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	if err := atomic.WriteFile(ManifestPath(snapstoreDir, man.Meta.ID), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("snapshot: write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and decodes a persisted snapshot's manifest.
func LoadManifest(snapstoreDir, id string) (Manifest, error) {
	raw, err := os.ReadFile(ManifestPath(snapstoreDir, id))
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read manifest %q: %w", id, err)
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: decode manifest %q: %w", id, err)
	}
	return man, nil
}

// DeletePersisted decrements refcounts for every object a persisted
// snapshot's manifest references and removes the manifest file, per
// spec.md §4.6. The underlying SnapStore frames are only reclaimed once
// store.Compact runs; this only drops this snapshot's hold on them.
func DeletePersisted(store *SnapStore, snapstoreDir, id string) error {
	man, err := LoadManifest(snapstoreDir, id)
	if err != nil {
		return err
	}
	for pid, obj := range man.Objects {
		hash, err := parseHashHex(obj.Hash)
		if err != nil {
			return fmt.Errorf("snapshot: manifest %q: bad hash for page %d: %w", id, pid, err)
		}
		if err := store.DecRef(hash); err != nil {
			return fmt.Errorf("snapshot: dec_ref page %d: %w", pid, err)
		}
	}
	if err := os.Remove(ManifestPath(snapstoreDir, id)); err != nil {
		return fmt.Errorf("snapshot: remove manifest %q: %w", id, err)
	}
	return nil
}

// Restore reconstructs a full, independent database at dstRoot from a
// persisted snapshot's manifest: it creates (or validates) meta, the
// directory and free list, restores every manifest page by page_id via
// WritePageRaw, installs the recorded bucket heads, and advances
// last_lsn to the snapshot's LSN. The destination's WAL is created fresh
// by OpenPager, which is equivalent to the "truncating WAL" step spec.md
// §4.6 describes since a brand-new database has nothing to truncate.
// Grounded on original_source/src/snapshots/restore.rs.
func Restore(dstRoot string, snapstoreDir, id string, store *SnapStore) error {
	man, err := LoadManifest(snapstoreDir, id)
	if err != nil {
		return err
	}

	if existing, err := storage.ReadMeta(dstRoot); err != nil {
		if _, err := storage.InitMeta(dstRoot, man.Meta.PageSize, man.Meta.HashKind, storage.ChecksumCRC32C, man.Meta.CodecDefault, false); err != nil {
			return fmt.Errorf("snapshot: restore: init meta: %w", err)
		}
		if _, err := storage.CreateDirectory(dstRoot, man.Meta.Buckets, man.Meta.HashKind); err != nil {
			return fmt.Errorf("snapshot: restore: init directory: %w", err)
		}
		if _, err := storage.CreateFreeList(dstRoot); err != nil {
			return fmt.Errorf("snapshot: restore: init free list: %w", err)
		}
	} else if existing.PageSize != man.Meta.PageSize || existing.HashKind != man.Meta.HashKind {
		return fmt.Errorf("snapshot: restore: destination page_size/hash_kind do not match manifest %q", id)
	}

	pager, err := storage.OpenPager(dstRoot, storage.Options{})
	if err != nil {
		return fmt.Errorf("snapshot: restore: open destination pager: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			pager.Close()
		}
	}()

	dir, err := storage.OpenDirectory(dstRoot, man.Meta.HashKind)
	if err != nil {
		return fmt.Errorf("snapshot: restore: open destination directory: %w", err)
	}

	for pid, obj := range man.Objects {
		hash, err := parseHashHex(obj.Hash)
		if err != nil {
			return fmt.Errorf("snapshot: restore: bad hash for page %d: %w", pid, err)
		}
		page, ok, err := store.Get(hash)
		if err != nil {
			return fmt.Errorf("snapshot: restore: get page %d from snapstore: %w", pid, err)
		}
		if !ok {
			return fmt.Errorf("snapshot: restore: snapstore missing object for page %d (hash %s)", pid, obj.Hash)
		}
		if err := pager.EnsureAllocated(pid); err != nil {
			return fmt.Errorf("snapshot: restore: ensure page %d allocated: %w", pid, err)
		}
		if err := pager.WritePageRaw(pid, page); err != nil {
			return fmt.Errorf("snapshot: restore: write page %d: %w", pid, err)
		}
	}
	if man.Meta.NextPageID > 0 {
		if err := pager.EnsureAllocated(man.Meta.NextPageID - 1); err != nil {
			return fmt.Errorf("snapshot: restore: ensure final page allocated: %w", err)
		}
	}

	if err := dir.SetHeadsBulk(man.Heads); err != nil {
		return fmt.Errorf("snapshot: restore: install heads: %w", err)
	}

	closed = true
	if err := pager.Close(); err != nil {
		return fmt.Errorf("snapshot: restore: close destination pager: %w", err)
	}
	if err := storage.BumpLastLSN(dstRoot, man.Meta.LSN); err != nil {
		return fmt.Errorf("snapshot: restore: set last_lsn: %w", err)
	}
	return nil
}
