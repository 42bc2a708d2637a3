package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// snapshotsDirName is where per-snapshot freeze sidecars live, one
	// subdirectory per snapshot id, matching manager.rs's
	// "<root>/.snapshots/<id>/" layout.
	snapshotsDirName = "snapshots"
	freezeBinFile     = "freeze.bin"
	registryFile      = "registry.json"

	freezeFrameHdrLen = 8 + 8 + 4 + 4 // page_id u64, lsn u64, len u32, crc32 u32
)

// SnapshotsRoot returns the sidecar directory under root that holds every
// active/persisted snapshot's freeze files.
func SnapshotsRoot(root string) string {
	return filepath.Join(root, "."+snapshotsDirName)
}

type activeState struct {
	id           string
	lsn          uint64
	freezeDir    string
	frozenPages  map[uint64]bool
	indexOffsets map[uint64]uint64
	ended        bool
}

// registryEntry is one row of the best-effort persisted-snapshot manifest.
type registryEntry struct {
	ID     string `json:"id"`
	LSN    uint64 `json:"lsn"`
	Ended  bool   `json:"ended"`
}

// Manager tracks every currently-active snapshot for one open database and
// intercepts page overwrites to freeze pre-images those snapshots still
// need. Grounded on original_source/src/snapshots/manager.rs.
type Manager struct {
	mu     sync.Mutex
	root   string
	active map[string]*activeState
	maxLSN uint64

	persist bool // keep sidecars after End, track them in registry.json
	dedup   bool // also write frozen frames into a shared SnapStore

	store *SnapStore
}

// NewManager creates a manager with explicit persist/dedup flags, the
// preferred constructor (new_with_options in the original, minus its
// ENV-var back-compat path — this repo takes flags from quiverdb.Options
// instead of process-wide env vars).
func NewManager(root string, persist, dedup bool) *Manager {
	return &Manager{root: root, active: make(map[string]*activeState), persist: persist, dedup: dedup}
}

// Store returns (opening lazily if needed) the content-addressed store
// persisted snapshots dedup their page images into, so callers building a
// persisted snapshot (CreatePersisted/DeletePersisted/Restore) don't need
// to know the on-disk store layout themselves. Returns nil if the store
// failed to open (logged as a warning here); persisted-snapshot callers
// should treat that as fatal even though FreezeIfNeeded's own dedup path
// tolerates it as best-effort.
func (m *Manager) Store(pageSize uint32) *SnapStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureStore(pageSize)
}

func (m *Manager) ensureStore(pageSize uint32) *SnapStore {
	if m.store == nil {
		ss, err := OpenSnapStore(filepath.Join(m.root, StoreDirName), pageSize)
		if err != nil {
			log.Warn().Err(err).Msg("snapshot: failed to open snapstore, dedup disabled for this session")
			return nil
		}
		m.store = ss
	}
	return m.store
}

// Begin opens a new read-only view pinned at lastLSN (the database's
// current commit point), returning a Handle the caller can Get/ScanAll
// against until End is called.
func (m *Manager) Begin(root string, lastLSN uint64) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	freezeDir := filepath.Join(SnapshotsRoot(m.root), id)
	if err := os.MkdirAll(freezeDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create snapshot dir: %w", err)
	}

	m.active[id] = &activeState{
		id:           id,
		lsn:          lastLSN,
		freezeDir:    freezeDir,
		frozenPages:  make(map[uint64]bool),
		indexOffsets: make(map[uint64]uint64),
	}
	m.recomputeMaxLSN()

	if m.persist {
		if err := m.registryAdd(id, lastLSN); err != nil {
			log.Warn().Err(err).Str("snapshot_id", id).Msg("snapshot: failed to update registry on begin")
		}
	}

	return newHandle(root, id, lastLSN, freezeDir), nil
}

// End retires a snapshot: in non-persist mode its freeze sidecar is
// removed immediately; in persist mode it is kept on disk and marked
// ended in the registry for later inspection/GC tooling.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.active[id]
	if !ok {
		return fmt.Errorf("snapshot: %q is not active", id)
	}
	if !st.ended {
		st.ended = true
		if m.persist {
			if err := m.registryMarkEnded(id); err != nil {
				log.Warn().Err(err).Str("snapshot_id", id).Msg("snapshot: failed to update registry on end")
			}
		} else {
			os.RemoveAll(st.freezeDir)
		}
	}
	delete(m.active, id)
	m.recomputeMaxLSN()
	return nil
}

func (m *Manager) recomputeMaxLSN() {
	var max uint64
	for _, st := range m.active {
		if st.lsn > max {
			max = st.lsn
		}
	}
	m.maxLSN = max
}

// MaxActiveLSN returns the highest LSN any currently-active snapshot is
// pinned to (0 if none are active). Callers use this as a fast
// "does anything even need freezing" gate before FreezeIfNeeded.
func (m *Manager) MaxActiveLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLSN
}

// IsFrozen reports whether pageID has already been frozen for snapshot id.
func (m *Manager) IsFrozen(id string, pageID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[id]
	return ok && st.frozenPages[pageID]
}

// FreezeIfNeeded must be called with a page's CURRENT on-disk bytes and LSN
// immediately before the caller overwrites that page in place. It writes a
// pre-image frame into the freeze sidecar of every active snapshot whose
// pin LSN is at or after pageLSN and hasn't already frozen this page,
// preserving the version those snapshots are entitled to see.
func (m *Manager) FreezeIfNeeded(pageID, pageLSN uint64, pageBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxLSN < pageLSN {
		return nil
	}

	var toFreeze []*activeState
	for _, st := range m.active {
		if st.ended {
			continue
		}
		if st.lsn >= pageLSN && !st.frozenPages[pageID] {
			toFreeze = append(toFreeze, st)
		}
	}
	if len(toFreeze) == 0 {
		return nil
	}

	for _, st := range toFreeze {
		off, err := writeFreezeFrame(st.freezeDir, pageID, pageLSN, pageBytes)
		if err != nil {
			return fmt.Errorf("snapshot: write freeze frame for %q: %w", st.id, err)
		}
		st.indexOffsets[pageID] = off
		st.frozenPages[pageID] = true
	}

	if m.dedup {
		if store := m.ensureStore(uint32(len(pageBytes))); store != nil {
			hash, err := store.Put(pageBytes)
			if err == nil {
				for i := 1; i < len(toFreeze); i++ {
					_ = store.AddRef(hash)
				}
			}
		}
	}
	return nil
}

// writeFreezeFrame appends one [page_id][lsn][len][crc32]+payload frame to
// <freezeDir>/freeze.bin and returns its byte offset.
func writeFreezeFrame(freezeDir string, pageID, lsn uint64, page []byte) (uint64, error) {
	path := filepath.Join(freezeDir, freezeBinFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open freeze.bin: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	off := info.Size()

	hdr := make([]byte, freezeFrameHdrLen)
	binary.LittleEndian.PutUint64(hdr[0:8], pageID)
	binary.LittleEndian.PutUint64(hdr[8:16], lsn)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(page)))
	crc := crc32.NewIEEE()
	crc.Write(hdr[:20])
	crc.Write(page)
	binary.LittleEndian.PutUint32(hdr[20:24], crc.Sum32())

	if _, err := f.WriteAt(hdr, off); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(page, off+freezeFrameHdrLen); err != nil {
		return 0, err
	}
	return uint64(off), f.Sync()
}

func (m *Manager) registryPath() string {
	return filepath.Join(SnapshotsRoot(m.root), registryFile)
}

func (m *Manager) loadRegistry() ([]registryEntry, error) {
	raw, err := os.ReadFile(m.registryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []registryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) saveRegistry(entries []registryEntry) error {
	if err := os.MkdirAll(SnapshotsRoot(m.root), 0o755); err != nil {
		return err
	}
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(m.registryPath(), buf, 0o644)
}

func (m *Manager) registryAdd(id string, lsn uint64) error {
	entries, err := m.loadRegistry()
	if err != nil {
		return err
	}
	entries = append(entries, registryEntry{ID: id, LSN: lsn})
	return m.saveRegistry(entries)
}

func (m *Manager) registryMarkEnded(id string) error {
	entries, err := m.loadRegistry()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Ended = true
		}
	}
	return m.saveRegistry(entries)
}
