package quiverdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOpenPutGet(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64}
	require.NoError(t, Init(opts))

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpenRejectsMissingRoot(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestBloomSidecarAcceleratesGet(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, BloomEnabled: true}
	require.NoError(t, Init(opts))

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("present"), []byte("yes")))

	got, err := db.Get([]byte("present"))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))

	_, err = db.Get([]byte("absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotsEnabledAllowsBeginSnapshot(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64, SnapshotsEnabled: true}
	require.NoError(t, Init(opts))

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	snap, err := db.BeginSnapshot()
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("a"), []byte("2")))

	val, ok, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(val))

	live, err := db.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(live))

	require.NoError(t, db.EndSnapshot(snap))
}

func TestEndSnapshotWithoutManagerErrors(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64}
	require.NoError(t, Init(opts))

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, db.EndSnapshot(nil))
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, PageSize: 4096, Buckets: 64}
	require.NoError(t, Init(opts))

	db, err := OpenReadOnly(opts)
	require.NoError(t, err)
	defer db.Close()

	err = db.Put([]byte("k"), []byte("v"))
	assert.Error(t, err)
}
