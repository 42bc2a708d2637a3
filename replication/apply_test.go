package replication

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemonad/quiverdb/kv"
	"github.com/artemonad/quiverdb/storage"
)

func TestShipThenApplyReproducesSourceState(t *testing.T) {
	srcRoot := t.TempDir()
	putSome(t, srcRoot)

	var stream bytes.Buffer
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: srcRoot, SinceInclusive: true}, &stream))

	dstRoot := t.TempDir()
	dstOpts := kv.Options{Root: dstRoot, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(dstOpts))
	require.NoError(t, Apply(ApplyOptions{Root: dstRoot}, &stream))

	db, err := kv.Open(dstOpts)
	require.NoError(t, err)
	defer db.Close()

	for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		got, err := db.Get([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	srcRoot := t.TempDir()
	putSome(t, srcRoot)

	var stream bytes.Buffer
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: srcRoot, SinceInclusive: true}, &stream))
	streamBytes := stream.Bytes()

	dstRoot := t.TempDir()
	dstOpts := kv.Options{Root: dstRoot, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(dstOpts))

	require.NoError(t, Apply(ApplyOptions{Root: dstRoot}, bytes.NewReader(streamBytes)))
	require.NoError(t, Apply(ApplyOptions{Root: dstRoot}, bytes.NewReader(streamBytes)))

	db, err := kv.Open(dstOpts)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestApplyOverPSKVerifiesHelloAndRecords(t *testing.T) {
	srcRoot := t.TempDir()
	putSome(t, srcRoot)
	psk := []byte("a-shared-secret")

	var stream bytes.Buffer
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: srcRoot, SinceInclusive: true, PSK: psk}, &stream))

	dstRoot := t.TempDir()
	dstOpts := kv.Options{Root: dstRoot, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(dstOpts))

	cpPath := filepath.Join(t.TempDir(), "replica.checkpoint")
	require.NoError(t, Apply(ApplyOptions{Root: dstRoot, PSK: psk, Strict: true, CheckpointPath: cpPath}, &stream))

	db, err := kv.Open(dstOpts)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	cp, err := loadCheckpoint(cpPath)
	require.NoError(t, err)
	assert.Greater(t, cp.LastAppliedLSN, uint64(0))
}

func TestApplyAdvancesDestinationMetaLastLSN(t *testing.T) {
	srcRoot := t.TempDir()
	putSome(t, srcRoot)

	var stream bytes.Buffer
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: srcRoot, SinceInclusive: true}, &stream))

	dstRoot := t.TempDir()
	dstOpts := kv.Options{Root: dstRoot, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(dstOpts))
	require.NoError(t, Apply(ApplyOptions{Root: dstRoot}, &stream))

	meta, err := storage.ReadMeta(dstRoot)
	require.NoError(t, err)
	assert.Greater(t, meta.LastLSN, uint64(0))
}
