package replication

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemonad/quiverdb/kv"
	"github.com/artemonad/quiverdb/storage"
)

func putSome(t *testing.T, root string) {
	t.Helper()
	opts := kv.Options{Root: root, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(opts))
	db, err := kv.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Put([]byte("c"), []byte("3")))
	require.NoError(t, db.Close())
}

func TestShipWritesHelloThenRecords(t *testing.T) {
	root := t.TempDir()
	putSome(t, root)

	var buf bytes.Buffer
	err := Ship(context.Background(), ShipOptions{Root: root, SinceInclusive: true}, &buf)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 16)
}

func TestShipSinceLSNFiltersEarlierRecords(t *testing.T) {
	root := t.TempDir()
	opts := kv.Options{Root: root, PageSize: 4096, Buckets: 16}
	require.NoError(t, kv.InitDB(opts))
	db, err := kv.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, db.Close())

	meta, err := storage.ReadMeta(root)
	require.NoError(t, err)
	lsnAfterFirst := meta.LastLSN

	db, err = kv.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, db.Close())

	var full, filtered bytes.Buffer
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: root, SinceInclusive: true}, &full))
	require.NoError(t, Ship(context.Background(), ShipOptions{Root: root, SinceLSN: lsnAfterFirst, SinceInclusive: false}, &filtered))

	assert.Greater(t, full.Len(), filtered.Len()+16, "filtering by since_lsn should drop the first batch's records")
}

func TestShipPSKModeProducesVerifiableFrames(t *testing.T) {
	root := t.TempDir()
	putSome(t, root)

	psk := []byte("ship-apply-shared-secret")
	var buf bytes.Buffer
	err := Ship(context.Background(), ShipOptions{Root: root, SinceInclusive: true, PSK: psk}, &buf)
	require.NoError(t, err)

	fr := NewFrameReader(&buf, psk, true)
	hello, seq, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Len(t, hello, 16)
}
