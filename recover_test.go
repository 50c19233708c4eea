package hammersbald

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interruptedCommit runs every step of a batch commit except the final
// snapshot write, then drops the handles: the crash point where the
// index table is already patched but the batch never became durable.
func interruptedCommit(t *testing.T, db *DB) {
	t.Helper()
	require.NoError(t, db.data.Sync())
	require.NoError(t, db.mem.Flush(db.redo, db.tbl, db.links))
	require.NoError(t, db.links.Sync())
	require.NoError(t, db.tbl.Sync())
	require.NoError(t, db.close())
}

func TestRecoverCrashBeforeSnapshot(t *testing.T) {
	fs := vfs.NewMem()
	opts := DefaultOptions()
	opts.FS = fs
	opts.BucketCount = 64

	db, err := New("db", &opts)
	require.NoError(t, err)

	key := []byte("k1")
	o1, err := db.Put([][]byte{key}, []byte("A"))
	require.NoError(t, err)
	require.NoError(t, db.Batch())

	// Overwrite k1 and store a fresh key, then lose the batch with the
	// table already patched.
	_, err = db.Put([][]byte{key}, []byte("B"))
	require.NoError(t, err)
	_, err = db.Put([][]byte{[]byte("fresh")}, []byte("never committed"))
	require.NoError(t, err)
	interruptedCommit(t, db)

	db, err = New("db", &opts)
	require.NoError(t, err)
	defer db.Shutdown()

	// The patched heads pointed at rolled-back link records; recovery
	// must restore the committed ones.
	e, err := db.GetUnique(key)
	require.NoError(t, err)
	assert.Equal(t, o1, e.Off)
	assert.Equal(t, []byte("A"), e.Data)

	_, err = db.GetUnique([]byte("fresh"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRecoverCrashBeforeSnapshotManyBuckets(t *testing.T) {
	fs := vfs.NewMem()
	opts := DefaultOptions()
	opts.FS = fs
	opts.BucketCount = 64

	db, err := New("db", &opts)
	require.NoError(t, err)

	put := func(i int, v string) {
		t.Helper()
		_, err := db.Put([][]byte{{byte(i)}}, []byte(v))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		put(i, "committed")
	}
	require.NoError(t, db.Batch())
	for i := 0; i < 200; i++ {
		put(i, "lost")
	}
	interruptedCommit(t, db)

	db, err = New("db", &opts)
	require.NoError(t, err)
	defer db.Shutdown()

	for i := 0; i < 200; i++ {
		e, err := db.GetUnique([]byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, []byte("committed"), e.Data)
	}
}
