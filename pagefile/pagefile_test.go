package pagefile_test

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenroose/hammersbald/pagefile"
)

func openTestFile(t *testing.T) *pagefile.File {
	t.Helper()
	f, err := pagefile.Open(vfs.NewMem(), "test.dat")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.WriteAt([]byte("hello world"), 0))
	assert.Equal(t, int64(11), f.Len())

	b := make([]byte, 5)
	require.NoError(t, f.ReadAt(b, 6))
	assert.Equal(t, []byte("world"), b)
}

func TestReadBeyondLogicalEnd(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.WriteAt([]byte("abcdef"), 0))

	b := make([]byte, 4)
	err := f.ReadAt(b, 4)
	assert.ErrorIs(t, err, pagefile.ErrOutOfBounds)
}

func TestTruncateHidesTail(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.WriteAt([]byte("abcdef"), 0))
	require.NoError(t, f.Truncate(3))
	assert.Equal(t, int64(3), f.Len())

	b := make([]byte, 3)
	assert.ErrorIs(t, f.ReadAt(b, 3), pagefile.ErrOutOfBounds)
	require.NoError(t, f.ReadAt(b, 0))
	assert.Equal(t, []byte("abc"), b)

	// Writes after a truncate overwrite the stale tail.
	require.NoError(t, f.WriteAt([]byte("XY"), 3))
	assert.Equal(t, int64(5), f.Len())
	b = make([]byte, 2)
	require.NoError(t, f.ReadAt(b, 3))
	assert.Equal(t, []byte("XY"), b)
}

func TestTruncateNeverGrows(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.WriteAt([]byte("ab"), 0))
	require.NoError(t, f.Truncate(100))
	assert.Equal(t, int64(2), f.Len())
}

func TestReopenKeepsContents(t *testing.T) {
	fs := vfs.NewMem()

	f, err := pagefile.Open(fs, "persist.dat")
	require.NoError(t, err)
	require.NoError(t, f.WriteAt([]byte("durable"), 0))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = pagefile.Open(fs, "persist.dat")
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(7), f.Len())
	b := make([]byte, 7)
	require.NoError(t, f.ReadAt(b, 0))
	assert.Equal(t, []byte("durable"), b)
}

func TestClosedFile(t *testing.T) {
	f := openTestFile(t)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.WriteAt([]byte("x"), 0), pagefile.ErrClosed)
	assert.ErrorIs(t, f.ReadAt(make([]byte, 1), 0), pagefile.ErrClosed)
	assert.ErrorIs(t, f.Sync(), pagefile.ErrClosed)
	require.NoError(t, f.Close())
}
