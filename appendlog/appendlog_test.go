package appendlog_test

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenroose/hammersbald/appendlog"
	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recordio"
)

var testMagic = []byte("TST1")

func openTestLog(t *testing.T, fs vfs.FS) *appendlog.Log {
	t.Helper()
	l, err := appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendResolve(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())

	o1, err := l.Append([]byte("first"))
	require.NoError(t, err)
	o2, err := l.Append([]byte("second"))
	require.NoError(t, err)
	require.Greater(t, o2, o1)

	// Readable immediately, before any flush.
	b, err := l.Resolve(o1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), b)

	require.NoError(t, l.Sync())

	b, err = l.Resolve(o2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), b)
}

func TestOffsetsNeverZero(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())

	o, err := l.Append([]byte("x"))
	require.NoError(t, err)
	assert.True(t, o.Valid())
}

func TestRecordsScan(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())

	var want []string
	for i := 0; i < 100; i++ {
		body := fmt.Sprintf("record-%03d", i)
		_, err := l.Append([]byte(body))
		require.NoError(t, err)
		want = append(want, body)
	}
	require.NoError(t, l.Flush())

	var got []string
	var last offset.Offset
	for rec, err := range l.Records() {
		require.NoError(t, err)
		require.Greater(t, rec.Off, last)
		last = rec.Off
		got = append(got, string(rec.Body))
	}
	assert.Equal(t, want, got)

	// The scan is restartable.
	n := 0
	for _, err := range l.Records() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 100, n)
}

func TestResolveBadOffset(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())

	_, err := l.Append([]byte("only"))
	require.NoError(t, err)

	var ce *recordio.CorruptError
	_, err = l.Resolve(offset.Offset(3))
	require.ErrorAs(t, err, &ce)

	_, err = l.Resolve(offset.Offset(1 << 20))
	assert.Error(t, err)
}

func TestTruncateDiscardsRecords(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())

	o1, err := l.Append([]byte("keep"))
	require.NoError(t, err)
	boundary := l.Len()
	_, err = l.Append([]byte("drop"))
	require.NoError(t, err)

	require.NoError(t, l.Truncate(boundary))
	assert.Equal(t, boundary, l.Len())

	b, err := l.Resolve(o1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), b)

	n := 0
	for _, err := range l.Records() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestReopen(t *testing.T) {
	fs := vfs.NewMem()

	l, err := appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	o, err := l.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	l, err = appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	defer l.Close()

	b, err := l.Resolve(o)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), b)
}

func TestReopenBadMagic(t *testing.T) {
	fs := vfs.NewMem()

	l, err := appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = appendlog.Open(fs, "test.log", []byte("XXXX"))
	var ce *recordio.CorruptError
	assert.ErrorAs(t, err, &ce)
}

func TestAppendAfterClose(t *testing.T) {
	l, err := appendlog.Open(vfs.NewMem(), "test.log", testMagic)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Append([]byte("late"))
	assert.ErrorIs(t, err, appendlog.ErrClosed)
}

func TestCloseDrainsPending(t *testing.T) {
	fs := vfs.NewMem()

	l, err := appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)

	var offs []offset.Offset
	for i := 0; i < 1000; i++ {
		o, err := l.Append([]byte(fmt.Sprintf("pending-%d", i)))
		require.NoError(t, err)
		offs = append(offs, o)
	}
	require.NoError(t, l.Close())

	l, err = appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	defer l.Close()

	b, err := l.Resolve(offs[len(offs)-1])
	require.NoError(t, err)
	assert.Equal(t, []byte("pending-999"), b)
}

func TestAppendRacingClose(t *testing.T) {
	fs := vfs.NewMem()

	l, err := appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)

	// One goroutine appends until the log refuses; Close runs
	// concurrently. Every append that handed out an offset must be
	// readable after reopening.
	accepted := make(chan []offset.Offset)
	started := make(chan struct{})
	go func() {
		var offs []offset.Offset
		for i := 0; ; i++ {
			o, err := l.Append([]byte(fmt.Sprintf("racing-%d", i)))
			if err != nil {
				accepted <- offs
				return
			}
			offs = append(offs, o)
			if i == 0 {
				close(started)
			}
		}
	}()

	<-started
	require.NoError(t, l.Close())
	offs := <-accepted

	l, err = appendlog.Open(fs, "test.log", testMagic)
	require.NoError(t, err)
	defer l.Close()

	require.NotEmpty(t, offs)
	for i, o := range offs {
		b, err := l.Resolve(o)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("racing-%d", i)), b)
	}
}
