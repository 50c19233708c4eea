package recordio_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recordio"
)

func TestFieldRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	_, err := bw.WriteUint8(0x7f)
	require.NoError(t, err)
	_, err = bw.WriteUint24(0x00aabbcc)
	require.NoError(t, err)
	_, err = bw.WriteUint32(0xdeadbeef)
	require.NoError(t, err)
	_, err = bw.WriteOffset(offset.Offset(12345))
	require.NoError(t, err)
	_, err = bw.WriteRaw([]byte("payload"))
	require.NoError(t, err)

	br := recordio.NewBinaryReader(&buf)

	b, err := br.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), b)

	u24, err := br.ReadUint24()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00aabbcc), u24)

	u32, err := br.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), u32)

	off, err := br.ReadOffset()
	require.NoError(t, err)
	assert.Equal(t, offset.Offset(12345), off)

	raw := make([]byte, 7)
	require.NoError(t, br.ReadRaw(raw))
	assert.Equal(t, []byte("payload"), raw)
}

func TestUint24IsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	_, err := bw.WriteUint24(0x010203)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, buf.Bytes())
}

func TestUint24Overflow(t *testing.T) {
	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	_, err := bw.WriteUint24(recordio.MaxU24 + 1)
	assert.Error(t, err)
}

func TestReadShortBuffer(t *testing.T) {
	br := recordio.NewBinaryReader(bytes.NewReader([]byte{0x01}))
	_, err := br.ReadOffset()
	assert.Error(t, err)
}

func TestCorruptError(t *testing.T) {
	err := recordio.Corrupt(offset.Offset(42), "bad tag %d", 9)
	assert.Contains(t, err.Error(), "42")
	assert.Contains(t, err.Error(), "bad tag 9")

	var ce *recordio.CorruptError
	require.ErrorAs(t, error(err), &ce)
	assert.Equal(t, offset.Offset(42), ce.Off)
}
