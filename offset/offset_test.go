package offset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenroose/hammersbald/offset"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 1 << 23, offset.Max} {
		o, err := offset.New(v)
		require.NoError(t, err)

		b := o.Bytes()
		require.Len(t, b, offset.Size)
		assert.Equal(t, o, offset.Decode(b))
	}
}

func TestEncodeBigEndian(t *testing.T) {
	o, err := offset.New(0x0102030405060 >> 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, o.Bytes())
}

func TestNewRejectsOverflow(t *testing.T) {
	_, err := offset.New(offset.Max + 1)
	assert.ErrorIs(t, err, offset.ErrOutOfRange)
}

func TestInvalidIsZero(t *testing.T) {
	assert.False(t, offset.Invalid.Valid())
	assert.True(t, offset.Offset(1).Valid())
	assert.Equal(t, offset.Invalid, offset.Decode(make([]byte, offset.Size)))
}
