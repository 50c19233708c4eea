// Package offset defines the 48-bit logical address used to locate records
// inside the engine's append-only files. An Offset is local to one file and
// ordered by write position; the zero value means "absent".
package offset

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded width of an Offset in bytes.
const Size = 6

// Max is the largest address representable in 48 bits.
const Max = 1<<48 - 1

var ErrOutOfRange = errors.New("offset: value does not fit in 48 bits")

// Offset is a file-local record address. Offsets from different files are
// not comparable.
type Offset uint64

// Invalid is the distinguished absent address.
const Invalid Offset = 0

// New converts a file position to an Offset.
func New(pos uint64) (Offset, error) {
	if pos > Max {
		return Invalid, ErrOutOfRange
	}
	return Offset(pos), nil
}

// Valid reports whether o refers to an actual record.
func (o Offset) Valid() bool {
	return o != Invalid
}

// Pos returns the byte position o addresses.
func (o Offset) Pos() int64 {
	return int64(o)
}

// Encode writes o into a 6-byte big-endian buffer.
func (o Offset) Encode(b []byte) {
	_ = b[Size-1]
	b[0] = byte(o >> 40)
	b[1] = byte(o >> 32)
	binary.BigEndian.PutUint32(b[2:Size], uint32(o))
}

// Bytes returns the 6-byte big-endian encoding of o.
func (o Offset) Bytes() []byte {
	b := make([]byte, Size)
	o.Encode(b)
	return b
}

// Decode reads an Offset from a 6-byte big-endian buffer.
func Decode(b []byte) Offset {
	_ = b[Size-1]
	return Offset(uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(binary.BigEndian.Uint32(b[2:Size])))
}

func (o Offset) String() string {
	return fmt.Sprintf("%d", uint64(o))
}
