package recordio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stevenroose/hammersbald/offset"
)

// Field widths used by the on-disk formats. Everything is big-endian.
var (
	U24Size = int64(3)
	U32Size = int64(binary.Size(uint32(0)))
)

// MaxU24 is the largest value a 3-byte length field can carry.
const MaxU24 = 1<<24 - 1

// CorruptError reports that the bytes at a given address do not form a
// well-formed record. It is never swallowed: lookups and scans surface it
// to the caller.
type CorruptError struct {
	Off    offset.Offset
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("recordio: corrupted record at offset %s: %s", e.Off, e.Reason)
}

// Corrupt builds a CorruptError for the record at off.
func Corrupt(off offset.Offset, format string, args ...any) *CorruptError {
	return &CorruptError{Off: off, Reason: fmt.Sprintf(format, args...)}
}

// BinaryWriter handles writing binary fields with error handling.
type BinaryWriter struct {
	w io.Writer
}

func NewBinaryWriter(w io.Writer) BinaryWriter {
	return BinaryWriter{w: w}
}

func (bw BinaryWriter) WriteUint8(b byte) (int64, error) {
	if _, err := bw.w.Write([]byte{b}); err != nil {
		return 0, fmt.Errorf("error writing byte: %w", err)
	}
	return 1, nil
}

func (bw BinaryWriter) WriteUint24(v uint32) (int64, error) {
	if v > MaxU24 {
		return 0, fmt.Errorf("value %d does not fit in 24 bits", v)
	}
	b := []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	if _, err := bw.w.Write(b); err != nil {
		return 0, fmt.Errorf("error writing uint24: %w", err)
	}
	return U24Size, nil
}

func (bw BinaryWriter) WriteUint32(v uint32) (int64, error) {
	if err := binary.Write(bw.w, binary.BigEndian, v); err != nil {
		return 0, fmt.Errorf("error writing uint32: %w", err)
	}
	return U32Size, nil
}

func (bw BinaryWriter) WriteOffset(o offset.Offset) (int64, error) {
	if _, err := bw.w.Write(o.Bytes()); err != nil {
		return 0, fmt.Errorf("error writing offset: %w", err)
	}
	return offset.Size, nil
}

// WriteRaw writes b with no length prefix.
func (bw BinaryWriter) WriteRaw(b []byte) (int64, error) {
	n, err := bw.w.Write(b)
	if err != nil {
		return int64(n), fmt.Errorf("error writing raw bytes: %w", err)
	}
	return int64(n), nil
}

// BinaryReader handles reading binary fields with error handling.
type BinaryReader struct {
	r io.Reader
}

func NewBinaryReader(r io.Reader) BinaryReader {
	return BinaryReader{r: r}
}

func (br BinaryReader) ReadUint8() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("error reading byte: %w", err)
	}
	return b[0], nil
}

func (br BinaryReader) ReadUint24() (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("error reading uint24: %w", err)
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (br BinaryReader) ReadUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(br.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("error reading uint32: %w", err)
	}
	return v, nil
}

func (br BinaryReader) ReadOffset() (offset.Offset, error) {
	var b [offset.Size]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return offset.Invalid, fmt.Errorf("error reading offset: %w", err)
	}
	return offset.Decode(b[:]), nil
}

// ReadRaw reads exactly len(b) bytes.
func (br BinaryReader) ReadRaw(b []byte) error {
	if _, err := io.ReadFull(br.r, b); err != nil {
		return fmt.Errorf("error reading raw bytes: %w", err)
	}
	return nil
}
