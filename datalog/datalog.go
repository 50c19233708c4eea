// Package datalog implements the content log: an append-only store of
// payload records. A record either carries an ordered list of keys (a
// keyed record) or no keys at all (an extension, retrievable only by its
// offset). Records are immutable once appended; the file only grows,
// except for truncation performed during recovery.
package datalog

import (
	"bytes"
	"errors"
	"iter"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/stevenroose/hammersbald/appendlog"
	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recordio"
)

// Limits on a single record. Enforced on every append, not only under a
// debug build.
const (
	MaxKeys    = 255
	MaxKeyLen  = 255
	MaxDataLen = 1<<23 - 1
)

// ErrDoesNotFit is returned when a record exceeds MaxKeys, MaxKeyLen or
// MaxDataLen.
var ErrDoesNotFit = errors.New("datalog: keys or payload exceed record limits")

var magic = []byte("HBD1")

const (
	tagKeyed     = byte(1)
	tagExtension = byte(2)
)

// Entry is a decoded content record. Keys is empty for extensions.
type Entry struct {
	Off  offset.Offset
	Keys [][]byte
	Data []byte
}

// Extension reports whether the record was appended without keys.
func (e Entry) Extension() bool {
	return len(e.Keys) == 0
}

// DataLog is the content log over one append-only file.
type DataLog struct {
	log *appendlog.Log
}

// Open opens or creates the content log at name.
func Open(fs vfs.FS, name string) (*DataLog, error) {
	log, err := appendlog.Open(fs, name, magic)
	if err != nil {
		return nil, err
	}
	return &DataLog{log: log}, nil
}

// CheckFit validates the record limits without appending anything.
func CheckFit(keys [][]byte, data []byte) error {
	if len(keys) > MaxKeys || len(data) > MaxDataLen {
		return ErrDoesNotFit
	}
	for _, k := range keys {
		if len(k) > MaxKeyLen {
			return ErrDoesNotFit
		}
	}
	return nil
}

// AppendKeyed appends a keyed record and returns its offset.
func (d *DataLog) AppendKeyed(keys [][]byte, data []byte) (offset.Offset, error) {
	if err := CheckFit(keys, data); err != nil {
		return offset.Invalid, err
	}

	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	if _, err := bw.WriteUint8(tagKeyed); err != nil {
		return offset.Invalid, err
	}
	if _, err := bw.WriteUint8(byte(len(keys))); err != nil {
		return offset.Invalid, err
	}
	for _, k := range keys {
		if _, err := bw.WriteUint8(byte(len(k))); err != nil {
			return offset.Invalid, err
		}
		if _, err := bw.WriteRaw(k); err != nil {
			return offset.Invalid, err
		}
	}
	if _, err := bw.WriteUint24(uint32(len(data))); err != nil {
		return offset.Invalid, err
	}
	if _, err := bw.WriteRaw(data); err != nil {
		return offset.Invalid, err
	}

	return d.log.Append(buf.Bytes())
}

// AppendExtension appends an unkeyed record and returns its offset.
func (d *DataLog) AppendExtension(data []byte) (offset.Offset, error) {
	if err := CheckFit(nil, data); err != nil {
		return offset.Invalid, err
	}

	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	if _, err := bw.WriteUint8(tagExtension); err != nil {
		return offset.Invalid, err
	}
	if _, err := bw.WriteUint24(uint32(len(data))); err != nil {
		return offset.Invalid, err
	}
	if _, err := bw.WriteRaw(data); err != nil {
		return offset.Invalid, err
	}

	return d.log.Append(buf.Bytes())
}

// Resolve decodes the record at off.
func (d *DataLog) Resolve(off offset.Offset) (Entry, error) {
	body, err := d.log.Resolve(off)
	if err != nil {
		return Entry{}, err
	}
	return decode(off, body)
}

func decode(off offset.Offset, body []byte) (Entry, error) {
	br := recordio.NewBinaryReader(bytes.NewReader(body))

	tag, err := br.ReadUint8()
	if err != nil {
		return Entry{}, recordio.Corrupt(off, "missing record tag")
	}

	e := Entry{Off: off}
	switch tag {
	case tagKeyed:
		n, err := br.ReadUint8()
		if err != nil {
			return Entry{}, recordio.Corrupt(off, "missing key count")
		}
		e.Keys = make([][]byte, 0, n)
		for i := 0; i < int(n); i++ {
			kl, err := br.ReadUint8()
			if err != nil {
				return Entry{}, recordio.Corrupt(off, "missing length of key %d", i)
			}
			k := make([]byte, kl)
			if err := br.ReadRaw(k); err != nil {
				return Entry{}, recordio.Corrupt(off, "short key %d", i)
			}
			e.Keys = append(e.Keys, k)
		}
	case tagExtension:
	default:
		return Entry{}, recordio.Corrupt(off, "unknown record tag %d", tag)
	}

	dl, err := br.ReadUint24()
	if err != nil {
		return Entry{}, recordio.Corrupt(off, "missing payload length")
	}
	if dl > MaxDataLen {
		return Entry{}, recordio.Corrupt(off, "payload length %d exceeds limit", dl)
	}
	e.Data = make([]byte, dl)
	if err := br.ReadRaw(e.Data); err != nil {
		return Entry{}, recordio.Corrupt(off, "short payload")
	}
	return e, nil
}

// Entries returns a lazy, restartable scan over every record ever
// appended, including ones superseded by later writes to the same key.
// Intended for audit and index rebuild, not lookups.
func (d *DataLog) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for rec, err := range d.log.Records() {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			e, err := decode(rec.Off, rec.Body)
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Flush blocks until queued appends reach the file.
func (d *DataLog) Flush() error { return d.log.Flush() }

// Sync flushes and forces durability.
func (d *DataLog) Sync() error { return d.log.Sync() }

// Len returns the logical file length.
func (d *DataLog) Len() int64 { return d.log.Len() }

// Truncate discards bytes beyond n. Recovery-only.
func (d *DataLog) Truncate(n int64) error { return d.log.Truncate(n) }

// Close stops the background writer and releases the file.
func (d *DataLog) Close() error { return d.log.Close() }
