// Package linklog implements the link log: an append-only store of
// hash-chain overflow records. Each record holds a list of
// (slot tag, content offset) entries plus the offset of the previous
// record in its bucket's chain; the most recently appended record for a
// bucket is the chain head. Records are chunked at 255 entries and
// chained, so one flush can persist arbitrarily many pending entries.
package linklog

import (
	"bytes"
	"iter"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/stevenroose/hammersbald/appendlog"
	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recordio"
)

// MaxEntries is the entry capacity of a single link record.
const MaxEntries = 255

var magic = []byte("HBL1")

// Entry points a slot tag at a content log offset.
type Entry struct {
	Tag  uint32
	Data offset.Offset
}

// Record is one decoded link record.
type Record struct {
	Off      offset.Offset
	Entries  []Entry
	Previous offset.Offset
}

// LinkLog is the link log over one append-only file.
type LinkLog struct {
	log *appendlog.Log
}

// Open opens or creates the link log at name.
func Open(fs vfs.FS, name string) (*LinkLog, error) {
	log, err := appendlog.Open(fs, name, magic)
	if err != nil {
		return nil, err
	}
	return &LinkLog{log: log}, nil
}

// Append persists entries as a chain of link records ending at previous
// and returns the offset of the new chain head. Entries must already be
// in newest-first order; a head-first walk of the resulting chain yields
// them unchanged.
func (l *LinkLog) Append(entries []Entry, previous offset.Offset) (offset.Offset, error) {
	if len(entries) == 0 {
		return previous, nil
	}

	// Older chunks are appended first so each newer chunk can chain to
	// them, leaving the newest entries at the head.
	head := previous
	for start := len(entries); start > 0; {
		end := start
		start -= MaxEntries
		if start < 0 {
			start = 0
		}

		off, err := l.appendOne(entries[start:end], head)
		if err != nil {
			return offset.Invalid, err
		}
		head = off
	}
	return head, nil
}

func (l *LinkLog) appendOne(entries []Entry, previous offset.Offset) (offset.Offset, error) {
	var buf bytes.Buffer
	bw := recordio.NewBinaryWriter(&buf)

	if _, err := bw.WriteUint8(byte(len(entries))); err != nil {
		return offset.Invalid, err
	}
	for _, e := range entries {
		if _, err := bw.WriteUint32(e.Tag); err != nil {
			return offset.Invalid, err
		}
		if _, err := bw.WriteOffset(e.Data); err != nil {
			return offset.Invalid, err
		}
	}
	if _, err := bw.WriteOffset(previous); err != nil {
		return offset.Invalid, err
	}

	return l.log.Append(buf.Bytes())
}

// Resolve decodes the link record at off.
func (l *LinkLog) Resolve(off offset.Offset) (Record, error) {
	body, err := l.log.Resolve(off)
	if err != nil {
		return Record{}, err
	}
	return decode(off, body)
}

func decode(off offset.Offset, body []byte) (Record, error) {
	br := recordio.NewBinaryReader(bytes.NewReader(body))

	n, err := br.ReadUint8()
	if err != nil {
		return Record{}, recordio.Corrupt(off, "missing entry count")
	}
	if n == 0 {
		return Record{}, recordio.Corrupt(off, "empty link record")
	}

	r := Record{Off: off, Entries: make([]Entry, 0, n)}
	for i := 0; i < int(n); i++ {
		tag, err := br.ReadUint32()
		if err != nil {
			return Record{}, recordio.Corrupt(off, "short entry %d", i)
		}
		data, err := br.ReadOffset()
		if err != nil {
			return Record{}, recordio.Corrupt(off, "short entry %d", i)
		}
		r.Entries = append(r.Entries, Entry{Tag: tag, Data: data})
	}

	prev, err := br.ReadOffset()
	if err != nil {
		return Record{}, recordio.Corrupt(off, "missing previous offset")
	}
	r.Previous = prev
	return r, nil
}

// Records returns a lazy, restartable scan over every link record ever
// written, live or superseded.
func (l *LinkLog) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for rec, err := range l.log.Records() {
			if err != nil {
				yield(Record{}, err)
				return
			}
			r, err := decode(rec.Off, rec.Body)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// Flush blocks until queued appends reach the file.
func (l *LinkLog) Flush() error { return l.log.Flush() }

// Sync flushes and forces durability.
func (l *LinkLog) Sync() error { return l.log.Sync() }

// Len returns the logical file length.
func (l *LinkLog) Len() int64 { return l.log.Len() }

// Truncate discards bytes beyond n. Recovery-only.
func (l *LinkLog) Truncate(n int64) error { return l.log.Truncate(n) }

// Close stops the background writer and releases the file.
func (l *LinkLog) Close() error { return l.log.Close() }
