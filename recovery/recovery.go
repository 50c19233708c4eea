// Package recovery implements the log that makes a batch atomic. Page 0
// holds a length snapshot: the sizes of the content log, index table and
// link log as of the last completed batch. The records after it are
// pre-patch images of index table pages, captured during a flush before
// each page is overwritten and stamped with the sequence number of the
// batch that produced them. Replaying them after a crash restores every
// page the unfinished batch touched to its last committed content.
//
// Page 0 is rewritten in place when a batch commits, never deleted, so
// there is no crash point at which the snapshot is missing. Patch records
// from an earlier, already-committed batch can survive past the rewrite;
// they are recognised by their stale sequence stamp and end replay.
package recovery

import (
	"bytes"
	"encoding/binary"
	"iter"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/pagefile"
	"github.com/stevenroose/hammersbald/recordio"
	"github.com/stevenroose/hammersbald/table"
)

const snapshotPageSize = 4096

// patch record: magic + sequence + page id + page image.
const patchHeaderSize = 4 + 8 + 4

var (
	magic      = []byte("HBR1")
	patchMagic = []byte("HBRP")
)

// Lengths is the file-size triple valid as of the last completed batch.
type Lengths struct {
	Data  int64
	Table int64
	Link  int64
}

// Kind discriminates the records yielded by Records.
type Kind int

const (
	// LengthSnapshot is the page-0 record; always yielded first.
	LengthSnapshot Kind = iota + 1
	// PagePatch is an index-table page image to restore.
	PagePatch
)

// Record is one tagged recovery log record.
type Record struct {
	Kind    Kind
	Lengths Lengths // LengthSnapshot only
	Page    uint32  // PagePatch only
	Image   []byte  // PagePatch only
}

// Log is the recovery log over one paged file.
type Log struct {
	f        *pagefile.File
	seq      uint64
	lengths  Lengths
	hasSnap  bool
	writePos int64
}

// Open opens or creates the recovery log at name and loads the current
// snapshot if one exists.
func Open(fs vfs.FS, name string) (*Log, error) {
	f, err := pagefile.Open(fs, name)
	if err != nil {
		return nil, err
	}

	l := &Log{f: f, writePos: snapshotPageSize}
	if f.Len() >= snapshotPageSize {
		if err := l.loadSnapshot(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) loadSnapshot() error {
	page := make([]byte, snapshotPageSize)
	if err := l.f.ReadAt(page, 0); err != nil {
		return err
	}
	if !bytes.Equal(page[:4], magic) {
		return recordio.Corrupt(offset.Invalid, "%s: bad recovery log magic %x", l.f.Name(), page[:4])
	}
	l.seq = binary.BigEndian.Uint64(page[4:12])
	l.lengths = Lengths{
		Data:  offset.Decode(page[12:18]).Pos(),
		Table: offset.Decode(page[18:24]).Pos(),
		Link:  offset.Decode(page[24:30]).Pos(),
	}
	l.hasSnap = true
	return nil
}

// Snapshot returns the current length snapshot, if any.
func (l *Log) Snapshot() (Lengths, bool) {
	return l.lengths, l.hasSnap
}

// Sequence returns the sequence number of the last committed batch.
func (l *Log) Sequence() uint64 {
	return l.seq
}

// WriteSnapshot declares lengths as valid as of now. It rewrites page 0,
// bumps the sequence and rewinds the patch area; the caller must Sync to
// make the commit durable.
func (l *Log) WriteSnapshot(lengths Lengths) error {
	page := make([]byte, snapshotPageSize)
	copy(page, magic)
	binary.BigEndian.PutUint64(page[4:12], l.seq+1)
	for i, n := range []int64{lengths.Data, lengths.Table, lengths.Link} {
		o, err := offset.New(uint64(n))
		if err != nil {
			return err
		}
		o.Encode(page[12+i*offset.Size : 18+i*offset.Size])
	}

	if err := l.f.WriteAt(page, 0); err != nil {
		return err
	}

	l.seq++
	l.lengths = lengths
	l.hasSnap = true
	l.writePos = snapshotPageSize
	return nil
}

// AppendPageImage records the pre-patch content of an index-table page:
// the page as it stood at the last completed batch, read back before the
// in-progress batch overwrites it. The record is stamped with the
// sequence of the in-progress batch, and the log must be synced before
// the page is patched.
func (l *Log) AppendPageImage(page uint32, image []byte) error {
	if len(image) != table.PageSize {
		return table.ErrBadImage
	}

	rec := make([]byte, patchHeaderSize+table.PageSize)
	copy(rec, patchMagic)
	binary.BigEndian.PutUint64(rec[4:12], l.seq+1)
	binary.BigEndian.PutUint32(rec[12:16], page)
	copy(rec[patchHeaderSize:], image)

	if err := l.f.WriteAt(rec, l.writePos); err != nil {
		return err
	}
	l.writePos += int64(len(rec))
	return nil
}

// Records returns the snapshot followed by the patch records of the batch
// that was in progress when the log was last written, in append order.
// Consumed once, at open, by the engine's recovery procedure.
func (l *Log) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if !l.hasSnap {
			return
		}
		if !yield(Record{Kind: LengthSnapshot, Lengths: l.lengths}, nil) {
			return
		}

		pos := int64(snapshotPageSize)
		recSize := int64(patchHeaderSize + table.PageSize)
		for pos+recSize <= l.f.Len() {
			rec := make([]byte, recSize)
			if err := l.f.ReadAt(rec, pos); err != nil {
				yield(Record{}, err)
				return
			}
			// A stale stamp or foreign bytes mean the end of the patch
			// run, not corruption: the area past the last rewrite keeps
			// debris from committed batches.
			if !bytes.Equal(rec[:4], patchMagic) {
				return
			}
			if binary.BigEndian.Uint64(rec[4:12]) != l.seq+1 {
				return
			}
			out := Record{
				Kind:  PagePatch,
				Page:  binary.BigEndian.Uint32(rec[12:16]),
				Image: rec[patchHeaderSize:],
			}
			if !yield(out, nil) {
				return
			}
			pos += recSize
		}
	}
}

// Sync forces the log to stable storage. The sync after WriteSnapshot is
// the durability boundary of the whole batch.
func (l *Log) Sync() error {
	return l.f.Sync()
}

// Close releases the file.
func (l *Log) Close() error {
	return l.f.Close()
}
