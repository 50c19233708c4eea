// Package table implements the index table: a paged, randomly patchable
// array of bucket head offsets. A bucket holds the offset of its chain
// head in the link log, or zero when empty. PatchPage is the only
// in-place mutation and is used exclusively by batch flush and recovery
// replay; everything else is read-only bookkeeping.
package table

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/pagefile"
	"github.com/stevenroose/hammersbald/recordio"
)

const (
	// PageSize is the unit of atomic on-disk patching.
	PageSize = 4096

	// BucketsPerPage is how many 6-byte heads fit in one page.
	BucketsPerPage = PageSize / offset.Size
)

var (
	ErrBadPage   = errors.New("table: page id out of range")
	ErrBadBucket = errors.New("table: bucket out of range")
	ErrBadImage  = fmt.Errorf("table: page image must be %d bytes", PageSize)
)

var magic = []byte("HBT1")

// Table is the persistent bucket-head array.
type Table struct {
	f       *pagefile.File
	buckets int
	pages   int
}

// Open opens the table at name, creating it with the given bucket count
// when the file is new. For an existing file the persisted geometry wins.
func Open(fs vfs.FS, name string, buckets int) (*Table, error) {
	if buckets <= 0 {
		return nil, errors.New("table: bucket count must be positive")
	}

	f, err := pagefile.Open(fs, name)
	if err != nil {
		return nil, err
	}

	t := &Table{f: f}
	if f.Len() == 0 {
		t.buckets = buckets
		if err := t.initialize(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := t.loadHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	t.pages = (t.buckets + BucketsPerPage - 1) / BucketsPerPage
	return t, nil
}

func (t *Table) initialize() error {
	hdr := make([]byte, PageSize)
	copy(hdr, magic)
	if _, err := offset.New(uint64(t.buckets)); err != nil {
		return fmt.Errorf("table: bucket count %d: %w", t.buckets, err)
	}
	offset.Offset(t.buckets).Encode(hdr[4 : 4+offset.Size])
	if err := t.f.WriteAt(hdr, 0); err != nil {
		return err
	}

	pages := (t.buckets + BucketsPerPage - 1) / BucketsPerPage
	zero := make([]byte, PageSize)
	for p := 0; p < pages; p++ {
		if err := t.f.WriteAt(zero, int64(p+1)*PageSize); err != nil {
			return err
		}
	}
	return t.f.Sync()
}

func (t *Table) loadHeader() error {
	hdr := make([]byte, 4+offset.Size)
	if err := t.f.ReadAt(hdr, 0); err != nil {
		return err
	}
	if !bytes.Equal(hdr[:4], magic) {
		return recordio.Corrupt(offset.Invalid, "%s: bad table magic %x", t.f.Name(), hdr[:4])
	}
	t.buckets = int(offset.Decode(hdr[4:]))
	if t.buckets == 0 {
		return recordio.Corrupt(offset.Invalid, "%s: zero bucket count", t.f.Name())
	}
	return nil
}

// Buckets returns the bucket count fixed at creation.
func (t *Table) Buckets() int {
	return t.buckets
}

// Pages returns the number of bucket pages.
func (t *Table) Pages() int {
	return t.pages
}

// PageOf returns the page holding bucket and its slot within the page.
func PageOf(bucket int) (page uint32, slot int) {
	return uint32(bucket / BucketsPerPage), bucket % BucketsPerPage
}

// ReadBucket returns the chain head stored for bucket.
func (t *Table) ReadBucket(bucket int) (offset.Offset, error) {
	if bucket < 0 || bucket >= t.buckets {
		return offset.Invalid, fmt.Errorf("%w: %d of %d", ErrBadBucket, bucket, t.buckets)
	}
	page, slot := PageOf(bucket)
	b := make([]byte, offset.Size)
	pos := int64(page+1)*PageSize + int64(slot)*offset.Size
	if err := t.f.ReadAt(b, pos); err != nil {
		return offset.Invalid, err
	}
	return offset.Decode(b), nil
}

// ReadPage returns the current on-disk content of one page.
func (t *Table) ReadPage(page uint32) ([]byte, error) {
	if int(page) >= t.pages {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadPage, page, t.pages)
	}
	image := make([]byte, PageSize)
	if err := t.f.ReadAt(image, int64(page+1)*PageSize); err != nil {
		return nil, err
	}
	return image, nil
}

// PatchPage overwrites one page with image.
func (t *Table) PatchPage(page uint32, image []byte) error {
	if int(page) >= t.pages {
		return fmt.Errorf("%w: %d of %d", ErrBadPage, page, t.pages)
	}
	if len(image) != PageSize {
		return ErrBadImage
	}
	return t.f.WriteAt(image, int64(page+1)*PageSize)
}

// Len returns the page-aligned file length.
func (t *Table) Len() int64 {
	return t.f.Len()
}

// Truncate winds the file length back to n. Recovery-only.
func (t *Table) Truncate(n int64) error {
	return t.f.Truncate(n)
}

// Sync forces patched pages to stable storage.
func (t *Table) Sync() error {
	return t.f.Sync()
}

// Close releases the file.
func (t *Table) Close() error {
	return t.f.Close()
}
