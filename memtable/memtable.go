// Package memtable implements the write-back index: an in-memory mirror
// of every index table bucket plus the chain entries appended since the
// last flush. Puts mutate it in memory only; Flush reconciles it with the
// link log and index table at a batch boundary, logging the pre-patch
// image of every affected page to the recovery log before overwriting it.
package memtable

import (
	"iter"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/stevenroose/hammersbald/datalog"
	"github.com/stevenroose/hammersbald/linklog"
	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recovery"
	"github.com/stevenroose/hammersbald/table"
)

type bucket struct {
	// head is the persisted chain head in the link log.
	head offset.Offset
	// pending holds entries added since the last flush, oldest first.
	pending []linklog.Entry
}

// MemTable is the write-back index. A single writer mutates it; readers
// may look up concurrently and observe either the pre- or post-flush
// view, never a partial one.
type MemTable struct {
	mu      sync.RWMutex
	buckets []bucket
	dirty   *btree.BTreeG[int]
}

// Load reads every bucket head from the index table. Must run after
// recovery has replayed any outstanding page patches.
func Load(tbl *table.Table) (*MemTable, error) {
	m := &MemTable{
		buckets: make([]bucket, tbl.Buckets()),
		dirty:   btree.NewG[int](2, func(a, b int) bool { return a < b }),
	}
	for i := range m.buckets {
		head, err := tbl.ReadBucket(i)
		if err != nil {
			return nil, err
		}
		m.buckets[i].head = head
	}
	return m, nil
}

// BucketOf returns the bucket index for key.
func (m *MemTable) BucketOf(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(len(m.buckets)))
}

// slotTagOf is a cheap filter over chain entries; equal keys always get
// equal tags, but a tag match still requires key verification.
func slotTagOf(key []byte) uint32 {
	return uint32(xxhash.Sum64(key) >> 32)
}

// Put records, in memory only, that every key now resolves to data.
func (m *MemTable) Put(keys [][]byte, data offset.Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		i := m.BucketOf(key)
		m.buckets[i].pending = append(m.buckets[i].pending, linklog.Entry{
			Tag:  slotTagOf(key),
			Data: data,
		})
		m.dirty.ReplaceOrInsert(i)
	}
}

// Get returns a lazy sequence of every committed or pending record for
// key, newest first. Slot tags pre-filter the chain; each candidate is
// resolved through the content log and yielded only when its key list
// actually contains key. A decode failure terminates the sequence with
// the error.
func (m *MemTable) Get(key []byte, data *datalog.DataLog, links *linklog.LinkLog) iter.Seq2[datalog.Entry, error] {
	return func(yield func(datalog.Entry, error) bool) {
		tag := slotTagOf(key)

		m.mu.RLock()
		b := m.buckets[m.BucketOf(key)]
		pending := make([]linklog.Entry, len(b.pending))
		copy(pending, b.pending)
		head := b.head
		m.mu.RUnlock()

		emit := func(e linklog.Entry) (bool, error) {
			if e.Tag != tag {
				return true, nil
			}
			entry, err := data.Resolve(e.Data)
			if err != nil {
				return false, err
			}
			if !hasKey(entry.Keys, key) {
				return true, nil
			}
			return yield(entry, nil), nil
		}

		// Pending entries first, newest first.
		for i := len(pending) - 1; i >= 0; i-- {
			more, err := emit(pending[i])
			if err != nil {
				yield(datalog.Entry{}, err)
				return
			}
			if !more {
				return
			}
		}

		// Then the persisted chain from the last known head.
		for head.Valid() {
			rec, err := links.Resolve(head)
			if err != nil {
				yield(datalog.Entry{}, err)
				return
			}
			for _, e := range rec.Entries {
				more, err := emit(e)
				if err != nil {
					yield(datalog.Entry{}, err)
					return
				}
				if !more {
					return
				}
			}
			head = rec.Previous
		}
	}
}

func hasKey(keys [][]byte, key []byte) bool {
	for _, k := range keys {
		if string(k) == string(key) {
			return true
		}
	}
	return false
}

// GetUnique returns the logically current record for key: the first
// element of Get. found is false when the chain yields nothing.
func (m *MemTable) GetUnique(key []byte, data *datalog.DataLog, links *linklog.LinkLog) (entry datalog.Entry, found bool, err error) {
	for e, gerr := range m.Get(key, data, links) {
		if gerr != nil {
			return datalog.Entry{}, false, gerr
		}
		return e, true, nil
	}
	return datalog.Entry{}, false, nil
}

// Flush externalises all pending entries: every dirty bucket gets a new
// link record chained to its previous head, and every affected table
// page has its last committed content imaged into the recovery log
// before being overwritten. Pending state is cleared once all pages are
// patched.
func (m *MemTable) Flush(log *recovery.Log, tbl *table.Table, links *linklog.LinkLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty.Len() == 0 {
		return nil
	}

	var (
		pages    []uint32
		lastPage = uint32(0)
		havePage = false
		flushErr error
	)
	m.dirty.Ascend(func(i int) bool {
		b := &m.buckets[i]

		// Newest entry goes to the chain head.
		reversed := make([]linklog.Entry, len(b.pending))
		for j, e := range b.pending {
			reversed[len(reversed)-1-j] = e
		}

		head, err := links.Append(reversed, b.head)
		if err != nil {
			flushErr = err
			return false
		}
		b.head = head
		b.pending = nil

		page, _ := table.PageOf(i)
		if !havePage || page != lastPage {
			pages = append(pages, page)
			lastPage = page
			havePage = true
		}
		return true
	})
	if flushErr != nil {
		return flushErr
	}

	// Capture the last committed content of every affected page and make
	// it durable before any page is overwritten: a crash from here on
	// finds either the old page or a logged copy of it.
	for _, page := range pages {
		image, err := tbl.ReadPage(page)
		if err != nil {
			return err
		}
		if err := log.AppendPageImage(page, image); err != nil {
			return err
		}
	}
	if err := log.Sync(); err != nil {
		return err
	}

	for _, page := range pages {
		if err := tbl.PatchPage(page, m.pageImage(page)); err != nil {
			return err
		}
	}

	m.dirty.Clear(false)
	return nil
}

// pageImage renders one table page from the in-memory heads.
func (m *MemTable) pageImage(page uint32) []byte {
	image := make([]byte, table.PageSize)
	first := int(page) * table.BucketsPerPage
	for slot := 0; slot < table.BucketsPerPage; slot++ {
		i := first + slot
		if i >= len(m.buckets) {
			break
		}
		m.buckets[i].head.Encode(image[slot*offset.Size : (slot+1)*offset.Size])
	}
	return image
}

// Heads returns a lazy sequence of every bucket's current chain head, in
// bucket order, for diagnostics and audit. Empty buckets yield the zero
// offset.
func (m *MemTable) Heads() iter.Seq[offset.Offset] {
	return func(yield func(offset.Offset) bool) {
		m.mu.RLock()
		heads := make([]offset.Offset, len(m.buckets))
		for i := range m.buckets {
			heads[i] = m.buckets[i].head
		}
		m.mu.RUnlock()

		for _, h := range heads {
			if !yield(h) {
				return
			}
		}
	}
}

// Buckets returns the bucket count.
func (m *MemTable) Buckets() int {
	return len(m.buckets)
}
