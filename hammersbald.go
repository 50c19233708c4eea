package hammersbald

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/stevenroose/hammersbald/datalog"
	"github.com/stevenroose/hammersbald/linklog"
	"github.com/stevenroose/hammersbald/memtable"
	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/recovery"
	"github.com/stevenroose/hammersbald/table"
)

// Errors returned by the engine.
var (
	// ErrDoesNotFit is returned by Put when keys or payload exceed the
	// record limits.
	ErrDoesNotFit = datalog.ErrDoesNotFit

	// ErrKeyNotFound is returned by GetUnique when no committed or
	// pending record carries the key.
	ErrKeyNotFound = errors.New("hammersbald: key not found")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("hammersbald: database is shut down")

	// ErrAborted is returned once a batch has failed; the database must
	// be reopened to run recovery.
	ErrAborted = errors.New("hammersbald: batch aborted, database must be reopened")
)

// Database file names inside the database directory.
const (
	dataFileName  = "data.log"
	linkFileName  = "link.log"
	tableFileName = "table.dat"
	redoFileName  = "redo.log"
)

type state int

const (
	stateOpen state = iota
	stateCommitting
	stateClosed
)

// DB is a single-writer, crash-consistent key/value store. Put and Batch
// must come from one goroutine (an internal mutex enforces it); readers
// may run concurrently and observe either the pre- or post-flush view of
// an in-flight batch.
type DB struct {
	mu    sync.Mutex
	state state
	opts  Options
	log   *zap.Logger

	redo  *recovery.Log
	tbl   *table.Table
	data  *datalog.DataLog
	links *linklog.LinkLog
	mem   *memtable.MemTable
}

// New opens or creates the database in directory name, runs recovery and
// starts the first batch. The database lands in exactly the state of its
// last completed batch.
func New(name string, opts *Options) (*DB, error) {
	o := opts.withDefaults()
	fs := o.FS

	if err := fs.MkdirAll(name, 0o755); err != nil {
		return nil, fmt.Errorf("hammersbald: failed to create %s: %w", name, err)
	}

	db := &DB{opts: o, log: o.Logger}

	var err error
	if db.redo, err = recovery.Open(fs, fs.PathJoin(name, redoFileName)); err != nil {
		return nil, err
	}
	if db.tbl, err = table.Open(fs, fs.PathJoin(name, tableFileName), o.BucketCount); err != nil {
		db.redo.Close()
		return nil, err
	}
	if db.data, err = datalog.Open(fs, fs.PathJoin(name, dataFileName)); err != nil {
		db.tbl.Close()
		db.redo.Close()
		return nil, err
	}
	if db.links, err = linklog.Open(fs, fs.PathJoin(name, linkFileName)); err != nil {
		db.data.Close()
		db.tbl.Close()
		db.redo.Close()
		return nil, err
	}

	if err := db.recover(); err != nil {
		db.close()
		return nil, err
	}
	if db.mem, err = memtable.Load(db.tbl); err != nil {
		db.close()
		return nil, err
	}
	if err := db.Batch(); err != nil {
		db.close()
		return nil, err
	}
	return db, nil
}

// recover rolls the files back to the last completed batch: truncating
// to the snapshot lengths undoes all appends of an unfinished batch, and
// restoring the logged page images undoes its in-place table patches.
// Every head in a restored image points below the truncation boundary,
// since the image is the page content of the batch the snapshot belongs
// to.
func (db *DB) recover() error {
	db.log.Debug("recover")

	patched := 0
	for rec, err := range db.redo.Records() {
		if err != nil {
			return err
		}
		switch rec.Kind {
		case recovery.LengthSnapshot:
			if err := db.data.Truncate(rec.Lengths.Data); err != nil {
				return err
			}
			if err := db.tbl.Truncate(rec.Lengths.Table); err != nil {
				return err
			}
			if err := db.links.Truncate(rec.Lengths.Link); err != nil {
				return err
			}
			db.log.Debug("recover: truncated to last batch",
				zap.Int64("data", rec.Lengths.Data),
				zap.Int64("table", rec.Lengths.Table),
				zap.Int64("link", rec.Lengths.Link))
		case recovery.PagePatch:
			if err := db.tbl.PatchPage(rec.Page, rec.Image); err != nil {
				return err
			}
			patched++
		}
	}
	if patched > 0 {
		db.log.Debug("recover: restored page images", zap.Int("pages", patched))
	}
	return nil
}

// Init prepares a brand-new database: it empties the content and link
// logs and commits an initial snapshot of the empty state.
func (db *DB) Init() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkWritable(); err != nil {
		return err
	}
	if err := db.data.Truncate(0); err != nil {
		return err
	}
	if err := db.links.Truncate(0); err != nil {
		return err
	}
	return db.commitSnapshot()
}

// Put stores data under every given key and returns the record's offset.
// The content write is queued for the log immediately; the index update
// becomes durable at the next Batch.
func (db *DB) Put(keys [][]byte, data []byte) (offset.Offset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkWritable(); err != nil {
		return offset.Invalid, err
	}
	if err := datalog.CheckFit(keys, data); err != nil {
		return offset.Invalid, err
	}

	off, err := db.data.AppendKeyed(keys, data)
	if err != nil {
		return offset.Invalid, err
	}
	db.mem.Put(keys, off)
	return off, nil
}

// Get returns a lazy sequence of every record stored for key, newest
// first, resolved through the content log.
func (db *DB) Get(key []byte) iter.Seq2[datalog.Entry, error] {
	return db.mem.Get(key, db.data, db.links)
}

// GetUnique returns the logically current record for key: the payload of
// the most recent Put. ErrKeyNotFound when the key was never stored.
func (db *DB) GetUnique(key []byte) (datalog.Entry, error) {
	e, found, err := db.mem.GetUnique(key, db.data, db.links)
	if err != nil {
		return datalog.Entry{}, err
	}
	if !found {
		return datalog.Entry{}, ErrKeyNotFound
	}
	return e, nil
}

// PutContent appends data without keys; only the returned offset can
// retrieve it.
func (db *DB) PutContent(data []byte) (offset.Offset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkWritable(); err != nil {
		return offset.Invalid, err
	}
	return db.data.AppendExtension(data)
}

// GetContent resolves a known offset to its keys and payload. The key
// list is empty for content stored with PutContent.
func (db *DB) GetContent(off offset.Offset) ([][]byte, []byte, error) {
	e, err := db.data.Resolve(off)
	if err != nil {
		return nil, nil, err
	}
	return e.Keys, e.Data, nil
}

// Batch ends the current batch and starts a new one. When it returns, all
// writes since the previous Batch are durable and atomic: after a crash
// they are either all visible or none.
func (db *DB) Batch() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkWritable(); err != nil {
		return err
	}
	db.state = stateCommitting
	db.log.Debug("batch end")

	if err := db.data.Sync(); err != nil {
		return err
	}
	if err := db.mem.Flush(db.redo, db.tbl, db.links); err != nil {
		return err
	}
	if err := db.links.Sync(); err != nil {
		return err
	}
	if err := db.tbl.Sync(); err != nil {
		return err
	}
	if err := db.commitSnapshot(); err != nil {
		return err
	}

	db.state = stateOpen
	db.log.Debug("batch start")
	return nil
}

// commitSnapshot writes and syncs a new length snapshot; the recovery
// log sync is the durability boundary of the batch.
func (db *DB) commitSnapshot() error {
	lengths := recovery.Lengths{
		Data:  db.data.Len(),
		Table: db.tbl.Len(),
		Link:  db.links.Len(),
	}
	if err := db.redo.WriteSnapshot(lengths); err != nil {
		return err
	}
	if err := db.redo.Sync(); err != nil {
		return err
	}
	db.log.Debug("batch committed",
		zap.Uint64("seq", db.redo.Sequence()),
		zap.Int64("data", lengths.Data),
		zap.Int64("table", lengths.Table),
		zap.Int64("link", lengths.Link))
	return nil
}

// DataEntries returns a lazy scan over every content record ever written,
// including records superseded by later writes to the same key. For audit
// and index rebuild.
func (db *DB) DataEntries() iter.Seq2[datalog.Entry, error] {
	return db.data.Entries()
}

// Links returns a lazy scan over every link record ever written, live or
// superseded.
func (db *DB) Links() iter.Seq2[linklog.Record, error] {
	return db.links.Records()
}

// GetLink resolves one link record.
func (db *DB) GetLink(off offset.Offset) (linklog.Record, error) {
	return db.links.Resolve(off)
}

// BucketHeads returns every bucket's current chain head, in bucket order.
func (db *DB) BucketHeads() iter.Seq[offset.Offset] {
	return db.mem.Heads()
}

func (db *DB) checkWritable() error {
	switch db.state {
	case stateClosed:
		return ErrClosed
	case stateCommitting:
		return ErrAborted
	}
	return nil
}

// Shutdown stops the background writers and releases all files. It must
// be called before the process exits or pending unflushed appends may be
// lost. No operation is permitted afterwards.
func (db *DB) Shutdown() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.state == stateClosed {
		return nil
	}
	db.state = stateClosed
	return db.close()
}

func (db *DB) close() error {
	var firstErr error
	for _, c := range []func() error{db.data.Close, db.links.Close, db.tbl.Close, db.redo.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
