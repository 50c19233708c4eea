// Package appendlog implements the append-only record file shared by the
// content and link logs. Appends are assigned an offset immediately and
// handed to a single background writer goroutine; Flush is a barrier that
// waits for the queue to drain and Sync additionally waits for the OS to
// confirm durability. Bytes that have not reached the file yet are served
// from the in-memory tail, so a record is readable as soon as Append
// returns.
//
// Every record is framed as a 4-byte big-endian body length followed by
// the body. Each file starts with a 4-byte magic header, which keeps the
// zero offset free to mean "absent".
package appendlog

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/stevenroose/hammersbald/offset"
	"github.com/stevenroose/hammersbald/pagefile"
	"github.com/stevenroose/hammersbald/recordio"
)

var ErrClosed = errors.New("appendlog: log already closed")

// MaxBodyLen bounds a single record body. Anything larger in a frame
// header is treated as corruption.
const MaxBodyLen = 1 << 24

const headerSize = int64(4)

// Record is one entry yielded by Records.
type Record struct {
	Off  offset.Offset
	Body []byte
}

// Log is an append-only record file with a background writer.
type Log struct {
	f     *pagefile.File
	magic []byte

	mu      sync.Mutex
	moved   *sync.Cond // signals writer progress
	end     int64      // logical end, including the unwritten tail
	diskEnd int64      // bytes handed to the pagefile
	tail    []byte     // bytes in [diskEnd, end)
	bgErr   error      // first background write failure

	kick   chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open opens or creates the log at name. A fresh file is stamped with
// magic; an existing file must start with it.
func Open(fs vfs.FS, name string, magic []byte) (*Log, error) {
	if len(magic) != int(headerSize) {
		return nil, fmt.Errorf("appendlog: magic must be %d bytes", headerSize)
	}

	f, err := pagefile.Open(fs, name)
	if err != nil {
		return nil, err
	}

	if f.Len() == 0 {
		if err := f.WriteAt(magic, 0); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		have := make([]byte, headerSize)
		if f.Len() < headerSize {
			f.Close()
			return nil, recordio.Corrupt(offset.Invalid, "%s: short header", name)
		}
		if err := f.ReadAt(have, 0); err != nil {
			f.Close()
			return nil, err
		}
		if !bytes.Equal(have, magic) {
			f.Close()
			return nil, recordio.Corrupt(offset.Invalid, "%s: bad magic %x", name, have)
		}
	}

	l := &Log{
		f:       f,
		magic:   magic,
		end:     f.Len(),
		diskEnd: f.Len(),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	l.moved = sync.NewCond(&l.mu)

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Append queues a record and returns its offset. The bytes are not
// durable until Sync.
func (l *Log) Append(body []byte) (offset.Offset, error) {
	if l.closed.Load() {
		return offset.Invalid, ErrClosed
	}
	if len(body) > MaxBodyLen {
		return offset.Invalid, fmt.Errorf("appendlog: body of %d bytes exceeds limit", len(body))
	}

	l.mu.Lock()
	// Re-checked under mu: a racing Close must not find new tail bytes
	// after its final drain.
	if l.closed.Load() {
		l.mu.Unlock()
		return offset.Invalid, ErrClosed
	}
	if l.bgErr != nil {
		err := l.bgErr
		l.mu.Unlock()
		return offset.Invalid, err
	}

	off, err := offset.New(uint64(l.end))
	if err != nil {
		l.mu.Unlock()
		return offset.Invalid, err
	}

	frame := make([]byte, 4+len(body))
	frame[0] = byte(len(body) >> 24)
	frame[1] = byte(len(body) >> 16)
	frame[2] = byte(len(body) >> 8)
	frame[3] = byte(len(body))
	copy(frame[4:], body)

	l.tail = append(l.tail, frame...)
	l.end += int64(len(frame))
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}

	return off, nil
}

func (l *Log) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.kick:
			l.drain()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

// drain writes everything currently in the tail through to the pagefile.
func (l *Log) drain() {
	for {
		l.mu.Lock()
		if len(l.tail) == 0 || l.bgErr != nil {
			l.mu.Unlock()
			return
		}
		chunk := l.tail
		start := l.diskEnd
		l.mu.Unlock()

		err := l.f.WriteAt(chunk, start)

		l.mu.Lock()
		if err != nil {
			l.bgErr = fmt.Errorf("appendlog: background write: %w", err)
		} else {
			l.tail = l.tail[len(chunk):]
			l.diskEnd += int64(len(chunk))
		}
		l.moved.Broadcast()
		l.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// Flush blocks until every queued append has been handed to the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.diskEnd < l.end && l.bgErr == nil {
		l.moved.Wait()
	}
	return l.bgErr
}

// Sync flushes the queue and forces the file to stable storage.
func (l *Log) Sync() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Len returns the logical length, including queued but unwritten bytes.
func (l *Log) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.end
}

// Truncate discards every record at or beyond n. Recovery-only: the
// caller must guarantee no appends are in flight.
func (l *Log) Truncate(n int64) error {
	if err := l.Flush(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n < headerSize {
		n = headerSize
	}
	if err := l.f.Truncate(n); err != nil {
		return err
	}
	if n < l.end {
		l.end = n
		l.diskEnd = n
		l.tail = nil
	}
	return nil
}

// readAt serves b from the file, the in-memory tail, or both.
func (l *Log) readAt(b []byte, off int64) error {
	l.mu.Lock()

	if off < 0 || off+int64(len(b)) > l.end {
		end := l.end
		l.mu.Unlock()
		return fmt.Errorf("appendlog: read [%d,%d) beyond end %d", off, off+int64(len(b)), end)
	}

	diskEnd := l.diskEnd
	var tailPart []byte
	if off+int64(len(b)) > diskEnd {
		from := off - diskEnd
		if from < 0 {
			from = 0
		}
		tailPart = append([]byte(nil), l.tail[from:off+int64(len(b))-diskEnd]...)
	}
	l.mu.Unlock()

	if off < diskEnd {
		n := diskEnd - off
		if n > int64(len(b)) {
			n = int64(len(b))
		}
		if err := l.f.ReadAt(b[:n], off); err != nil {
			return err
		}
	}
	copy(b[len(b)-len(tailPart):], tailPart)
	return nil
}

// Resolve returns the body of the record at off.
func (l *Log) Resolve(off offset.Offset) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	pos := off.Pos()
	end := l.Len()
	if pos < headerSize || pos+4 > end {
		return nil, recordio.Corrupt(off, "no record header at this offset")
	}

	var hdr [4]byte
	if err := l.readAt(hdr[:], pos); err != nil {
		return nil, err
	}
	n := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
	if n == 0 || n > MaxBodyLen {
		return nil, recordio.Corrupt(off, "implausible record length %d", n)
	}
	if pos+4+int64(n) > end {
		return nil, recordio.Corrupt(off, "record of %d bytes runs past end %d", n, end)
	}

	body := make([]byte, n)
	if err := l.readAt(body, pos+4); err != nil {
		return nil, err
	}
	return body, nil
}

// Records returns a lazy, restartable scan over every record in the log,
// in write order, including records no longer reachable from any index.
func (l *Log) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		end := l.Len()
		pos := headerSize
		for pos < end {
			off, err := offset.New(uint64(pos))
			if err != nil {
				yield(Record{}, err)
				return
			}
			body, err := l.Resolve(off)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(Record{Off: off, Body: body}, nil) {
				return
			}
			pos += 4 + int64(len(body))
		}
	}
}

// Close stops the background writer after draining it and releases the
// file. Appends issued afterwards fail with ErrClosed.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.quit)
	l.wg.Wait()

	l.mu.Lock()
	err := l.bgErr
	l.mu.Unlock()

	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
