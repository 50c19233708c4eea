// Package pagefile wraps a vfs.File with the random-access surface the
// engine's files need: positioned reads and writes, durability via Sync,
// and a logical length that can be wound back without support from the
// underlying filesystem.
//
// The pebble vfs abstraction provides no truncate, so Truncate here is
// logical: the length is clamped and later writes overwrite the stale
// tail. Readers are always bounded by the logical length, so physical
// debris past it is never interpreted.
package pagefile

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrClosed      = errors.New("pagefile: file already closed")
	ErrOutOfBounds = errors.New("pagefile: read beyond logical end of file")
)

// File is a random-access file with an explicit logical length.
type File struct {
	mu     sync.RWMutex
	f      vfs.File
	name   string
	length int64
	closed bool
}

// Open opens or creates name on fs. The logical length starts at the
// physical size; callers that recover from a snapshot wind it back with
// Truncate before use.
func Open(fs vfs.FS, name string) (*File, error) {
	f, err := fs.OpenReadWrite(name)
	if err != nil {
		return nil, fmt.Errorf("pagefile: failed to open %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagefile: failed to stat %s: %w", name, err)
	}

	return &File{f: f, name: name, length: info.Size()}, nil
}

// Name returns the path the file was opened with.
func (p *File) Name() string {
	return p.name
}

// Len returns the logical length.
func (p *File) Len() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.length
}

// ReadAt fills b from position off. Reads past the logical length fail
// with ErrOutOfBounds even when physical bytes exist there.
func (p *File) ReadAt(b []byte, off int64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if off < 0 || off+int64(len(b)) > p.length {
		return fmt.Errorf("%w: [%d,%d) with length %d", ErrOutOfBounds, off, off+int64(len(b)), p.length)
	}
	if _, err := p.f.ReadAt(b, off); err != nil && err != io.EOF {
		return fmt.Errorf("pagefile: read %s at %d: %w", p.name, off, err)
	}
	return nil
}

// WriteAt writes b at position off, extending the logical length when the
// write ends past it.
func (p *File) WriteAt(b []byte, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, err := p.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("pagefile: write %s at %d: %w", p.name, off, err)
	}
	if end := off + int64(len(b)); end > p.length {
		p.length = end
	}
	return nil
}

// Truncate winds the logical length back to n. Growing is not supported.
func (p *File) Truncate(n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if n < 0 {
		return fmt.Errorf("pagefile: truncate %s to negative length %d", p.name, n)
	}
	if n < p.length {
		p.length = n
	}
	return nil
}

// Sync forces written data to stable storage.
func (p *File) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("pagefile: sync %s: %w", p.name, err)
	}
	return nil
}

// Close releases the underlying file.
func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.f.Close()
}
