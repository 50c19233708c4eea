package hammersbald

import (
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Options configures a database instance.
type Options struct {
	// FS is the filesystem holding the database files. vfs.NewMem()
	// gives a purely in-memory database.
	FS vfs.FS

	// BucketCount fixes the hash table geometry when the database is
	// created; an existing database keeps its persisted geometry.
	BucketCount int

	// Logger receives debug traces around batch commits and recovery.
	Logger *zap.Logger
}

// DefaultOptions returns the default configuration options.
func DefaultOptions() Options {
	return Options{
		FS:          vfs.Default,
		BucketCount: 1 << 16,
		Logger:      zap.NewNop(),
	}
}

func (o *Options) withDefaults() Options {
	out := DefaultOptions()
	if o == nil {
		return out
	}
	if o.FS != nil {
		out.FS = o.FS
	}
	if o.BucketCount > 0 {
		out.BucketCount = o.BucketCount
	}
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	return out
}
