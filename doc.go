// Package hammersbald is an embedded key/value store built for
// append-heavy workloads such as blockchain data.
//
// Content is only ever appended; nothing is updated in place and nothing
// is deleted. Every Put returns a stable 48-bit offset into the content
// log, and storing several records under the same key keeps all of them:
// Get walks the history newest first, GetUnique returns the most recent.
//
// Writes are grouped into batches. A batch becomes durable atomically
// when Batch returns; after a crash the database recovers to the state of
// the last completed batch using a redo log of length snapshots and index
// page images. One goroutine writes; any number may read concurrently.
package hammersbald
