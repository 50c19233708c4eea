// Package recordio provides the binary field codec shared by the engine's
// on-disk formats. All multi-byte fields are big-endian; record addresses
// are 6-byte offsets (see the offset package). The package also defines
// CorruptError, the error every component returns when bytes at a known
// address fail to decode.
package recordio
