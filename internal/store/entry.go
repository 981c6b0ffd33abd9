package store

import "hash/crc32"

// Entry is one serialized HTTP response as produced by the cache transport.
type Entry struct {
	Data     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// entryOverhead approximates per-entry bookkeeping in the RAM tier.
const entryOverhead = 64

func newEntry(data []byte, now int64) Entry {
	b := make([]byte, len(data))
	copy(b, data)
	return Entry{Data: b, StoredAt: now, Hash32: crc32.ChecksumIEEE(b)}
}

func (e Entry) size() int64 { return int64(len(e.Data)) + entryOverhead }

// valid reports whether Data still matches the checksum taken when stored.
func (e Entry) valid() bool { return crc32.ChecksumIEEE(e.Data) == e.Hash32 }
