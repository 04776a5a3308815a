package arbcore

// Column-family key prefixes. Pebble has no native column-family concept,
// so every key is prefixed with one of these bytes, mirroring the
// original's separate rocksdb column families (spec.md section 6 table).
const (
	cfState            byte = 0x00 // singleton state tags: schema version, inbox tip, profiling cursors
	cfSequencerBatch    byte = 0x01 // LastSequenceNumber (big-endian uint64) -> rlp(SequencerBatchItem)
	cfDelayedMessage    byte = 0x02 // DelayedSequenceNumber (big-endian uint64) -> rlp(DelayedMessage)
	cfCheckpoint        byte = 0x03 // ArbGasUsed (big-endian uint64) -> rlp(storedCheckpoint)
	cfValue             byte = 0x04 // content hash -> rlp(storedValue), reference counted
	cfLog               byte = 0x05 // LogIndex (big-endian uint64) -> rlp(LogEntry)
	cfSend              byte = 0x06 // SendIndex (big-endian uint64) -> rlp(Send)
	cfBlockIndex        byte = 0x07 // L2BlockNumber (big-endian uint64) -> ArbGasUsed (big-endian uint64)
	cfLogsCursor        byte = 0x88 // reserved for per-cursor positions; nothing writes to this prefix
)

// State tags stored under cfState, one byte appended to the cfState
// prefix. The 0xC0-0xC4 range is fixed and compatibility-critical
// (spec.md section 6): schema_version, send_processed, send_inserted,
// log_processed, log_inserted must keep exactly these byte values across
// releases, since an on-disk database written with one assignment is
// unreadable under another. Everything else arbcore needs internally
// (inbox/delayed tips, the driver's last-machine marker, profiling
// cursors) lives outside that reserved range.
const (
	stateTagSchemaVersion byte = 0xC0
	stateTagSendProcessed byte = 0xC1
	stateTagSendInserted  byte = 0xC2
	stateTagLogProcessed  byte = 0xC3
	stateTagLogInserted   byte = 0xC4

	stateTagInboxTip    byte = 0xD1
	stateTagDelayedTip  byte = 0xD2
	stateTagLastMachine byte = 0xD3
	stateTagProfile     byte = 0xD4
)

// schemaVersion is arbcore's compiled-in on-disk schema version. A
// database whose stored stateTagSchemaVersion doesn't match this value
// fails to open with ErrSchemaMismatch.
const schemaVersion uint64 = 3

// ReadTx is a point-in-time, isolated read view over the store. All
// arbcore read paths (GetMessages, GetCheckpointUsingGas, log/send
// lookups) take one explicitly rather than reading through the live
// database handle, so a single logical operation sees a consistent
// snapshot even while the driver is concurrently writing (spec.md
// section 4.2's single-writer / many-readers model).
type ReadTx interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(cf byte, key []byte) ([]byte, error)

	// NewIterator returns an iterator over [lower, upper) within cf.
	// A nil bound is open-ended on that side.
	NewIterator(cf byte, lower, upper []byte) Iterator

	// Discard releases the snapshot. Safe to call more than once.
	Discard()
}

// ReadWriteTx extends ReadTx with mutation, committed atomically by
// Commit. Only the driver goroutine ever opens one (spec.md's
// single-writer invariant); concurrent ReadTx snapshots are unaffected
// by an in-flight ReadWriteTx until it commits.
type ReadWriteTx interface {
	ReadTx

	Set(cf byte, key, value []byte) error
	Delete(cf byte, key []byte) error

	// Commit applies all writes atomically. The transaction is no
	// longer usable afterward.
	Commit() error

	// Discard abandons all writes. Safe to call after Commit as a no-op.
	Discard()
}

// Iterator walks keys within a column family in ascending order unless
// SeekLT/Prev is used, matching Pebble's own iterator contract (which
// this interface is deliberately shaped to forward onto, see
// kvstore/pebble.go).
type Iterator interface {
	// SeekGE positions the iterator at the first key >= key.
	SeekGE(key []byte) bool
	// SeekLT positions the iterator at the last key < key.
	SeekLT(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// Store opens transactions and manages the underlying database handle's
// lifecycle, including directory-level checkpoints (spec.md's "disk
// snapshot" supplemented feature, SPEC_FULL.md section 3).
type Store interface {
	BeginRead() ReadTx
	BeginReadWrite() (ReadWriteTx, error)

	// Checkpoint writes a consistent point-in-time copy of the entire
	// store to dir.
	Checkpoint(dir string) error

	Close() error
}

func putUint64BE(b []byte, n uint64) {
	b[0] = byte(n >> 56)
	b[1] = byte(n >> 48)
	b[2] = byte(n >> 40)
	b[3] = byte(n >> 32)
	b[4] = byte(n >> 24)
	b[5] = byte(n >> 16)
	b[6] = byte(n >> 8)
	b[7] = byte(n)
}

func uint64BE(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
