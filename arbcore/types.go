package arbcore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InboxState is the pair (count, accumulator) identifying a position in
// the combined inbox history. Two InboxStates with the same Count but
// different Accumulator denote divergent histories (spec section 3).
type InboxState struct {
	Count       uint64
	Accumulator common.Hash
}

// Equal reports whether two inbox states denote the same history.
func (s InboxState) Equal(other InboxState) bool {
	return s.Count == other.Count && s.Accumulator == other.Accumulator
}

// SequencerBatchItem is one atomic unit of the sequencer inbox. Each item
// either carries a sequencer message or advances TotalDelayedCount, never
// both (spec section 3 / 4.1).
type SequencerBatchItem struct {
	LastSequenceNumber uint64
	Accumulator        common.Hash
	TotalDelayedCount  uint64
	SequencerMessage   []byte // nil when this item only advances the delayed count
}

// IsDelayedOnly reports whether this item carries no sequencer message of
// its own, i.e. it only advances TotalDelayedCount.
func (i SequencerBatchItem) IsDelayedOnly() bool {
	return i.SequencerMessage == nil
}

// DelayedMessage is an L1-originated message queued until a sequencer
// item consumes it.
type DelayedMessage struct {
	DelayedSequenceNumber uint64
	DelayedAccumulator    common.Hash
	BlockNumber           uint64
	MessageBody           []byte
}

// MachineOutput is the observable suffix of VM state (spec section 3).
// It alone is enough to answer "is this checkpoint still valid" (I1/I2)
// without loading the full machine.
type MachineOutput struct {
	ArbGasUsed          uint64
	FullyProcessedInbox InboxState
	LogCount            uint64
	SendCount           uint64
	L1BlockNumber       uint64
	L2BlockNumber       uint64
	LastInboxTimestamp  uint64
	LastSideload        *uint64 `rlp:"nil"` // nil when the machine has not paused at a sideload yet
}

// Clone returns a deep copy safe to mutate independently.
func (o MachineOutput) Clone() MachineOutput {
	out := o
	if o.LastSideload != nil {
		v := *o.LastSideload
		out.LastSideload = &v
	}
	return out
}

// MachineStateKeys is a VM state represented purely by content hashes,
// referencing value-store entries whose lifetime is reference-counted
// (spec section 3). The VM's actual instruction semantics are out of
// scope; this is the hand-off shape between arbcore and the Machine
// interface (machine.go).
type MachineStateKeys struct {
	Output       MachineOutput
	StaticHash   common.Hash
	RegisterHash common.Hash
	DataStackHash common.Hash
	AuxStackHash common.Hash
	PC           CodePoint
	ErrPC        CodePoint
	GasRemaining uint64
	CPUState     uint8
}

// CodePoint names a location within a code segment: the segment's
// integer ID plus an offset into it (spec section 9's "arena of segments
// keyed by integer ID").
type CodePoint struct {
	Segment uint64
	Offset  uint64
}

// LogEntry is one emitted VM log, indexed by monotonically assigned
// LogIndex.
type LogEntry struct {
	ValueHash common.Hash
	Inbox     InboxState
}

// Send is one emitted VM send, indexed by monotonically assigned
// SendIndex, carrying the inbox state at emission time as a metadata
// prefix plus opaque body bytes.
type Send struct {
	Inbox InboxState
	Body  []byte
}

// Assertion is one VM execution record between two pauses: logs, sends,
// and an optional sideload marker (spec GLOSSARY).
type Assertion struct {
	Logs               []MachineEmission
	Sends              []MachineEmission
	SideloadBlockNumber *uint64
	GasCount           uint64
}

// MachineEmission pairs an emitted value (log or send payload) with the
// inbox state in effect when the VM emitted it.
type MachineEmission struct {
	Value []byte
	Inbox InboxState
}

// delayedSequenceFlag is bit 255, the high bit of a 256-bit sequence
// number. Delayed messages surfaced through GetMessagesImpl carry
// synthetic sequence numbers prevDelayedCount | delayedSequenceFlag, and
// this representation is load-bearing for callers (spec section 9 open
// questions) -- preserved bit-for-bit.
var delayedSequenceFlag = new(big.Int).Lsh(big.NewInt(1), 255)

// GlobalSequenceNumber returns the caller-visible sequence number for a
// message read via GetMessagesImpl: plain seqNum for sequencer messages,
// or seqNum | (1<<255) for delayed messages reached through a
// delayed-only batch item.
func GlobalSequenceNumber(seqNum uint64, delayed bool) *big.Int {
	n := new(big.Int).SetUint64(seqNum)
	if delayed {
		n.Or(n, delayedSequenceFlag)
	}
	return n
}

// IsDelayedSequenceNumber reports whether n was produced by
// GlobalSequenceNumber with delayed=true.
func IsDelayedSequenceNumber(n *big.Int) bool {
	return new(big.Int).And(n, delayedSequenceFlag).Sign() != 0
}

// ResolveGlobalSequenceNumber strips the high bit set by
// GlobalSequenceNumber and returns the plain index plus whether it
// denoted a delayed message. ok is false if n doesn't fit in a uint64
// once the flag is stripped.
func ResolveGlobalSequenceNumber(n *big.Int) (index uint64, delayed bool, ok bool) {
	delayed = IsDelayedSequenceNumber(n)
	plain := new(big.Int).AndNot(n, delayedSequenceFlag)
	index, ok = bigToUint64Checked(plain)
	return index, delayed, ok
}

// RawMessageInfo is one message as reconstructed by getMessagesImpl:
// opaque bytes plus the synthetic sequence number and the inbox
// accumulator of the sequencer batch item it belongs to.
type RawMessageInfo struct {
	Message        []byte
	SequenceNumber *big.Int
	Accumulator    common.Hash
}

// SideloadPosition pairs an L2 block number with the arb gas used to
// reach it, used by execution cursors to translate a block number target
// into a gas target.
type SideloadPosition struct {
	BlockNumber uint64
	ArbGasUsed  uint64
}
