package arbcore

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NextSequencerAccumulator chains a sequencer batch item onto prev,
// hashing in the fields that make each item's position and content
// unambiguous: the previous accumulator, the sequence number and delayed
// count this item advances to, the message content (or its absence, for
// a delayed-only item), and delayedAcc -- the delayed accumulator at
// totalDelayedCount-1 (GetDelayedInboxAcc(tx, totalDelayedCount), or the
// genesis accumulator when totalDelayedCount is 0). Folding delayedAcc in
// is what lets the sequencer chain detect a divergent delayed-message
// history underneath an item that only advances the delayed count
// (invariant I5).
func NextSequencerAccumulator(prev common.Hash, lastSequenceNumber uint64, totalDelayedCount uint64, sequencerMessage []byte, delayedAcc common.Hash) common.Hash {
	var seqBuf, delayedBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], lastSequenceNumber)
	binary.BigEndian.PutUint64(delayedBuf[:], totalDelayedCount)

	if sequencerMessage == nil {
		// Delayed-only item: hash a zero message-hash placeholder so the
		// chain still distinguishes "no message" from "empty message".
		var zero common.Hash
		return crypto.Keccak256Hash(prev.Bytes(), seqBuf[:], delayedBuf[:], zero.Bytes(), delayedAcc.Bytes())
	}
	msgHash := crypto.Keccak256Hash(sequencerMessage)
	return crypto.Keccak256Hash(prev.Bytes(), seqBuf[:], delayedBuf[:], msgHash.Bytes(), delayedAcc.Bytes())
}

// NextDelayedAccumulator chains a delayed message onto prev, hashing in
// its sequence number, origin L1 block number, and body (invariant I5).
func NextDelayedAccumulator(prev common.Hash, delayedSequenceNumber uint64, blockNumber uint64, messageBody []byte) common.Hash {
	var seqBuf, blockBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], delayedSequenceNumber)
	binary.BigEndian.PutUint64(blockBuf[:], blockNumber)
	bodyHash := crypto.Keccak256Hash(messageBody)
	return crypto.Keccak256Hash(prev.Bytes(), seqBuf[:], blockBuf[:], bodyHash.Bytes())
}

// BuildSequencerBatchItem computes the Accumulator field for an item
// appended after prevAcc, given its other fields and the delayed
// accumulator at totalDelayedCount-1 (see NextSequencerAccumulator).
// Callers constructing new items (tests, AddMessages) use this instead of
// hashing by hand.
func BuildSequencerBatchItem(prevAcc common.Hash, lastSequenceNumber uint64, totalDelayedCount uint64, sequencerMessage []byte, delayedAcc common.Hash) SequencerBatchItem {
	return SequencerBatchItem{
		LastSequenceNumber: lastSequenceNumber,
		Accumulator:        NextSequencerAccumulator(prevAcc, lastSequenceNumber, totalDelayedCount, sequencerMessage, delayedAcc),
		TotalDelayedCount:  totalDelayedCount,
		SequencerMessage:   sequencerMessage,
	}
}

// BuildDelayedMessage computes the DelayedAccumulator field for a
// delayed message appended after prevAcc.
func BuildDelayedMessage(prevAcc common.Hash, delayedSequenceNumber uint64, blockNumber uint64, messageBody []byte) DelayedMessage {
	return DelayedMessage{
		DelayedSequenceNumber: delayedSequenceNumber,
		DelayedAccumulator:    NextDelayedAccumulator(prevAcc, delayedSequenceNumber, blockNumber, messageBody),
		BlockNumber:           blockNumber,
		MessageBody:           messageBody,
	}
}

// VerifyChain reports whether items form a correctly chained sequence
// starting from prevAcc, recomputing each Accumulator and comparing.
// delayedAccAt must return the delayed accumulator at totalDelayedCount-1
// for a given TotalDelayedCount, as GetDelayedInboxAcc does. AddMessages,
// IsValid and CountMatchingBatchAccs do not call it; each compares
// accumulators on its own.
func VerifyChain(prevAcc common.Hash, items []SequencerBatchItem, delayedAccAt func(totalDelayedCount uint64) (common.Hash, error)) (bool, error) {
	acc := prevAcc
	for _, item := range items {
		delayedAcc, err := delayedAccAt(item.TotalDelayedCount)
		if err != nil {
			return false, err
		}
		acc = NextSequencerAccumulator(acc, item.LastSequenceNumber, item.TotalDelayedCount, item.SequencerMessage, delayedAcc)
		if acc != item.Accumulator {
			return false, nil
		}
	}
	return true, nil
}

// genesisAccumulator is the zero hash used as the accumulator
// predecessor of the very first sequencer batch item or delayed message
// (sequence number 0).
var genesisAccumulator = common.Hash{}

// GenesisAccumulator returns the fixed predecessor accumulator for
// position zero.
func GenesisAccumulator() common.Hash {
	return genesisAccumulator
}
