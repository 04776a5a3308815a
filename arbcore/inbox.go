package arbcore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// GetInboxAcc returns the sequencer accumulator at count, i.e. the
// Accumulator of the sequencer batch item whose LastSequenceNumber+1
// equals count, or the genesis accumulator when count is 0.
func GetInboxAcc(tx ReadTx, count uint64) (common.Hash, error) {
	if count == 0 {
		return GenesisAccumulator(), nil
	}
	item, err := getSequencerBatchItem(tx, count-1)
	if err != nil {
		return common.Hash{}, err
	}
	return item.Accumulator, nil
}

// GetDelayedInboxAcc returns the delayed-message accumulator at count.
func GetDelayedInboxAcc(tx ReadTx, count uint64) (common.Hash, error) {
	if count == 0 {
		return GenesisAccumulator(), nil
	}
	msg, err := getDelayedMessage(tx, count-1)
	if err != nil {
		return common.Hash{}, err
	}
	return msg.DelayedAccumulator, nil
}

// GetInboxAccPair returns both the sequencer and delayed accumulators at
// their respective counts in one call, as the driver needs both together
// when validating a checkpoint's full inbox position.
func GetInboxAccPair(tx ReadTx, seqCount, delayedCount uint64) (common.Hash, common.Hash, error) {
	seqAcc, err := GetInboxAcc(tx, seqCount)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	delayedAcc, err := GetDelayedInboxAcc(tx, delayedCount)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	return seqAcc, delayedAcc, nil
}

// CountMatchingBatchAccs returns how many of the given items, in order
// starting at startCount, match what's already stored on disk (by
// Accumulator equality). Used by AddMessages to find how much of an
// incoming batch is already durable before doing any writing.
func CountMatchingBatchAccs(tx ReadTx, startCount uint64, items []SequencerBatchItem) (uint64, error) {
	var matching uint64
	for i, item := range items {
		existing, err := getSequencerBatchItem(tx, startCount+uint64(i))
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return 0, err
		}
		if existing.Accumulator != item.Accumulator {
			break
		}
		matching++
	}
	return matching, nil
}

// AddMessages appends newItems (sequencer batch items) starting at
// prevCount, after verifying they chain correctly from the accumulator
// already on disk at prevCount. If reorgBatchItems is non-nil, every
// stored item with LastSequenceNumber >= *reorgBatchItems is deleted (and
// dependent checkpoints/logs/sends truncated and cursors notified) before
// anything else happens, regardless of whether newItems would otherwise
// diverge there (spec.md section 4.1's first addMessages contract
// bullet). If part of newItems duplicates what's already stored, only
// the non-duplicate suffix is written. If a stored item at a position in
// range disagrees with the corresponding new item, every item from that
// position onward is deleted the same way before the new items are
// written (spec.md section 4.1's reorg/lockstep/divergence protocol).
//
// cursors, if non-nil, are notified of any log/send truncation a reorg
// causes (spec.md section 4.4) before the underlying rows are deleted.
func AddMessages(tx ReadWriteTx, prevCount uint64, prevAcc common.Hash, newItems []SequencerBatchItem, reorgBatchItems *uint64, cursors []*LogsCursor) error {
	if reorgBatchItems != nil {
		if err := reorgInboxAndDependents(tx, *reorgBatchItems, cursors); err != nil {
			return err
		}
	}

	if prevCount > 0 {
		stored, err := GetInboxAcc(tx, prevCount)
		if err != nil {
			return err
		}
		if stored != prevAcc {
			return ErrUserLogic
		}
	}

	matching, err := CountMatchingBatchAccs(tx, prevCount, newItems)
	if err != nil {
		return err
	}
	if matching == uint64(len(newItems)) {
		return nil // fully duplicate batch, nothing to do
	}

	divergeCount := prevCount + matching
	// Is there anything stored at or after divergeCount that disagrees?
	if _, err := getSequencerBatchItem(tx, divergeCount); err == nil {
		if err := reorgInboxAndDependents(tx, divergeCount, cursors); err != nil {
			return err
		}
	}

	chainAcc := prevAcc
	if matching > 0 {
		chainAcc, err = GetInboxAcc(tx, divergeCount)
		if err != nil {
			return err
		}
	}
	for i := matching; i < uint64(len(newItems)); i++ {
		item := newItems[i]
		delayedAcc, err := GetDelayedInboxAcc(tx, item.TotalDelayedCount)
		if err != nil {
			if err == ErrNotFound {
				// spec.md section 4.1: delayed_acc at this item's
				// TotalDelayedCount must already be present.
				return ErrUserLogic
			}
			return err
		}
		expected := NextSequencerAccumulator(chainAcc, item.LastSequenceNumber, item.TotalDelayedCount, item.SequencerMessage, delayedAcc)
		if expected != item.Accumulator {
			return ErrUserLogic
		}
		if err := putSequencerBatchItem(tx, prevCount+i, item); err != nil {
			return err
		}
		chainAcc = item.Accumulator
	}
	return tx.Set(cfState, []byte{stateTagInboxTip}, encodeUint64(prevCount+uint64(len(newItems))))
}

// reorgInboxAndDependents truncates sequencer items at or beyond
// keepCount, along with every dependent store that must stay consistent
// with the surviving inbox history: it selects the newest checkpoint
// whose FullyProcessedInbox.Count <= keepCount (deleting every newer
// one), notifies cursors of the logs about to disappear before they
// actually do, truncates the log/send stores to match, and finally
// deletes the sequencer items themselves (spec.md section 4.1/4.4,
// invariants I2/I3).
func reorgInboxAndDependents(tx ReadWriteTx, keepCount uint64, cursors []*LogsCursor) error {
	out, found, err := ReorgCheckpoints(tx, func(o MachineOutput) bool {
		return o.FullyProcessedInbox.Count <= keepCount
	}, false)
	if err != nil {
		return err
	}
	var keepLogCount, keepSendCount uint64
	if found {
		keepLogCount, keepSendCount = out.LogCount, out.SendCount
	}
	if len(cursors) > 0 {
		if err := handleLogsCursorReorg(tx, cursors, keepLogCount); err != nil {
			return err
		}
	}
	if err := ReorgLogsAndSendsTo(tx, keepLogCount, keepSendCount); err != nil {
		return err
	}
	return deleteSequencerBatchItemsFrom(tx, keepCount)
}

// AddDelayedMessages appends delayed messages starting at prevCount,
// verifying the chain the same way AddMessages does for sequencer items,
// including the same lockstep/divergence protocol: if part of
// newMessages duplicates what's already stored, only the non-duplicate
// suffix is written; if a stored message at a position in range
// disagrees, every delayed message from that position onward is deleted
// before the new ones are written (spec.md section 4.1). Reorging a
// delayed message already consumed by a sequencer batch item is fatal
// (ErrAlreadySequenced) rather than silently truncating consumed
// history.
func AddDelayedMessages(tx ReadWriteTx, prevCount uint64, prevAcc common.Hash, newMessages []DelayedMessage, maxConsumedDelayedCount uint64) error {
	if prevCount > 0 {
		stored, err := GetDelayedInboxAcc(tx, prevCount)
		if err != nil {
			return err
		}
		if stored != prevAcc {
			return ErrUserLogic
		}
	}

	if prevCount < maxConsumedDelayedCount {
		return ErrAlreadySequenced
	}

	matching, err := countMatchingDelayedAccs(tx, prevCount, newMessages)
	if err != nil {
		return err
	}
	if matching == uint64(len(newMessages)) {
		return nil // fully duplicate batch, nothing to do
	}

	divergeCount := prevCount + matching
	if _, err := getDelayedMessage(tx, divergeCount); err == nil {
		if divergeCount < maxConsumedDelayedCount {
			return ErrAlreadySequenced
		}
		if err := deleteDelayedMessagesFrom(tx, divergeCount); err != nil {
			return err
		}
	}

	chainAcc := prevAcc
	if matching > 0 {
		chainAcc, err = GetDelayedInboxAcc(tx, divergeCount)
		if err != nil {
			return err
		}
	}
	for i := matching; i < uint64(len(newMessages)); i++ {
		msg := newMessages[i]
		expected := NextDelayedAccumulator(chainAcc, msg.DelayedSequenceNumber, msg.BlockNumber, msg.MessageBody)
		if expected != msg.DelayedAccumulator {
			return ErrUserLogic
		}
		if err := putDelayedMessage(tx, prevCount+i, msg); err != nil {
			return err
		}
		chainAcc = msg.DelayedAccumulator
	}
	return tx.Set(cfState, []byte{stateTagDelayedTip}, encodeUint64(prevCount+uint64(len(newMessages))))
}

// countMatchingDelayedAccs is AddDelayedMessages' counterpart to
// CountMatchingBatchAccs.
func countMatchingDelayedAccs(tx ReadTx, startCount uint64, messages []DelayedMessage) (uint64, error) {
	var matching uint64
	for i, msg := range messages {
		existing, err := getDelayedMessage(tx, startCount+uint64(i))
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return 0, err
		}
		if existing.DelayedAccumulator != msg.DelayedAccumulator {
			break
		}
		matching++
	}
	return matching, nil
}

func deleteDelayedMessagesFrom(tx ReadWriteTx, fromDelayedSeqNum uint64) error {
	it := tx.NewIterator(cfDelayedMessage, encodeUint64(fromDelayedSeqNum), nil)
	defer it.Close()

	var keys [][]byte
	for it.SeekGE(nil); it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	for _, key := range keys {
		if err := tx.Delete(cfDelayedMessage, key); err != nil {
			return err
		}
	}
	return nil
}

// GetSequencerBatchItems returns the items in [startCount, endCount).
func GetSequencerBatchItems(tx ReadTx, startCount, endCount uint64) ([]SequencerBatchItem, error) {
	if endCount < startCount {
		return nil, ErrUserLogic
	}
	items := make([]SequencerBatchItem, 0, endCount-startCount)
	for i := startCount; i < endCount; i++ {
		item, err := getSequencerBatchItem(tx, i)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// GetSequencerBlockNumberAt returns the L1 block number recorded at the
// given sequencer item, used by GetSequencerBlockNumberAt-style log
// filtering. Placeholder block linkage: arbcore itself does not track L1
// block numbers per sequencer item (that association lives in the
// message body, out of scope here), so this returns the item's
// TotalDelayedCount as a stand-in monotonic position indicator for
// callers that only need ordering, not the real block number.
func GetSequencerBlockNumberAt(tx ReadTx, seqNum uint64) (uint64, error) {
	item, err := getSequencerBatchItem(tx, seqNum)
	if err != nil {
		return 0, err
	}
	return item.TotalDelayedCount, nil
}

// GetDelayedMessagesToSequence returns up to limit delayed messages
// starting at afterCount, for a sequencer assembling its next batch.
func GetDelayedMessagesToSequence(tx ReadTx, afterCount uint64, limit int) ([]DelayedMessage, error) {
	it := tx.NewIterator(cfDelayedMessage, encodeUint64(afterCount), nil)
	defer it.Close()

	var out []DelayedMessage
	for it.SeekGE(nil); it.Valid() && len(out) < limit; it.Next() {
		var msg DelayedMessage
		if err := rlp.DecodeBytes(it.Value(), &msg); err != nil {
			return nil, ErrCorruption
		}
		out = append(out, msg)
	}
	return out, nil
}

// GetMessagesImpl reconstructs up to count raw messages starting at
// startSeqCount (a plain sequencer-relative position, not yet carrying the
// delayed-message high bit), walking sequencer batch items in order and
// substituting in delayed messages wherever an item is delayed-only.
// Every returned message's SequenceNumber is built through
// GlobalSequenceNumber so callers can tell sequencer and delayed
// messages apart without inspecting the body (spec.md section 9).
func GetMessagesImpl(tx ReadTx, startSeqCount uint64, count int) ([]RawMessageInfo, error) {
	out := make([]RawMessageInfo, 0, count)
	prevDelayedCount := uint64(0)
	if startSeqCount > 0 {
		prev, err := getSequencerBatchItem(tx, startSeqCount-1)
		if err == nil {
			prevDelayedCount = prev.TotalDelayedCount
		} else if err != ErrNotFound {
			return nil, err
		}
	}

	for i := 0; len(out) < count; i++ {
		item, err := getSequencerBatchItem(tx, startSeqCount+uint64(i))
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return nil, err
		}

		if item.IsDelayedOnly() {
			for d := prevDelayedCount; d < item.TotalDelayedCount && len(out) < count; d++ {
				msg, err := getDelayedMessage(tx, d)
				if err != nil {
					return nil, err
				}
				out = append(out, RawMessageInfo{
					Message:        msg.MessageBody,
					SequenceNumber: GlobalSequenceNumber(d, true),
					Accumulator:    item.Accumulator,
				})
			}
		} else {
			out = append(out, RawMessageInfo{
				Message:        item.SequencerMessage,
				SequenceNumber: GlobalSequenceNumber(item.LastSequenceNumber, false),
				Accumulator:    item.Accumulator,
			})
		}
		prevDelayedCount = item.TotalDelayedCount
	}
	return out, nil
}

// GenInboxProof returns the RLP encoding of the single sequencer batch
// item at seqNum together with its predecessor accumulator, enough for an
// external verifier to recompute that one link of the chain. It takes no
// batch boundary, does not walk the items after seqNum, and emits no
// type-tagged sequencer/delayed/end entries.
func GenInboxProof(tx ReadTx, seqNum uint64) ([]byte, error) {
	item, err := getSequencerBatchItem(tx, seqNum)
	if err != nil {
		return nil, err
	}
	prevAcc, err := GetInboxAcc(tx, seqNum)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(struct {
		PrevAcc common.Hash
		Item    SequencerBatchItem
	}{PrevAcc: prevAcc, Item: item})
}

func getSequencerBatchItem(tx ReadTx, seqNum uint64) (SequencerBatchItem, error) {
	raw, err := tx.Get(cfSequencerBatch, encodeUint64(seqNum))
	if err != nil {
		return SequencerBatchItem{}, err
	}
	var item SequencerBatchItem
	if err := rlp.DecodeBytes(raw, &item); err != nil {
		return SequencerBatchItem{}, ErrCorruption
	}
	return item, nil
}

func putSequencerBatchItem(tx ReadWriteTx, seqNum uint64, item SequencerBatchItem) error {
	raw, err := rlp.EncodeToBytes(item)
	if err != nil {
		return err
	}
	return tx.Set(cfSequencerBatch, encodeUint64(seqNum), raw)
}

func deleteSequencerBatchItemsFrom(tx ReadWriteTx, fromSeqNum uint64) error {
	it := tx.NewIterator(cfSequencerBatch, encodeUint64(fromSeqNum), nil)
	defer it.Close()

	var keys [][]byte
	for it.SeekGE(nil); it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	for _, key := range keys {
		if err := tx.Delete(cfSequencerBatch, key); err != nil {
			return err
		}
	}
	return nil
}

func getDelayedMessage(tx ReadTx, delayedSeqNum uint64) (DelayedMessage, error) {
	raw, err := tx.Get(cfDelayedMessage, encodeUint64(delayedSeqNum))
	if err != nil {
		return DelayedMessage{}, err
	}
	var msg DelayedMessage
	if err := rlp.DecodeBytes(raw, &msg); err != nil {
		return DelayedMessage{}, ErrCorruption
	}
	return msg, nil
}

func putDelayedMessage(tx ReadWriteTx, delayedSeqNum uint64, msg DelayedMessage) error {
	raw, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return tx.Set(cfDelayedMessage, encodeUint64(delayedSeqNum), raw)
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	putUint64BE(b, n)
	return b
}

// bigToUint64Checked is used by callers translating a GlobalSequenceNumber
// back down for storage lookups once the delayed-flag bit has already
// been stripped by the caller.
func bigToUint64Checked(n *big.Int) (uint64, bool) {
	if !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}
