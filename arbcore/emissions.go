package arbcore

import "github.com/ethereum/go-ethereum/rlp"

// SaveLogs appends entries to the log store starting at the persisted
// log_inserted_count, updates that count, and returns the new total
// (arbcore.cpp's saveLogs). Invariant I3 requires log_inserted_count be a
// persisted scalar kept in lockstep with the rows actually written, not
// recomputed by scanning the column.
func SaveLogs(tx ReadWriteTx, entries []LogEntry) (uint64, error) {
	count, err := logCount(tx)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		raw, err := rlp.EncodeToBytes(entry)
		if err != nil {
			return 0, err
		}
		if err := tx.Set(cfLog, encodeUint64(count+uint64(i)), raw); err != nil {
			return 0, err
		}
	}
	newCount := count + uint64(len(entries))
	if err := setLogCount(tx, newCount); err != nil {
		return 0, err
	}
	return newCount, nil
}

// SaveSends appends entries to the send store starting at the persisted
// send_inserted_count, updates that count, and returns the new total
// (arbcore.cpp's saveSends).
func SaveSends(tx ReadWriteTx, entries []Send) (uint64, error) {
	count, err := sendCount(tx)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		raw, err := rlp.EncodeToBytes(entry)
		if err != nil {
			return 0, err
		}
		if err := tx.Set(cfSend, encodeUint64(count+uint64(i)), raw); err != nil {
			return 0, err
		}
	}
	newCount := count + uint64(len(entries))
	if err := setSendCount(tx, newCount); err != nil {
		return 0, err
	}
	return newCount, nil
}

// GetLogsNoLock returns [from, from+count) logs directly, used by
// callers that already hold a consistent snapshot (as opposed to
// LogsCursor's async request/poll protocol).
func GetLogsNoLock(tx ReadTx, from uint64, count int) ([]LogEntry, error) {
	return readLogs(tx, from, count)
}

// GetSends returns [from, from+count) sends.
func GetSends(tx ReadTx, from uint64, count int) ([]Send, error) {
	out := make([]Send, 0, count)
	for i := 0; i < count; i++ {
		raw, err := tx.Get(cfSend, encodeUint64(from+uint64(i)))
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return nil, err
		}
		var entry Send
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			return nil, ErrCorruption
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReorgLogsAndSendsTo truncates the log and send stores down to the
// given counts, deleting everything at or beyond them and lowering the
// persisted log_inserted_count/send_inserted_count to match, paired with
// ReorgCheckpoints during a checkpoint-level reorg (invariants I2/I3).
func ReorgLogsAndSendsTo(tx ReadWriteTx, keepLogCount, keepSendCount uint64) error {
	if err := deleteFrom(tx, cfLog, keepLogCount); err != nil {
		return err
	}
	if err := setLogCount(tx, keepLogCount); err != nil {
		return err
	}
	if err := deleteFrom(tx, cfSend, keepSendCount); err != nil {
		return err
	}
	return setSendCount(tx, keepSendCount)
}

func deleteFrom(tx ReadWriteTx, cf byte, fromIndex uint64) error {
	it := tx.NewIterator(cf, encodeUint64(fromIndex), nil)
	defer it.Close()

	var keys [][]byte
	for it.SeekGE(nil); it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	for _, key := range keys {
		if err := tx.Delete(cf, key); err != nil {
			return err
		}
	}
	return nil
}

func logCount(tx ReadTx) (uint64, error) {
	return readStateCount(tx, stateTagLogInserted)
}

func setLogCount(tx ReadWriteTx, n uint64) error {
	return tx.Set(cfState, []byte{stateTagLogInserted}, encodeUint64(n))
}

func sendCount(tx ReadTx) (uint64, error) {
	return readStateCount(tx, stateTagSendInserted)
}

func setSendCount(tx ReadWriteTx, n uint64) error {
	return tx.Set(cfState, []byte{stateTagSendInserted}, encodeUint64(n))
}

func readStateCount(tx ReadTx, tag byte) (uint64, error) {
	raw, err := tx.Get(cfState, []byte{tag})
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return uint64BE(raw), nil
}
