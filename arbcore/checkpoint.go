package arbcore

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// checkpointKind discriminates the two checkpoint shapes spec.md section
// 3/9 describes as a single tagged variant: a full checkpoint embeds the
// MachineStateKeys needed to rematerialize a runnable Machine, while a
// light checkpoint carries only the MachineOutput needed to answer "is
// this still valid" (I1) or to serve as a reorgCheckpoints predicate/
// tie-break target without paying for (or pinning) a whole value graph.
type checkpointKind byte

const (
	checkpointFull  checkpointKind = 0
	checkpointLight checkpointKind = 1
)

// storedCheckpoint is the on-disk record saved under cfCheckpoint, keyed
// by ArbGasUsed. Output is always populated; Keys is only meaningful when
// Kind is checkpointFull.
type storedCheckpoint struct {
	Kind   checkpointKind
	Output MachineOutput
	Keys   MachineStateKeys
}

// SaveCheckpoint persists keys under its ArbGasUsed as a full checkpoint,
// refusing to go backward: saving a checkpoint at a gas value already on
// disk (or below the current maximum) is a caller contract violation
// (spec.md section 4.2's append-only checkpoint sequence).
func SaveCheckpoint(tx ReadWriteTx, keys MachineStateKeys) error {
	return saveCheckpoint(tx, storedCheckpoint{Kind: checkpointFull, Output: keys.Output, Keys: keys})
}

// SaveLightCheckpoint persists only output under its ArbGasUsed, with no
// embedded machine state. Light checkpoints are cheap progress markers: a
// driver tick that doesn't cross MinGasCheckpointFrequency but still
// wants a recorded I1-checkable position (e.g. to bound how far a reorg
// predicate has to walk) can save one without pinning a value graph.
func SaveLightCheckpoint(tx ReadWriteTx, output MachineOutput) error {
	return saveCheckpoint(tx, storedCheckpoint{Kind: checkpointLight, Output: output})
}

func saveCheckpoint(tx ReadWriteTx, stored storedCheckpoint) error {
	gas := stored.Output.ArbGasUsed
	maxGas, err := MaxCheckpointGas(tx)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == nil && gas <= maxGas {
		return ErrUserLogic
	}

	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return tx.Set(cfCheckpoint, beGasKey(gas), raw)
}

// MaxCheckpointGas returns the highest ArbGasUsed of any saved
// checkpoint, or ErrNotFound if none exist yet.
func MaxCheckpointGas(tx ReadTx) (uint64, error) {
	it := tx.NewIterator(cfCheckpoint, nil, nil)
	defer it.Close()

	found := false
	var last uint64
	for it.SeekGE(nil); it.Valid(); it.Next() {
		found = true
		last = uint64BE(it.Key())
	}
	if !found {
		return 0, ErrNotFound
	}
	return last, nil
}

// GetCheckpointUsingGas returns the nearest *full* checkpoint (one with
// embedded MachineStateKeys) with ArbGasUsed <= target, walking past any
// intervening light checkpoints, or ErrNotFound if no full checkpoint
// precedes target (spec.md's getCheckpointUsingGas, generalized for the
// tagged full/light variant: light checkpoints narrow I1 validity checks
// but can't rematerialize a Machine on their own).
func GetCheckpointUsingGas(tx ReadTx, target uint64) (MachineStateKeys, error) {
	if target == ^uint64(0) {
		// target+1 would wrap to zero; start from the newest checkpoint.
		maxGas, err := MaxCheckpointGas(tx)
		if err != nil {
			return MachineStateKeys{}, err
		}
		target = maxGas
	}
	it := tx.NewIterator(cfCheckpoint, nil, beGasKey(target+1))
	defer it.Close()

	for ok := it.SeekLT(beGasKey(target + 1)); ok; ok = it.Prev() {
		var stored storedCheckpoint
		if err := rlp.DecodeBytes(it.Value(), &stored); err != nil {
			return MachineStateKeys{}, ErrCorruption
		}
		if stored.Kind == checkpointFull {
			return stored.Keys, nil
		}
	}
	return MachineStateKeys{}, ErrNotFound
}

// GetCheckpointOutputUsingGas returns the MachineOutput of the checkpoint
// (full or light) with the largest ArbGasUsed <= target, or ErrNotFound
// if none exists. Used for I1 validity/predicate checks during reorg
// target selection, which only need the output, not a loadable machine.
func GetCheckpointOutputUsingGas(tx ReadTx, target uint64) (MachineOutput, error) {
	it := tx.NewIterator(cfCheckpoint, nil, beGasKey(target+1))
	defer it.Close()

	found := false
	var out MachineOutput
	for it.SeekGE(nil); it.Valid(); it.Next() {
		var stored storedCheckpoint
		if err := rlp.DecodeBytes(it.Value(), &stored); err != nil {
			return MachineOutput{}, ErrCorruption
		}
		found = true
		out = stored.Output
	}
	if !found {
		return MachineOutput{}, ErrNotFound
	}
	return out, nil
}

// IsValid reports whether a checkpoint's FullyProcessedInbox is still
// consistent with the current inbox history: its Count must not exceed
// the stored inbox tip, and the accumulator at that Count must match
// exactly (invariant I1/I2). A mismatched accumulator at an in-range
// count means the inbox has been reorged underneath this checkpoint.
func IsValid(tx ReadTx, checkpointInbox InboxState) (bool, error) {
	current, err := GetInboxAcc(tx, checkpointInbox.Count)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return current == checkpointInbox.Accumulator, nil
}

// ReorgCheckpoints walks saved checkpoints newest to oldest and selects
// the first one for which both predicate(output) and IsValid(tx,
// output.FullyProcessedInbox) hold (invariant I1: a checkpoint whose
// recorded inbox accumulator no longer matches the current inbox history
// can never be a reorg target, even if predicate would otherwise accept
// it). If found is false, no checkpoint qualified -- the caller should
// treat genesis (gas 0, nothing kept) as the target.
//
// Unless initialStart is true, every checkpoint newer than the selected
// one (or every checkpoint at all, if none qualified) is deleted, along
// with the value-store entries it alone referenced. initialStart is the
// seed-cache-on-startup carve-out (spec.md section 4.2): it only walks to
// find the seeding point and deletes nothing (spec.md's reorgCheckpoints).
func ReorgCheckpoints(tx ReadWriteTx, predicate func(MachineOutput) bool, initialStart bool) (selected MachineOutput, found bool, err error) {
	it := tx.NewIterator(cfCheckpoint, nil, nil)
	defer it.Close()

	type entry struct {
		key    []byte
		stored storedCheckpoint
	}
	var all []entry
	for it.SeekGE(nil); it.Valid(); it.Next() {
		var stored storedCheckpoint
		if err := rlp.DecodeBytes(it.Value(), &stored); err != nil {
			return MachineOutput{}, false, ErrCorruption
		}
		all = append(all, entry{key: append([]byte(nil), it.Key()...), stored: stored})
	}

	selectedIdx := -1
	for i := len(all) - 1; i >= 0; i-- {
		out := all[i].stored.Output
		if !predicate(out) {
			continue
		}
		valid, err := IsValid(tx, out.FullyProcessedInbox)
		if err != nil {
			return MachineOutput{}, false, err
		}
		if valid {
			selectedIdx = i
			selected = out
			found = true
			break
		}
	}

	if initialStart {
		return selected, found, nil
	}

	for i := selectedIdx + 1; i < len(all); i++ {
		if err := tx.Delete(cfCheckpoint, all[i].key); err != nil {
			return MachineOutput{}, false, err
		}
		if all[i].stored.Kind == checkpointFull {
			if err := deleteCheckpointValues(tx, all[i].stored.Keys); err != nil {
				return MachineOutput{}, false, err
			}
		}
	}
	return selected, found, nil
}

func deleteCheckpointValues(tx ReadWriteTx, keys MachineStateKeys) error {
	for _, hash := range nonZeroHashes(keys) {
		if err := DeleteValue(tx, hash); err != nil {
			return err
		}
	}
	return nil
}

func nonZeroHashes(keys MachineStateKeys) []common.Hash {
	var zero common.Hash
	var out []common.Hash
	for _, h := range []common.Hash{
		keys.StaticHash,
		keys.RegisterHash,
		keys.DataStackHash,
		keys.AuxStackHash,
	} {
		if h != zero {
			out = append(out, h)
		}
	}
	return out
}

// ReorgToLastMessage keeps every checkpoint, a no-op startup reorg mode
// used when the database already agrees with the last delivered message
// (original's reorgToLastMessage fast path).
func ReorgToLastMessage(tx ReadWriteTx) error {
	return nil
}

// ReorgToMessageCountOrBefore truncates checkpoints, logs, and sends down
// to the newest checkpoint whose FullyProcessedInbox.Count <= targetCount,
// used by the profile_reorg_to startup knob. Inbox entries are left as
// they are.
func ReorgToMessageCountOrBefore(tx ReadWriteTx, targetCount uint64, clearCache func(gas uint64)) error {
	out, found, err := ReorgCheckpoints(tx, func(o MachineOutput) bool {
		return o.FullyProcessedInbox.Count <= targetCount
	}, false)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if clearCache != nil {
		clearCache(out.ArbGasUsed)
	}
	return ReorgLogsAndSendsTo(tx, out.LogCount, out.SendCount)
}

// ReorgToTimestampOrBefore behaves like ReorgToMessageCountOrBefore but
// targets the newest checkpoint whose LastInboxTimestamp <= targetTime,
// and is the seed_cache_on_startup path: it deletes nothing, regardless
// of whether a qualifying checkpoint is found. It loads no machine into
// any cache tier; its only cache effect is clearCache at the selected
// checkpoint's gas.
func ReorgToTimestampOrBefore(tx ReadWriteTx, targetTime uint64, clearCache func(gas uint64)) error {
	out, found, err := ReorgCheckpoints(tx, func(o MachineOutput) bool {
		return o.LastInboxTimestamp <= targetTime
	}, true)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if clearCache != nil {
		clearCache(out.ArbGasUsed)
	}
	return nil
}

func beGasKey(gas uint64) []byte {
	b := make([]byte, 8)
	putUint64BE(b, gas)
	return b
}
