package arbcore_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/arbcore/arbcore"
)

// keysAtGas builds checkpoint keys whose FullyProcessedInbox always sits at
// the genesis position (count 0, zero accumulator), so IsValid holds
// without needing real sequencer batch items on disk; gas is the only
// axis these tests vary.
func keysAtGas(gas uint64) arbcore.MachineStateKeys {
	return arbcore.MachineStateKeys{
		Output: arbcore.MachineOutput{
			ArbGasUsed:          gas,
			FullyProcessedInbox: arbcore.InboxState{Count: 0, Accumulator: common.Hash{}},
		},
	}
}

func TestSaveCheckpointRejectsNonIncreasingGas(t *testing.T) {
	store := openTestStore(t)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(100)))
	require.NoError(t, tx.Commit())

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	defer tx2.Discard()
	err = arbcore.SaveCheckpoint(tx2, keysAtGas(100))
	require.ErrorIs(t, err, arbcore.ErrUserLogic)
}

func TestGetCheckpointUsingGasReturnsClosestBelow(t *testing.T) {
	store := openTestStore(t)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(100)))
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(500)))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()

	keys, err := arbcore.GetCheckpointUsingGas(readTx, 300)
	require.NoError(t, err)
	require.Equal(t, uint64(100), keys.Output.ArbGasUsed)

	_, err = arbcore.GetCheckpointUsingGas(readTx, 50)
	require.ErrorIs(t, err, arbcore.ErrNotFound)
}

func TestReorgCheckpointsTruncatesAboveGas(t *testing.T) {
	store := openTestStore(t)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(100)))
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(200)))
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(300)))
	require.NoError(t, tx.Commit())

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	selected, found, err := arbcore.ReorgCheckpoints(tx2, func(o arbcore.MachineOutput) bool {
		return o.ArbGasUsed <= 100
	}, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), selected.ArbGasUsed)
	require.NoError(t, tx2.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	maxGas, err := arbcore.MaxCheckpointGas(readTx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), maxGas)
}

func TestReorgCheckpointsInitialStartDeletesNothing(t *testing.T) {
	store := openTestStore(t)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(100)))
	require.NoError(t, arbcore.SaveCheckpoint(tx, keysAtGas(200)))
	require.NoError(t, tx.Commit())

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	selected, found, err := arbcore.ReorgCheckpoints(tx2, func(o arbcore.MachineOutput) bool {
		return o.ArbGasUsed <= 100
	}, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), selected.ArbGasUsed)
	require.NoError(t, tx2.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	maxGas, err := arbcore.MaxCheckpointGas(readTx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), maxGas)
}
