package arbcore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/arbcore/arbcore"
	"github.com/offchainlabs/arbcore/arbcore/kvstore"
)

func openTestStore(t *testing.T) arbcore.Store {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddMessagesAppendsAndChains(t *testing.T) {
	store := openTestStore(t)

	prev := arbcore.GenesisAccumulator()
	delayedGenesis := arbcore.GenesisAccumulator()
	item0 := arbcore.BuildSequencerBatchItem(prev, 0, 0, []byte("m0"), delayedGenesis)
	item1 := arbcore.BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte("m1"), delayedGenesis)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddMessages(tx, 0, prev, []arbcore.SequencerBatchItem{item0, item1}, nil, nil))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	items, err := arbcore.GetSequencerBatchItems(readTx, 0, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, item0.Accumulator, items[0].Accumulator)
	require.Equal(t, item1.Accumulator, items[1].Accumulator)
}

func TestAddMessagesRejectsBadChain(t *testing.T) {
	store := openTestStore(t)
	prev := arbcore.GenesisAccumulator()

	bad := arbcore.SequencerBatchItem{
		LastSequenceNumber: 0,
		Accumulator:        arbcore.GenesisAccumulator(), // wrong, doesn't chain from prev
		SequencerMessage:   []byte("m0"),
	}

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	defer tx.Discard()
	err = arbcore.AddMessages(tx, 0, prev, []arbcore.SequencerBatchItem{bad}, nil, nil)
	require.ErrorIs(t, err, arbcore.ErrUserLogic)
}

func TestAddMessagesDivergenceTruncatesAndReplaces(t *testing.T) {
	store := openTestStore(t)
	prev := arbcore.GenesisAccumulator()
	delayedGenesis := arbcore.GenesisAccumulator()

	item0 := arbcore.BuildSequencerBatchItem(prev, 0, 0, []byte("m0"), delayedGenesis)
	item1 := arbcore.BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte("m1-original"), delayedGenesis)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddMessages(tx, 0, prev, []arbcore.SequencerBatchItem{item0, item1}, nil, nil))
	require.NoError(t, tx.Commit())

	item1Replacement := arbcore.BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte("m1-replacement"), delayedGenesis)

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddMessages(tx2, 1, item0.Accumulator, []arbcore.SequencerBatchItem{item1Replacement}, nil, nil))
	require.NoError(t, tx2.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	items, err := arbcore.GetSequencerBatchItems(readTx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, item1Replacement.Accumulator, items[1].Accumulator)
}

func TestAddMessagesReorgBatchItemsForcesTruncation(t *testing.T) {
	store := openTestStore(t)
	prev := arbcore.GenesisAccumulator()
	delayedGenesis := arbcore.GenesisAccumulator()

	item0 := arbcore.BuildSequencerBatchItem(prev, 0, 0, []byte("m0"), delayedGenesis)
	item1 := arbcore.BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte("m1"), delayedGenesis)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddMessages(tx, 0, prev, []arbcore.SequencerBatchItem{item0, item1}, nil, nil))
	require.NoError(t, tx.Commit())

	reorgTo := uint64(1)
	item1Replacement := arbcore.BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte("m1-forced"), delayedGenesis)

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddMessages(tx2, 1, item0.Accumulator, []arbcore.SequencerBatchItem{item1Replacement}, &reorgTo, nil))
	require.NoError(t, tx2.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	items, err := arbcore.GetSequencerBatchItems(readTx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, item1Replacement.Accumulator, items[1].Accumulator)
}

func TestGetMessagesImplInterleavesDelayed(t *testing.T) {
	store := openTestStore(t)
	prev := arbcore.GenesisAccumulator()
	delayedGenesis := arbcore.GenesisAccumulator()

	item0 := arbcore.BuildSequencerBatchItem(prev, 0, 0, []byte("seq0"), delayedGenesis)
	delayed0 := arbcore.BuildDelayedMessage(delayedGenesis, 0, 100, []byte("delayed0"))
	// A TotalDelayedCount of 1 folds in the delayed accumulator at index 0.
	delayedOnly := arbcore.SequencerBatchItem{
		LastSequenceNumber: 0,
		TotalDelayedCount:  1,
		Accumulator:        arbcore.NextSequencerAccumulator(item0.Accumulator, 0, 1, nil, delayed0.DelayedAccumulator),
	}

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddDelayedMessages(tx, 0, delayedGenesis, []arbcore.DelayedMessage{
		delayed0,
	}, 0))
	require.NoError(t, arbcore.AddMessages(tx, 0, prev, []arbcore.SequencerBatchItem{item0, delayedOnly}, nil, nil))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	msgs, err := arbcore.GetMessagesImpl(readTx, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "seq0", string(msgs[0].Message))
	require.False(t, arbcore.IsDelayedSequenceNumber(msgs[0].SequenceNumber))
	require.Equal(t, "delayed0", string(msgs[1].Message))
	require.True(t, arbcore.IsDelayedSequenceNumber(msgs[1].SequenceNumber))
}

func TestAddDelayedMessagesDivergenceTruncatesAndReplaces(t *testing.T) {
	store := openTestStore(t)
	delayedGenesis := arbcore.GenesisAccumulator()

	msg0 := arbcore.BuildDelayedMessage(delayedGenesis, 0, 100, []byte("d0"))
	msg1 := arbcore.BuildDelayedMessage(msg0.DelayedAccumulator, 1, 101, []byte("d1-original"))

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddDelayedMessages(tx, 0, delayedGenesis, []arbcore.DelayedMessage{msg0, msg1}, 0))
	require.NoError(t, tx.Commit())

	msg1Replacement := arbcore.BuildDelayedMessage(msg0.DelayedAccumulator, 1, 101, []byte("d1-replacement"))

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddDelayedMessages(tx2, 1, msg0.DelayedAccumulator, []arbcore.DelayedMessage{msg1Replacement}, 0))
	require.NoError(t, tx2.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	acc, err := arbcore.GetDelayedInboxAcc(readTx, 2)
	require.NoError(t, err)
	require.Equal(t, msg1Replacement.DelayedAccumulator, acc)
}

func TestAddDelayedMessagesRejectsReorgOfConsumedMessage(t *testing.T) {
	store := openTestStore(t)
	delayedGenesis := arbcore.GenesisAccumulator()

	msg0 := arbcore.BuildDelayedMessage(delayedGenesis, 0, 100, []byte("d0"))

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	require.NoError(t, arbcore.AddDelayedMessages(tx, 0, delayedGenesis, []arbcore.DelayedMessage{msg0}, 0))
	require.NoError(t, tx.Commit())

	msg0Replacement := arbcore.BuildDelayedMessage(delayedGenesis, 0, 100, []byte("d0-replacement"))

	tx2, err := store.BeginReadWrite()
	require.NoError(t, err)
	defer tx2.Discard()
	err = arbcore.AddDelayedMessages(tx2, 0, delayedGenesis, []arbcore.DelayedMessage{msg0Replacement}, 1)
	require.ErrorIs(t, err, arbcore.ErrAlreadySequenced)
}
