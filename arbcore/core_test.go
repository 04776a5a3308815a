package arbcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/arbcore/arbcore"
	"github.com/offchainlabs/arbcore/arbcore/refmachine"
)

func TestCoreDeliversAndRunsMessages(t *testing.T) {
	store := openTestStore(t)
	core := arbcore.NewCore(store, refmachine.Loader{}, arbcore.TestConfig)
	require.NoError(t, core.Initialize(arbcore.InitOptions{Mode: arbcore.InitReorgToLastMessage}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.StartThread(ctx)
	defer core.AbortThread()

	prev := arbcore.GenesisAccumulator()
	item0 := arbcore.BuildSequencerBatchItem(prev, 0, 0, []byte("hello"), arbcore.GenesisAccumulator())
	require.NoError(t, core.DeliverMessages(0, prev, []arbcore.SequencerBatchItem{item0}))

	require.Eventually(t, func() bool {
		m := core.GetLastMachine()
		return m != nil && m.Output().FullyProcessedInbox.Count >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, core.MessagesStatus())
}

func TestCoreTriggerSaveCheckpointBlocksUntilSaved(t *testing.T) {
	store := openTestStore(t)
	core := arbcore.NewCore(store, refmachine.Loader{}, arbcore.TestConfig)
	require.NoError(t, core.Initialize(arbcore.InitOptions{Mode: arbcore.InitReorgToLastMessage}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.StartThread(ctx)
	defer core.AbortThread()

	done := make(chan struct{})
	go func() {
		core.TriggerSaveCheckpoint()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerSaveCheckpoint did not return")
	}
}
