package refmachine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/arbcore/arbcore"
	"github.com/offchainlabs/arbcore/arbcore/refmachine"
)

func TestMachineProcessesMessagesDeterministically(t *testing.T) {
	m1 := refmachine.New()
	m2 := refmachine.New()

	msgs := []arbcore.RawMessageInfo{
		{Message: []byte("hello")},
		{Message: []byte{1, 2, 3}}, // odd first byte -> emits a send
	}
	m1.DeliverMessages(msgs)
	m2.DeliverMessages(msgs)

	status1, assertion1 := m1.ContinueRunning(context.Background(), arbcore.RunConfig{})
	status2, assertion2 := m2.ContinueRunning(context.Background(), arbcore.RunConfig{})

	require.Equal(t, status1, status2)
	require.Equal(t, m1.StateKeys().RegisterHash, m2.StateKeys().RegisterHash)
	require.Len(t, assertion1.Logs, 2)
	require.Len(t, assertion1.Sends, 1)
	require.Equal(t, assertion1.Logs[0].Value, assertion2.Logs[0].Value)
}

func TestMachineBlocksWhenPendingEmpty(t *testing.T) {
	m := refmachine.New()
	status, assertion := m.ContinueRunning(context.Background(), arbcore.RunConfig{})
	require.Equal(t, arbcore.MachineBlocked, status)
	require.Empty(t, assertion.Logs)
}

func TestMachineRespectsMaxGas(t *testing.T) {
	m := refmachine.New()
	m.DeliverMessages([]arbcore.RawMessageInfo{
		{Message: []byte("a")},
		{Message: []byte("b")},
		{Message: []byte("c")},
	})
	status, assertion := m.ContinueRunning(context.Background(), arbcore.RunConfig{MaxGas: 1500})
	require.Equal(t, arbcore.MachineSuccess, status)
	require.Len(t, assertion.Logs, 1)
}
