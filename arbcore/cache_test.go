package arbcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubMachine is a bare-bones Machine used only to exercise cache tier
// logic without pulling in refmachine (which imports this package).
type stubMachine struct{}

func (stubMachine) StateKeys() MachineStateKeys                  { return MachineStateKeys{} }
func (stubMachine) Output() MachineOutput                        { return MachineOutput{} }
func (stubMachine) DeliverMessages(messages []RawMessageInfo)     {}
func (stubMachine) NextGasCost() uint64                           { return 0 }
func (stubMachine) Clone() Machine                                { return stubMachine{} }
func (stubMachine) ContinueRunning(ctx context.Context, cfg RunConfig) (MachineStatus, Assertion) {
	return MachineSuccess, Assertion{}
}

func TestMachineCacheAtOrBeforeGas(t *testing.T) {
	cfg := TestConfig
	cfg.BasicMachineCacheInterval = 0
	c := newMachineCache(cfg)

	c.Add(100, stubMachine{})
	c.Add(200, stubMachine{})

	got, result := c.AtOrBeforeGas(150, 0, 0)
	require.Equal(t, cacheHit, result)
	require.NotNil(t, got)

	_, result = c.AtOrBeforeGas(50, 0, 0)
	require.Equal(t, cacheUseDatabase, result)
}

func TestMachineCacheTooMuchExecution(t *testing.T) {
	cfg := TestConfig
	c := newMachineCache(cfg)

	_, result := c.AtOrBeforeGas(1_000_000, 0, 100)
	require.Equal(t, cacheTooMuchExecution, result)
}

func TestMachineCacheReorgToDropsAboveGas(t *testing.T) {
	cfg := TestConfig
	cfg.BasicMachineCacheInterval = 0
	c := newMachineCache(cfg)

	c.Add(100, stubMachine{})
	c.Add(200, stubMachine{})
	c.ReorgTo(150)

	// The entry at 200 is gone, so a lookup at 200 falls back to the
	// surviving entry at 100.
	_, result := c.AtOrBeforeGas(200, 0, 0)
	require.Equal(t, cacheHit, result)
	require.Len(t, c.basic, 1)
	require.Equal(t, uint64(100), c.basic[0].gas)

	got, result := c.AtOrBeforeGas(100, 0, 0)
	require.Equal(t, cacheHit, result)
	require.NotNil(t, got)
}
