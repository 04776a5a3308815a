package arbcore

import (
	"context"
	"time"
)

// executionCursorReorgRetryBudget/Delay bound how many times
// AdvanceExecutionCursorWithReorgRetry will reselect a cursor's starting
// point after a reorg invalidates it mid-replay, and how long it waits
// between attempts (spec.md section 4.5 step 3).
const (
	executionCursorReorgRetryBudget = 16
	executionCursorReorgRetryDelay  = 250 * time.Millisecond
)

// ExecutionCursor lets a caller replay history forward from an arbitrary
// gas or block target without disturbing the driver's own machine or
// cache state: each cursor owns a private Machine instance loaded once
// from a checkpoint and advanced on demand (spec.md section 4.6).
type ExecutionCursor struct {
	machine     Machine
	targetGas   uint64
	loader      MachineLoader
	maxExecGas  uint64
}

// GetExecutionCursor returns a cursor whose machine is positioned at or
// before targetGas: it prefers a cached machine (any tier) over loading
// a fresh checkpoint, and refuses with ErrBusy (on cacheTooMuchExecution)
// if reaching targetGas from the nearest available point would replay
// more than cfg.CheckpointMaxExecutionGas.
func GetExecutionCursor(tx ReadTx, cache *machineCache, loader MachineLoader, cfg Config, targetGas uint64) (*ExecutionCursor, error) {
	nearestKeys, err := GetCheckpointUsingGas(tx, targetGas)
	var nearestCheckpointGas uint64
	if err == nil {
		nearestCheckpointGas = nearestKeys.Output.ArbGasUsed
	} else if err != ErrNotFound {
		return nil, err
	}

	m, result := cache.AtOrBeforeGas(targetGas, nearestCheckpointGas, cfg.CheckpointMaxExecutionGas)
	switch result {
	case cacheHit:
		return &ExecutionCursor{machine: m, targetGas: targetGas, loader: loader, maxExecGas: cfg.CheckpointMaxExecutionGas}, nil
	case cacheTooMuchExecution:
		return nil, ErrBusy
	}

	keys, err := GetCheckpointUsingGas(tx, targetGas)
	if err != nil {
		return nil, err
	}
	loaded, err := loader.LoadMachine(tx, keys, cfg.LazyLoadArchiveQueries)
	if err != nil {
		return nil, err
	}
	return &ExecutionCursor{machine: loaded, targetGas: targetGas, loader: loader, maxExecGas: cfg.CheckpointMaxExecutionGas}, nil
}

// GetExecutionCursorAtBlock resolves an L2 block number to its gas
// position via the block index, then delegates to GetExecutionCursor.
func GetExecutionCursorAtBlock(tx ReadTx, cache *machineCache, loader MachineLoader, cfg Config, blockNumber uint64) (*ExecutionCursor, error) {
	raw, err := tx.Get(cfBlockIndex, encodeUint64(blockNumber))
	if err != nil {
		return nil, err
	}
	gas := uint64BE(raw)
	return GetExecutionCursor(tx, cache, loader, cfg, gas)
}

// GetClosestExecutionCursor is GetExecutionCursor without the
// too-much-execution refusal: it always returns the closest machine it
// can find or load, for callers (like historical log replay) willing to
// pay the full replay cost.
func GetClosestExecutionCursor(tx ReadTx, cache *machineCache, loader MachineLoader, cfg Config, targetGas uint64) (*ExecutionCursor, error) {
	relaxed := cfg
	relaxed.CheckpointMaxExecutionGas = 0
	return GetExecutionCursor(tx, cache, loader, relaxed, targetGas)
}

// AdvanceExecutionCursor runs the cursor's machine forward by feeding it
// messages read from tx, stopping once it reaches targetGas, hits
// maxMessages processed, or the machine blocks waiting for more inbox
// data.
func (c *ExecutionCursor) AdvanceExecutionCursor(ctx context.Context, tx ReadTx, targetGas uint64, maxMessages int) (MachineStatus, error) {
	current := c.machine.Output().ArbGasUsed
	if targetGas <= current {
		return MachineSuccess, nil
	}
	if c.maxExecGas != 0 && targetGas-current > c.maxExecGas {
		return MachineAborted, ErrBusy
	}

	seqCount := c.machine.Output().FullyProcessedInbox.Count
	messages, err := GetMessagesImpl(tx, seqCount, maxMessages)
	if err != nil {
		return MachineAborted, err
	}
	if len(messages) == 0 {
		// Nothing to feed even though we haven't reached targetGas. Tell
		// genuinely-waiting-on-new-input apart from a reorg that landed
		// underneath this cursor mid-replay: if our own FullyProcessedInbox
		// no longer matches the current inbox chain (I1), this cursor's
		// position is gone and the caller must reselect a starting point.
		valid, verr := IsValid(tx, c.machine.Output().FullyProcessedInbox)
		if verr != nil {
			return MachineAborted, verr
		}
		if !valid {
			return MachineAborted, ErrNotFound
		}
		return MachineBlocked, nil
	}
	c.machine.DeliverMessages(messages)

	status, _ := c.machine.ContinueRunning(ctx, RunConfig{MaxGas: targetGas - current})
	c.targetGas = targetGas
	return status, nil
}

// AdvanceExecutionCursorWithReorgRetry drives a cursor toward targetGas,
// reselecting its starting point and restarting from scratch whenever
// AdvanceExecutionCursor reports ErrNotFound -- a reorg invalidated the
// cursor's position mid-replay -- up to executionCursorReorgRetryBudget
// attempts, sleeping executionCursorReorgRetryDelay between them, and
// returning ErrBusy once that budget is spent (spec.md section 4.5 step 3).
func AdvanceExecutionCursorWithReorgRetry(ctx context.Context, store Store, cache *machineCache, loader MachineLoader, cfg Config, targetGas uint64, maxMessages int) (*ExecutionCursor, MachineStatus, error) {
	selectCursor := func() (*ExecutionCursor, error) {
		tx := store.BeginRead()
		defer tx.Discard()
		return GetExecutionCursor(tx, cache, loader, cfg, targetGas)
	}

	cursor, err := selectCursor()
	if err != nil {
		return nil, MachineAborted, err
	}

	for attempt := 0; ; attempt++ {
		tx := store.BeginRead()
		status, err := cursor.AdvanceExecutionCursor(ctx, tx, targetGas, maxMessages)
		tx.Discard()
		if err == nil {
			return cursor, status, nil
		}
		if err != ErrNotFound {
			return cursor, status, err
		}
		if attempt >= executionCursorReorgRetryBudget-1 {
			return cursor, status, ErrBusy
		}

		select {
		case <-ctx.Done():
			return cursor, MachineAborted, ctx.Err()
		case <-time.After(executionCursorReorgRetryDelay):
		}

		cursor, err = selectCursor()
		if err != nil {
			return nil, MachineAborted, err
		}
	}
}

// TakeExecutionCursorMachine hands ownership of the cursor's underlying
// machine to the caller, leaving the cursor unusable. Used when a caller
// needs to keep replaying past what AdvanceExecutionCursor's bounded
// steps allow.
func (c *ExecutionCursor) TakeExecutionCursorMachine() Machine {
	m := c.machine
	c.machine = nil
	return m
}

// MachineOutput returns the cursor's current observable state.
func (c *ExecutionCursor) MachineOutput() MachineOutput {
	return c.machine.Output()
}
