package arbcore

import "context"

// MachineStatus is the result of one call to Machine.ContinueRunning:
// either the machine paused cleanly (its Assertion is returned alongside),
// hit the error halt state, was aborted mid-run, or ran out of pending
// messages (spec.md section 4.3).
type MachineStatus int

const (
	MachineSuccess MachineStatus = iota
	MachineError
	MachineAborted
	MachineBlocked // waiting on a message that hasn't arrived yet
)

// RunConfig bounds one ContinueRunning call: it stops at whichever of
// MaxGas or MaxInboxMessages comes first, or immediately if
// StopOnSideload is set and a sideload point is reached before either
// bound.
type RunConfig struct {
	MaxGas           uint64
	MaxInboxMessages int
	StopOnSideload   bool
}

// Machine is the execution surface arbcore drives. Its actual
// instruction semantics are out of scope (spec.md's explicit VM
// non-goal); arbcore only needs to load a machine from content-addressed
// state, feed it inbox messages, run it to a boundary, and read back its
// observable output and next state hash. refmachine provides the one
// concrete implementation used by tests.
type Machine interface {
	// StateKeys returns the content-hash state needed to persist this
	// machine as a checkpoint (spec.md's MachineStateKeys).
	StateKeys() MachineStateKeys

	// Output returns the current observable suffix of machine state
	// without requiring a full StateKeys materialization.
	Output() MachineOutput

	// DeliverMessages hands the machine its next batch of raw inbox
	// messages to consume as it runs.
	DeliverMessages(messages []RawMessageInfo)

	// ContinueRunning runs until cfg's bound is reached, the machine
	// halts, or ctx is canceled, and returns the resulting status plus
	// the Assertion describing what it did.
	ContinueRunning(ctx context.Context, cfg RunConfig) (MachineStatus, Assertion)

	// NextGasCost estimates the gas cost of the machine's next
	// instruction. Nothing in arbcore calls it; the cache's basic-tier
	// insertion uses only BasicMachineCacheInterval.
	NextGasCost() uint64

	// Clone returns an independent copy sharing no mutable state, used
	// whenever a cache tier or execution cursor needs to keep a machine
	// alive across calls without letting the driver's own run affect it.
	Clone() Machine
}

// MachineLoader constructs machines from persisted state, the seam
// between the checkpoint store and the Machine interface.
type MachineLoader interface {
	// NewMachine returns a fresh machine at the canonical genesis state.
	NewMachine() Machine

	// LoadMachine reconstructs a machine from previously persisted
	// state keys, optionally deferring code segment loads (lazy) for
	// read-only archive queries (spec.md's lazy_load_archive_queries).
	LoadMachine(tx ReadTx, keys MachineStateKeys, lazy bool) (Machine, error)
}
