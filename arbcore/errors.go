package arbcore

import "errors"

// Error taxonomy per spec section 7. Routine conditions are sentinel
// errors checked with errors.Is; corruption and invariant violations are
// fatal and expected to stop the driver or caller outright.
var (
	// ErrNotFound is routine: the caller should retry or skip.
	ErrNotFound = errors.New("arbcore: not found")

	// ErrBusy means a transient resource conflict: the message slot was
	// occupied, or an execution cursor exhausted its reorg-retry budget.
	ErrBusy = errors.New("arbcore: busy")

	// ErrCorruption marks a violated on-disk invariant discovered at
	// startup. It is fatal; operators must delete the database.
	ErrCorruption = errors.New("arbcore: corruption, delete database and try again")

	// ErrUserLogic marks a caller contract violation (unsorted
	// accumulators, predecessor not on a batch boundary, ...). Fatal to
	// the calling request, not to the instance.
	ErrUserLogic = errors.New("arbcore: caller contract violated")

	// ErrInvalidCheckpoint is reported by MessagesStatus after a driver
	// tick has failed, and by GetMachineAtGasExact when replay ends in
	// MachineError. The driver does not itself check I1, and it keeps
	// ticking after a failed tick; reads remain available.
	ErrInvalidCheckpoint = errors.New("arbcore: invalid checkpoint inbox state")

	// ErrSchemaMismatch is returned when the on-disk schema_version tag
	// does not match arbcore's compiled-in schema version.
	ErrSchemaMismatch = errors.New("arbcore: schema version mismatch")

	// ErrAlreadySequenced marks an attempt to reorg a delayed message
	// that a sequencer item has already consumed (fatal per spec 4.1).
	ErrAlreadySequenced = errors.New("arbcore: attempted to reorg already-sequenced delayed message")

	// ErrTryAgain is returned by logs-cursor reads when the cursor has a
	// request outstanding but the driver hasn't filled it yet.
	ErrTryAgain = errors.New("arbcore: try again")
)
