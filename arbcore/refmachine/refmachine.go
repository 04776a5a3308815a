// Package refmachine implements arbcore.Machine with a small
// deterministic state transition function. It does not model Arbitrum's
// actual instruction set; it exists only so arbcore's checkpoint,
// cache, and driver logic can be exercised end-to-end in tests without a
// real VM.
package refmachine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/offchainlabs/arbcore/arbcore"
)

// gasPerMessage is the fixed cost refmachine charges for consuming one
// inbox message, standing in for real per-opcode metering.
const gasPerMessage uint64 = 1000

// Machine is a deterministic reference implementation of arbcore.Machine.
// Its "register" is a running hash of every message body it has
// consumed; each message it processes emits one log (the updated
// register) and, if the message body is non-empty and its first byte is
// odd, one send (the message body echoed back).
// FullyProcessedInbox.Count advances once per consumed message rather
// than once per sequencer batch item, a simplification that only holds
// exactly when every item carries at most one message -- fine for a
// test double, not for a real inbox with delayed-only items batching
// several messages under one item.
type Machine struct {
	output   arbcore.MachineOutput
	register common.Hash
	pending  []arbcore.RawMessageInfo
	aborted  bool
}

// New returns a machine at genesis state.
func New() *Machine {
	return &Machine{}
}

// Loader adapts New/reconstruction into arbcore.MachineLoader.
type Loader struct{}

func (Loader) NewMachine() arbcore.Machine { return New() }

func (Loader) LoadMachine(tx arbcore.ReadTx, keys arbcore.MachineStateKeys, lazy bool) (arbcore.Machine, error) {
	return &Machine{
		output:   keys.Output,
		register: keys.RegisterHash,
	}, nil
}

func (m *Machine) StateKeys() arbcore.MachineStateKeys {
	return arbcore.MachineStateKeys{
		Output:       m.output,
		RegisterHash: m.register,
		GasRemaining: 0,
	}
}

func (m *Machine) Output() arbcore.MachineOutput {
	return m.output
}

func (m *Machine) DeliverMessages(messages []arbcore.RawMessageInfo) {
	m.pending = append(m.pending, messages...)
}

func (m *Machine) NextGasCost() uint64 {
	if len(m.pending) == 0 {
		return 0
	}
	return gasPerMessage
}

func (m *Machine) Clone() arbcore.Machine {
	cp := *m
	cp.pending = append([]arbcore.RawMessageInfo(nil), m.pending...)
	return &cp
}

// ContinueRunning consumes pending messages one at a time, stopping once
// cfg.MaxGas or cfg.MaxInboxMessages is exhausted, the pending queue
// empties (MachineBlocked, waiting for more messages), or ctx is
// canceled.
func (m *Machine) ContinueRunning(ctx context.Context, cfg arbcore.RunConfig) (arbcore.MachineStatus, arbcore.Assertion) {
	var assertion arbcore.Assertion
	var gasUsed uint64
	processed := 0

	for len(m.pending) > 0 {
		select {
		case <-ctx.Done():
			return arbcore.MachineAborted, assertion
		default:
		}
		if m.aborted {
			return arbcore.MachineAborted, assertion
		}
		if cfg.MaxGas != 0 && gasUsed+gasPerMessage > cfg.MaxGas {
			break
		}
		if cfg.MaxInboxMessages != 0 && processed >= cfg.MaxInboxMessages {
			break
		}

		msg := m.pending[0]
		m.pending = m.pending[1:]

		m.register = crypto.Keccak256Hash(m.register.Bytes(), msg.Message)
		m.output.ArbGasUsed += gasPerMessage
		m.output.LogCount++
		m.output.L2BlockNumber++
		m.output.FullyProcessedInbox = arbcore.InboxState{
			Count:       m.output.FullyProcessedInbox.Count + 1,
			Accumulator: msg.Accumulator,
		}
		assertion.Logs = append(assertion.Logs, arbcore.MachineEmission{
			Value: append([]byte(nil), m.register.Bytes()...),
			Inbox: m.output.FullyProcessedInbox,
		})

		if len(msg.Message) > 0 && msg.Message[0]%2 == 1 {
			m.output.SendCount++
			assertion.Sends = append(assertion.Sends, arbcore.MachineEmission{
				Value: append([]byte(nil), msg.Message...),
				Inbox: m.output.FullyProcessedInbox,
			})
		}

		gasUsed += gasPerMessage
		processed++

		if cfg.StopOnSideload {
			block := m.output.L2BlockNumber
			m.output.LastSideload = &block
			assertion.SideloadBlockNumber = &block
			assertion.GasCount = gasUsed
			return arbcore.MachineSuccess, assertion
		}
	}

	assertion.GasCount = gasUsed
	if len(m.pending) == 0 {
		return arbcore.MachineBlocked, assertion
	}
	return arbcore.MachineSuccess, assertion
}
