// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbnode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/arbcore/arbcore"
)

// BatchSource supplies new sequencer batch items and delayed messages to
// an InboxFeeder. It stands in for the direct L1 RPC polling the
// original InboxReader did — consuming pre-validated batch items from
// wherever they arrive is the seam, L1 interaction itself is out of
// scope here.
type BatchSource interface {
	// NextSequencerBatchItems returns items after afterCount, in order.
	// An empty result means nothing new is available yet.
	NextSequencerBatchItems(ctx context.Context, afterCount uint64) ([]arbcore.SequencerBatchItem, error)

	// NextDelayedMessages returns delayed messages after afterCount.
	NextDelayedMessages(ctx context.Context, afterCount uint64) ([]arbcore.DelayedMessage, error)
}

// InboxFeederConfig controls how aggressively InboxFeeder polls its
// BatchSource. HardReorg is registered as a flag but InboxFeeder does not
// read it; reorg handling is left entirely to arbcore.AddMessages.
type InboxFeederConfig struct {
	CheckDelay time.Duration `koanf:"check-delay"`
	HardReorg  bool          `koanf:"hard-reorg"`
}

func InboxFeederConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Duration(prefix+".check-delay", DefaultInboxFeederConfig.CheckDelay, "the maximum time to wait between inbox checks (if the source has nothing new)")
	f.Bool(prefix+".hard-reorg", DefaultInboxFeederConfig.HardReorg, "erase future transactions in addition to overwriting existing ones on reorg")
}

var DefaultInboxFeederConfig = InboxFeederConfig{
	CheckDelay: time.Minute,
	HardReorg:  false,
}

var TestInboxFeederConfig = InboxFeederConfig{
	CheckDelay: time.Millisecond * 10,
	HardReorg:  false,
}

// InboxFeeder polls a BatchSource and hands whatever's new to a Core,
// retrying with backoff when Core reports it's still draining a
// previous delivery. Ported from the original InboxReader's run loop:
// the L1-specific reorg detection (comparing L1 accumulators against
// the database) is gone because arbcore.AddMessages now does that
// comparison itself against its own stored accumulators; InboxFeeder's
// job is reduced to "keep asking the source for more, keep retrying
// delivery."
type InboxFeeder struct {
	StopWaiter

	config *InboxFeederConfig
	source BatchSource
	core   *arbcore.Core

	caughtUp     bool
	caughtUpChan chan bool

	lastReadMutex    sync.RWMutex
	lastSeqCount     uint64
	lastDelayedCount uint64

	lastSeenSeqCount atomic.Uint64
}

// NewInboxFeeder constructs a feeder that will deliver into core.
func NewInboxFeeder(source BatchSource, core *arbcore.Core, config *InboxFeederConfig) *InboxFeeder {
	return &InboxFeeder{
		source:       source,
		core:         core,
		config:       config,
		caughtUpChan: make(chan bool, 1),
	}
}

// Start launches the feeder's polling loop.
func (f *InboxFeeder) Start(ctxIn context.Context) {
	f.StopWaiter.Start(ctxIn)
	f.CallIteratively(func(ctx context.Context) time.Duration {
		err := f.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("error feeding inbox", "err", err)
		}
		return f.config.CheckDelay
	})
}

func (f *InboxFeeder) run(ctx context.Context) error {
	lastMachine := f.core.GetLastMachine()
	var seqCount uint64
	if lastMachine != nil {
		seqCount = lastMachine.Output().FullyProcessedInbox.Count
	}

	delayedCount := f.readLastDelayedCount()
	delayedMessages, err := f.source.NextDelayedMessages(ctx, delayedCount)
	if err != nil {
		return err
	}
	if len(delayedMessages) > 0 {
		delayedPrevAcc := common.Hash{}
		if delayedCount > 0 {
			readTx := f.coreReadTx()
			acc, err := arbcore.GetDelayedInboxAcc(readTx, delayedCount)
			readTx.Discard()
			if err != nil {
				return err
			}
			delayedPrevAcc = acc
		}
		for {
			err := f.core.DeliverDelayedMessages(delayedCount, delayedPrevAcc, delayedMessages)
			if err == nil {
				break
			}
			if !errors.Is(err, arbcore.ErrBusy) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		f.setLastDelayedCount(delayedMessages[len(delayedMessages)-1].DelayedSequenceNumber + 1)
	}

	items, err := f.source.NextSequencerBatchItems(ctx, seqCount)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		if !f.caughtUp {
			f.caughtUp = true
			f.caughtUpChan <- true
		}
		return nil
	}

	prevAcc := common.Hash{}
	if seqCount > 0 {
		readTx := f.coreReadTx()
		acc, err := arbcore.GetInboxAcc(readTx, seqCount)
		readTx.Discard()
		if err != nil {
			return err
		}
		prevAcc = acc
	}

	for {
		err := f.core.DeliverMessages(seqCount, prevAcc, items)
		if err == nil {
			break
		}
		if !errors.Is(err, arbcore.ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.setLastSeqCount(seqCount + uint64(len(items)))
	f.lastSeenSeqCount.Store(seqCount + uint64(len(items)))
	return nil
}

func (f *InboxFeeder) coreReadTx() arbcore.ReadTx {
	return f.core.BeginRead()
}

func (f *InboxFeeder) readLastDelayedCount() uint64 {
	f.lastReadMutex.RLock()
	defer f.lastReadMutex.RUnlock()
	return f.lastDelayedCount
}

func (f *InboxFeeder) setLastDelayedCount(n uint64) {
	f.lastReadMutex.Lock()
	defer f.lastReadMutex.Unlock()
	f.lastDelayedCount = n
}

func (f *InboxFeeder) setLastSeqCount(n uint64) {
	f.lastReadMutex.Lock()
	defer f.lastReadMutex.Unlock()
	f.lastSeqCount = n
}

// GetLastReadCounts returns the sequencer batch item count and delayed
// message count last successfully delivered.
func (f *InboxFeeder) GetLastReadCounts() (uint64, uint64) {
	f.lastReadMutex.RLock()
	defer f.lastReadMutex.RUnlock()
	return f.lastSeqCount, f.lastDelayedCount
}

// GetLastSeenSeqCount returns the highest sequencer item count this
// feeder has observed from its source, written only after a successful
// delivery (mirrors the original's GetLastSeenBatchCount contract: zero
// means nothing delivered yet).
func (f *InboxFeeder) GetLastSeenSeqCount() uint64 {
	return f.lastSeenSeqCount.Load()
}

// WaitCaughtUp blocks until the feeder has observed its source return no
// new items at least once, or ctx is canceled.
func (f *InboxFeeder) WaitCaughtUp(ctx context.Context) error {
	select {
	case <-f.caughtUpChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
