package arbcore

import (
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// cursorState is the log cursor's lifecycle, matching spec.md section
// 4.4's formal state machine: EMPTY -> REQUESTED -> READY -> DELIVERED,
// with DELIVERED looping back to READY instead of EMPTY whenever a reorg
// queued deletions the reader hasn't been shown yet.
type cursorState int

const (
	cursorEmpty cursorState = iota
	cursorRequested
	cursorReady
	cursorDelivered
	cursorError
)

// LogsCursor lets a reader ask the driver for a contiguous run of logs
// without blocking the driver itself: the reader posts a request, the
// driver fills it on its next tick, and the reader polls until it's
// ready. GetLogs hands out both newly added logs and any logs a reorg
// deleted out from under an outstanding/undelivered request; the reader
// must call ConfirmReceived before the cursor will accept its next
// request (spec.md section 4.4).
type LogsCursor struct {
	mu    sync.Mutex
	state cursorState

	requestedFrom  uint64
	requestedCount int

	added   []LogEntry
	deleted []LogEntry

	currentTotalCount uint64 // confirmed position: next LogIndex this cursor will request from
	pendingTotalCount uint64 // currentTotalCount + len(added), awaiting confirmation

	errMsg string
}

// NewLogsCursor returns a cursor starting from the given LogIndex.
func NewLogsCursor(startPosition uint64) *LogsCursor {
	return &LogsCursor{state: cursorEmpty, currentTotalCount: startPosition, pendingTotalCount: startPosition}
}

// Request posts a request for count logs starting at the cursor's
// current position. It is a no-op if a request is already outstanding.
func (c *LogsCursor) Request(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cursorEmpty {
		return
	}
	c.requestedFrom = c.currentTotalCount
	c.requestedCount = count
	c.state = cursorRequested
}

// GetLogs returns the logs added and the logs deleted since the last
// call, ErrTryAgain while the driver hasn't serviced the outstanding
// request yet, or the latched error if the cursor has failed outright.
// The first call after a fill moves the cursor to cursorDelivered and
// clears the added buffer (it has now been handed over); a second call
// before ConfirmReceived reports no further additions but still surfaces
// any deletions a reorg queued in the meantime (spec.md section 4.4,
// scenario S6).
func (c *LogsCursor) GetLogs() (added, deleted []LogEntry, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cursorReady:
		added, deleted = c.added, c.deleted
		c.added, c.deleted = nil, nil
		c.state = cursorDelivered
		return added, deleted, nil
	case cursorDelivered:
		deleted, c.deleted = c.deleted, nil
		return nil, deleted, nil
	case cursorError:
		return nil, nil, errCursor(c.errMsg)
	default:
		return nil, nil, ErrTryAgain
	}
}

// ConfirmReceived acknowledges everything handed out by GetLogs so far,
// advancing the cursor to its pending position. If a reorg has queued
// deletions the reader hasn't been shown yet, the cursor moves to
// cursorReady so the next GetLogs surfaces them immediately; otherwise it
// returns to cursorEmpty and a new Request can be posted (spec.md
// section 4.4's DELIVERED -> {EMPTY, READY} transition).
func (c *LogsCursor) ConfirmReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cursorDelivered {
		return
	}
	c.currentTotalCount = c.pendingTotalCount
	if len(c.deleted) > 0 {
		c.state = cursorReady
	} else {
		c.state = cursorEmpty
	}
}

// CheckError reports whether the cursor has latched an error.
func (c *LogsCursor) CheckError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == cursorError {
		return errCursor(c.errMsg)
	}
	return nil
}

// ClearError resets an errored cursor back to cursorEmpty at its last
// known-good position, so the reader can decide how to resume (usually
// by re-reading from the new inbox tip).
func (c *LogsCursor) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cursorEmpty
	c.errMsg = ""
}

// Position returns the next LogIndex this cursor will request from once
// its current delivery (if any) is confirmed.
func (c *LogsCursor) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTotalCount
}

// handleLogsCursorRequested is called once per driver tick. It services
// any cursor sitting in cursorRequested by reading logs from tx and
// moving it to cursorReady.
func handleLogsCursorRequested(tx ReadTx, cursors []*LogsCursor) error {
	for _, c := range cursors {
		c.mu.Lock()
		if c.state != cursorRequested {
			c.mu.Unlock()
			continue
		}
		from, count := c.requestedFrom, c.requestedCount
		c.mu.Unlock()

		logs, err := readLogs(tx, from, count)
		if err != nil {
			c.mu.Lock()
			c.state = cursorError
			c.errMsg = err.Error()
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if c.state == cursorRequested {
			c.added = logs
			c.pendingTotalCount = from + uint64(len(logs))
			c.state = cursorReady
		}
		c.mu.Unlock()
	}
	return nil
}

// handleLogsCursorReorg is called before the log store is truncated to
// newLogCount. For every cursor whose pending (not yet confirmed) range
// reaches at or beyond newLogCount, it reads the soon-to-be-deleted logs
// from tx and prepends them, newest first, to the cursor's deleted
// buffer; clamps the cursor's pending and current counts down to
// newLogCount; and, if a READY cursor's buffers are now both empty,
// reverts it to cursorRequested so the driver re-fills it next tick
// (spec.md section 4.4's reorg-aware invalidation, scenario S6).
func handleLogsCursorReorg(tx ReadTx, cursors []*LogsCursor, newLogCount uint64) error {
	for _, c := range cursors {
		c.mu.Lock()
		if err := reorgOneCursorLocked(tx, c, newLogCount); err != nil {
			c.state = cursorError
			c.errMsg = err.Error()
		}
		c.mu.Unlock()
	}
	return nil
}

func reorgOneCursorLocked(tx ReadTx, c *LogsCursor, newLogCount uint64) error {
	if c.pendingTotalCount > newLogCount {
		doomedFrom := newLogCount
		doomedCount := c.pendingTotalCount - newLogCount
		doomed, err := readLogs(tx, doomedFrom, int(doomedCount))
		if err != nil {
			return err
		}
		// Prepend in reverse order: the most recently inserted doomed log
		// is reported first.
		reversed := make([]LogEntry, len(doomed))
		for i, l := range doomed {
			reversed[len(doomed)-1-i] = l
		}
		c.deleted = append(reversed, c.deleted...)
		c.pendingTotalCount = newLogCount

		// Truncate any not-yet-delivered added logs that reached past the
		// new count: they were never handed to the reader, so they just
		// disappear rather than being reported as deleted.
		if keep := int(newLogCount) - int(c.currentTotalCount); keep >= 0 && keep < len(c.added) {
			c.added = c.added[:keep]
		}
	}
	if c.currentTotalCount > newLogCount {
		c.currentTotalCount = newLogCount
	}

	switch c.state {
	case cursorRequested:
		if c.requestedFrom >= newLogCount {
			c.requestedFrom = c.currentTotalCount
		}
	case cursorReady:
		if len(c.added) == 0 && len(c.deleted) == 0 {
			c.requestedFrom = c.currentTotalCount
			c.state = cursorRequested
		}
	}
	return nil
}

func readLogs(tx ReadTx, from uint64, count int) ([]LogEntry, error) {
	out := make([]LogEntry, 0, count)
	for i := 0; i < count; i++ {
		raw, err := tx.Get(cfLog, encodeUint64(from+uint64(i)))
		if err != nil {
			if err == ErrNotFound {
				break
			}
			return nil, err
		}
		var entry LogEntry
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			return nil, ErrCorruption
		}
		out = append(out, entry)
	}
	return out, nil
}

type cursorErr string

func (e cursorErr) Error() string { return string(e) }

func errCursor(msg string) error { return cursorErr(msg) }
