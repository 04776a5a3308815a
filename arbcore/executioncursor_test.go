package arbcore

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memKV is a minimal in-memory Store used only to exercise execution
// cursor replay/retry logic without pulling in kvstore (which imports
// this package, and so can't be used from an internal _test.go file).
type memKV struct {
	mu   sync.Mutex
	data map[byte]map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[byte]map[string][]byte)}
}

func (s *memKV) clone() map[byte]map[string][]byte {
	out := make(map[byte]map[string][]byte, len(s.data))
	for cf, m := range s.data {
		cp := make(map[string][]byte, len(m))
		for k, v := range m {
			cp[k] = append([]byte(nil), v...)
		}
		out[cf] = cp
	}
	return out
}

func (s *memKV) BeginRead() ReadTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, snapshot: s.clone()}
}

func (s *memKV) BeginReadWrite() (ReadWriteTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, snapshot: s.clone(), writable: true}, nil
}

func (s *memKV) Checkpoint(dir string) error { return nil }
func (s *memKV) Close() error                { return nil }

type memTx struct {
	store    *memKV
	snapshot map[byte]map[string][]byte
	writable bool
}

func (t *memTx) Get(cf byte, key []byte) ([]byte, error) {
	m, ok := t.snapshot[cf]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := m[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Set(cf byte, key, value []byte) error {
	m, ok := t.snapshot[cf]
	if !ok {
		m = make(map[string][]byte)
		t.snapshot[cf] = m
	}
	m[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Delete(cf byte, key []byte) error {
	if m, ok := t.snapshot[cf]; ok {
		delete(m, string(key))
	}
	return nil
}

func (t *memTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data = t.snapshot
	return nil
}

func (t *memTx) Discard() {}

func (t *memTx) NewIterator(cf byte, lower, upper []byte) Iterator {
	m := t.snapshot[cf]
	keys := make([]string, 0, len(m))
	for k := range m {
		if lower != nil && k < string(lower) {
			continue
		}
		if upper != nil && k >= string(upper) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memIterator{tx: t, cf: cf, keys: keys, pos: -1}
}

type memIterator struct {
	tx   *memTx
	cf   byte
	keys []string
	pos  int
}

func (it *memIterator) SeekGE(key []byte) bool {
	it.pos = sort.SearchStrings(it.keys, string(key))
	return it.Valid()
}

func (it *memIterator) SeekLT(key []byte) bool {
	it.pos = sort.SearchStrings(it.keys, string(key)) - 1
	return it.Valid()
}

func (it *memIterator) Next() bool { it.pos++; return it.Valid() }
func (it *memIterator) Prev() bool { it.pos--; return it.Valid() }
func (it *memIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.keys)
}
func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.tx.snapshot[it.cf][it.keys[it.pos]] }
func (it *memIterator) Close() error  { return nil }

// cursorTestMachine is a Machine double that consumes one message per
// FullyProcessedInbox.Count step at a fixed gas cost, enough to exercise
// ExecutionCursor's replay loop without a real VM.
type cursorTestMachine struct {
	output  MachineOutput
	pending []RawMessageInfo
}

const cursorTestGasPerMessage = 100

func (m *cursorTestMachine) StateKeys() MachineStateKeys { return MachineStateKeys{Output: m.output} }
func (m *cursorTestMachine) Output() MachineOutput       { return m.output }
func (m *cursorTestMachine) DeliverMessages(messages []RawMessageInfo) {
	m.pending = append(m.pending, messages...)
}
func (m *cursorTestMachine) NextGasCost() uint64 {
	if len(m.pending) == 0 {
		return 0
	}
	return cursorTestGasPerMessage
}
func (m *cursorTestMachine) Clone() Machine {
	cp := *m
	cp.pending = append([]RawMessageInfo(nil), m.pending...)
	return &cp
}
func (m *cursorTestMachine) ContinueRunning(ctx context.Context, cfg RunConfig) (MachineStatus, Assertion) {
	var assertion Assertion
	var gasUsed uint64
	processed := 0
	for len(m.pending) > 0 {
		if cfg.MaxGas != 0 && gasUsed+cursorTestGasPerMessage > cfg.MaxGas {
			break
		}
		if cfg.MaxInboxMessages != 0 && processed >= cfg.MaxInboxMessages {
			break
		}
		msg := m.pending[0]
		m.pending = m.pending[1:]
		m.output.ArbGasUsed += cursorTestGasPerMessage
		m.output.FullyProcessedInbox = InboxState{
			Count:       m.output.FullyProcessedInbox.Count + 1,
			Accumulator: msg.Accumulator,
		}
		gasUsed += cursorTestGasPerMessage
		processed++
	}
	assertion.GasCount = gasUsed
	if len(m.pending) == 0 {
		return MachineBlocked, assertion
	}
	return MachineSuccess, assertion
}

type cursorTestLoader struct{}

func (cursorTestLoader) NewMachine() Machine { return &cursorTestMachine{} }
func (cursorTestLoader) LoadMachine(tx ReadTx, keys MachineStateKeys, lazy bool) (Machine, error) {
	return &cursorTestMachine{output: keys.Output}, nil
}

func cursorTestConfig() Config {
	cfg := TestConfig
	cfg.CheckpointMaxExecutionGas = 0
	return cfg
}

func addCursorTestItems(t *testing.T, tx ReadWriteTx, n int) []SequencerBatchItem {
	t.Helper()
	prev := GenesisAccumulator()
	delayedAcc := GenesisAccumulator()
	items := make([]SequencerBatchItem, n)
	for i := 0; i < n; i++ {
		items[i] = BuildSequencerBatchItem(prev, uint64(i), 0, []byte{byte(i)}, delayedAcc)
		prev = items[i].Accumulator
	}
	require.NoError(t, AddMessages(tx, 0, GenesisAccumulator(), items, nil, nil))
	return items
}

func TestAdvanceExecutionCursorAdvancesToTargetGas(t *testing.T) {
	store := newMemKV()
	cfg := cursorTestConfig()

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	addCursorTestItems(t, tx, 3)
	require.NoError(t, SaveCheckpoint(tx, MachineStateKeys{Output: MachineOutput{}}))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	cache := newMachineCache(cfg)
	cursor, err := GetExecutionCursor(readTx, cache, cursorTestLoader{}, cfg, 300)
	require.NoError(t, err)

	status, err := cursor.AdvanceExecutionCursor(context.Background(), readTx, 300, 10)
	require.NoError(t, err)
	require.Equal(t, MachineBlocked, status)
	require.Equal(t, uint64(300), cursor.MachineOutput().ArbGasUsed)
	require.Equal(t, uint64(3), cursor.MachineOutput().FullyProcessedInbox.Count)
}

func TestAdvanceExecutionCursorDetectsReorgUnderneathAndRetries(t *testing.T) {
	store := newMemKV()
	cfg := cursorTestConfig()
	cache := newMachineCache(cfg)

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	addCursorTestItems(t, tx, 3)
	require.NoError(t, SaveCheckpoint(tx, MachineStateKeys{Output: MachineOutput{}}))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	cursor, err := GetExecutionCursor(readTx, cache, cursorTestLoader{}, cfg, 300)
	require.NoError(t, err)
	status, err := cursor.AdvanceExecutionCursor(context.Background(), readTx, 300, 10)
	require.NoError(t, err)
	require.Equal(t, MachineBlocked, status)
	readTx.Discard()

	// Reorg the inbox underneath the now-stale cursor: replace item 1
	// onward with a divergent chain, invalidating cursor's recorded
	// FullyProcessedInbox accumulator at count 3.
	reorgTx, err := store.BeginReadWrite()
	require.NoError(t, err)
	prev := GenesisAccumulator()
	delayedAcc := GenesisAccumulator()
	item0 := BuildSequencerBatchItem(prev, 0, 0, []byte{0}, delayedAcc)
	replacement := BuildSequencerBatchItem(item0.Accumulator, 1, 0, []byte{99}, delayedAcc)
	require.NoError(t, AddMessages(reorgTx, 1, item0.Accumulator, []SequencerBatchItem{replacement}, nil, nil))
	require.NoError(t, reorgTx.Commit())

	staleTx := store.BeginRead()
	defer staleTx.Discard()
	status, err = cursor.AdvanceExecutionCursor(context.Background(), staleTx, 1000, 10)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, MachineAborted, status)

	fresh, status, err := AdvanceExecutionCursorWithReorgRetry(context.Background(), store, cache, cursorTestLoader{}, cfg, 200, 10)
	require.NoError(t, err)
	require.Equal(t, MachineBlocked, status)
	require.Equal(t, uint64(200), fresh.MachineOutput().ArbGasUsed)
}

func TestGetExecutionCursorRefusesTooMuchExecution(t *testing.T) {
	store := newMemKV()
	cfg := cursorTestConfig()
	cfg.CheckpointMaxExecutionGas = 50

	tx, err := store.BeginReadWrite()
	require.NoError(t, err)
	addCursorTestItems(t, tx, 3)
	require.NoError(t, SaveCheckpoint(tx, MachineStateKeys{Output: MachineOutput{}}))
	require.NoError(t, tx.Commit())

	readTx := store.BeginRead()
	defer readTx.Discard()
	cache := newMachineCache(cfg)
	_, err = GetExecutionCursor(readTx, cache, cursorTestLoader{}, cfg, 300)
	require.ErrorIs(t, err, ErrBusy)
}
