// Package kvstore backs arbcore.Store with a Pebble instance: one LSM
// tree, column families simulated with a one-byte key prefix per the
// layout in arbcore.kv.
package kvstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/arbcore/arbcore"
)

// Pebble is a Store backed by a cockroachdb/pebble instance.
type Pebble struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble instance rooted at dir.
func Open(dir string) (*Pebble, error) {
	opts := &pebble.Options{}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) BeginRead() arbcore.ReadTx {
	snap := p.db.NewSnapshot()
	return &pebbleReadTx{snap: snap}
}

func (p *Pebble) BeginReadWrite() (arbcore.ReadWriteTx, error) {
	batch := p.db.NewIndexedBatch()
	return &pebbleReadWriteTx{db: p.db, batch: batch}, nil
}

// Checkpoint writes a consistent copy of the whole store to dir, the
// Pebble analog of the original's rocksdb checkpoint-to-disk feature
// (SPEC_FULL.md section 3, "disk snapshot").
func (p *Pebble) Checkpoint(dir string) error {
	log.Info("writing database checkpoint", "dir", dir)
	return p.db.Checkpoint(dir)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func prefixed(cf byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = cf
	copy(out[1:], key)
	return out
}

// prefixUpperBound returns the smallest key greater than every key with
// the given single-byte prefix, for bounding iteration to one column
// family. Returns nil for prefix 0xff (no finite upper bound needed).
func prefixUpperBound(cf byte) []byte {
	if cf == 0xff {
		return nil
	}
	return []byte{cf + 1}
}

type pebbleReadTx struct {
	snap   *pebble.Snapshot
	closed bool
}

func (t *pebbleReadTx) Get(cf byte, key []byte) ([]byte, error) {
	v, closer, err := t.snap.Get(prefixed(cf, key))
	if err == pebble.ErrNotFound {
		return nil, arbcore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	_ = closer.Close()
	return out, nil
}

func (t *pebbleReadTx) NewIterator(cf byte, lower, upper []byte) arbcore.Iterator {
	lo := prefixed(cf, lower)
	var hi []byte
	if upper != nil {
		hi = prefixed(cf, upper)
	} else if pub := prefixUpperBound(cf); pub != nil {
		hi = pub
	}
	it, _ := t.snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	return &pebbleIterator{it: it, cf: cf}
}

func (t *pebbleReadTx) Discard() {
	if t.closed {
		return
	}
	t.closed = true
	_ = t.snap.Close()
}

type pebbleReadWriteTx struct {
	db     *pebble.DB
	batch  *pebble.Batch
	closed bool
}

func (t *pebbleReadWriteTx) Get(cf byte, key []byte) ([]byte, error) {
	v, closer, err := t.batch.Get(prefixed(cf, key))
	if err == pebble.ErrNotFound {
		return nil, arbcore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	_ = closer.Close()
	return out, nil
}

func (t *pebbleReadWriteTx) NewIterator(cf byte, lower, upper []byte) arbcore.Iterator {
	lo := prefixed(cf, lower)
	var hi []byte
	if upper != nil {
		hi = prefixed(cf, upper)
	} else if pub := prefixUpperBound(cf); pub != nil {
		hi = pub
	}
	it, _ := t.batch.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	return &pebbleIterator{it: it, cf: cf}
}

func (t *pebbleReadWriteTx) Set(cf byte, key, value []byte) error {
	return t.batch.Set(prefixed(cf, key), value, nil)
}

func (t *pebbleReadWriteTx) Delete(cf byte, key []byte) error {
	return t.batch.Delete(prefixed(cf, key), nil)
}

func (t *pebbleReadWriteTx) Commit() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.batch.Commit(pebble.Sync)
}

func (t *pebbleReadWriteTx) Discard() {
	if t.closed {
		return
	}
	t.closed = true
	_ = t.batch.Close()
}

type pebbleIterator struct {
	it  *pebble.Iterator
	cf  byte
	key []byte
}

func (i *pebbleIterator) SeekGE(key []byte) bool {
	return i.it.SeekGE(prefixed(i.cf, key))
}

func (i *pebbleIterator) SeekLT(key []byte) bool {
	return i.it.SeekLT(prefixed(i.cf, key))
}

func (i *pebbleIterator) Next() bool { return i.it.Next() }
func (i *pebbleIterator) Prev() bool { return i.it.Prev() }
func (i *pebbleIterator) Valid() bool { return i.it.Valid() }

func (i *pebbleIterator) Key() []byte {
	k := i.it.Key()
	if len(k) == 0 {
		return nil
	}
	return k[1:] // strip the column-family prefix byte
}

func (i *pebbleIterator) Value() []byte {
	return i.it.Value()
}

func (i *pebbleIterator) Close() error {
	return i.it.Close()
}
