package arbcore

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// storedValue is the on-disk representation of one value-store entry: a
// reference count plus its payload and the hashes of any child entries
// it references, so SaveValue/DeleteValue can walk the reference graph
// without re-parsing the payload (invariant I4).
type storedValue struct {
	RefCount uint64
	Payload  []byte
	Children []common.Hash
}

// SaveValue inserts or bumps the reference count of the value/code
// segment identified by hash. A newly inserted value bumps the reference
// count of each direct child it references (each child must already be
// stored); grandchildren are not touched. A value already present with RefCount > 0 is only bumped,
// never re-written, matching the original's saveValue short-circuit.
func SaveValue(tx ReadWriteTx, hash common.Hash, payload []byte, children []common.Hash) error {
	existing, err := getStoredValue(tx, hash)
	if err == nil {
		existing.RefCount++
		return putStoredValue(tx, hash, existing)
	}
	if err != ErrNotFound {
		return err
	}

	for _, child := range children {
		childVal, err := getStoredValue(tx, child)
		if err != nil {
			return err
		}
		childVal.RefCount++
		if err := putStoredValue(tx, child, childVal); err != nil {
			return err
		}
	}

	return putStoredValue(tx, hash, storedValue{RefCount: 1, Payload: payload, Children: children})
}

// DeleteValue decrements hash's reference count, recursively deleting it
// and cascading into its children once the count reaches zero
// (invariant I4, the reorg garbage-collection path).
func DeleteValue(tx ReadWriteTx, hash common.Hash) error {
	val, err := getStoredValue(tx, hash)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if val.RefCount > 1 {
		val.RefCount--
		return putStoredValue(tx, hash, val)
	}

	if err := tx.Delete(cfValue, hash.Bytes()); err != nil {
		return err
	}
	for _, child := range val.Children {
		if err := DeleteValue(tx, child); err != nil {
			return err
		}
	}
	return nil
}

// LoadValue returns the payload stored under hash without touching its
// reference count.
func LoadValue(tx ReadTx, hash common.Hash) ([]byte, error) {
	val, err := getStoredValue(tx, hash)
	if err != nil {
		return nil, err
	}
	return val.Payload, nil
}

func getStoredValue(tx ReadTx, hash common.Hash) (storedValue, error) {
	raw, err := tx.Get(cfValue, hash.Bytes())
	if err != nil {
		return storedValue{}, err
	}
	var val storedValue
	if err := rlp.DecodeBytes(raw, &val); err != nil {
		return storedValue{}, ErrCorruption
	}
	return val, nil
}

func putStoredValue(tx ReadWriteTx, hash common.Hash, val storedValue) error {
	raw, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	return tx.Set(cfValue, hash.Bytes(), raw)
}
