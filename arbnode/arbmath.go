package arbnode

import "math/big"

// SaturatingUSub returns a-b, or 0 if that would underflow. Ported from
// nitro's util/arbmath, which isn't fetchable outside nitro's own module.
// InboxFeeder does not currently call any of these helpers.
func SaturatingUSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// BigAddByUint returns a+b as a new big.Int, leaving a untouched.
func BigAddByUint(a *big.Int, b uint64) *big.Int {
	return new(big.Int).Add(a, new(big.Int).SetUint64(b))
}

// BigLessThan reports whether a < b.
func BigLessThan(a, b *big.Int) bool {
	return a.Cmp(b) < 0
}
