package vcrypto

import "crypto/subtle"

// ctCompare implements a constant-time three-way compare: it always
// walks every byte of both slices regardless of where they first
// differ, so timing leaks nothing about the position of a mismatch.
// Equality is delegated to subtle.ConstantTimeCompare; ordering (for
// callers that need negative/positive, not just equal/unequal) folds
// in a constant-time "first differing byte" scan.
func ctCompare(a, b []byte) int {
	if subtle.ConstantTimeCompare(a, b) == 1 {
		return 0
	}
	var gt, lt, decided int
	for i := range a {
		isGt := subtle.ConstantTimeLessOrEq(int(b[i])+1, int(a[i]))
		isLt := subtle.ConstantTimeLessOrEq(int(a[i])+1, int(b[i]))
		take := 1 - decided
		gt |= take & isGt
		lt |= take & isLt
		decided |= take & (isGt | isLt)
	}
	switch {
	case gt == 1:
		return 1
	case lt == 1:
		return -1
	default:
		return 0
	}
}
