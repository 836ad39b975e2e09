// Package wipe implements the secure zero-wipe utility used by
// erase_sector (§4.2).
package wipe

import (
	"github.com/templexxx/cpu"
	"github.com/templexxx/xor"
	"github.com/templexxx/xorsimd"
)

// hasAVX2 is probed once; xorsimd's wider code path is only worth the
// dispatch when the CPU actually supports it, mirroring the teacher's
// reliance on templexxx/cpu to gate SIMD-specialized hash paths.
var hasAVX2 = cpu.X86.HasAVX2

// Bytes zeroes buf in place.  XOR-ing a buffer against itself is not a
// compiler-elidable no-op the way a plain loop-and-assign can become
// under aggressive inlining, so it is used here as the zeroing
// primitive, exactly as the teacher uses xor.BytesSameLen for
// scratch-pad hygiene.
func Bytes(buf []byte) {
	if len(buf) == 0 {
		return
	}
	if hasAVX2 && len(buf) >= 64 {
		xorsimd.Bytes(buf, buf, buf)
		return
	}
	xor.BytesSameLen(buf, buf, buf)
}
