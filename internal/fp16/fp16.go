// Package fp16 widens IEEE-754 binary16 values to float32.
//
// Inference runtimes hand back their output tensors in half precision. The
// widening here works on raw bit patterns so it does not depend on a native
// half-float type, and it is exact: every binary16 value (zero, subnormal,
// normal, infinity, NaN) has a float32 representation with the same value.
package fp16

import "math"

const (
	signMask     = 0x8000
	exponentMask = 0x7C00
	mantissaMask = 0x03FF

	// implicitBit is the leading mantissa bit a normalized half carries implicitly.
	implicitBit = 0x0400

	exponentMax = 0x1F

	// exponentRebias converts a half exponent (bias 15) to single bias (127).
	exponentRebias = 127 - 15

	// mantissaShift aligns the 10-bit half mantissa with the 23-bit single field.
	mantissaShift = 23 - 10

	float32ExpAllOnes = 0x7F800000
)

// ToFloat32 returns the float32 value of the half-precision bit pattern h.
func ToFloat32(h uint16) float32 {
	return math.Float32frombits(ToFloat32Bits(h))
}

// ToFloat32Bits returns the float32 bit pattern equivalent to h.
//
// NaN payloads are carried over shifted into the high mantissa bits, so a
// signalling half NaN stays signalling.
func ToFloat32Bits(h uint16) uint32 {
	sign := uint32(h&signMask) << 16
	exp := int32(h&exponentMask) >> 10
	mant := uint32(h & mantissaMask)

	switch exp {
	case 0:
		if mant == 0 {
			return sign
		}
		// Subnormal: shift the mantissa up until the implicit bit appears,
		// lowering the exponent once per shift.
		exp = 1
		for mant&implicitBit == 0 {
			mant <<= 1
			exp--
		}
		mant &= mantissaMask
		return sign | uint32(exp+exponentRebias)<<23 | mant<<mantissaShift
	case exponentMax:
		return sign | float32ExpAllOnes | mant<<mantissaShift
	default:
		return sign | uint32(exp+exponentRebias)<<23 | mant<<mantissaShift
	}
}

// Widen converts a buffer of half-precision values to a newly allocated
// float32 slice of the same length.
func Widen(src []uint16) []float32 {
	dst := make([]float32, len(src))
	WidenInto(dst, src)
	return dst
}

// WidenInto converts min(len(dst), len(src)) values and returns the count.
func WidenInto(dst []float32, src []uint16) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = ToFloat32(src[i])
	}
	return n
}
