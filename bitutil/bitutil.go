// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bitutil implements the small bit-level primitives the rest of
// the engine leans on: popcount/ctz/clz, PEXT/PDEP emulation, and
// conversion of a 64-row match mask into a packed byte array of lane
// offsets.
package bitutil

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// PopCount returns the number of set bits in x.
func PopCount[T constraints.Unsigned](x T) int {
	return bits.OnesCount64(uint64(x))
}

// TrailingZeros returns the number of trailing zero bits in x, or the
// bit width of T if x is zero.
func TrailingZeros[T constraints.Unsigned](x T) int {
	if x == 0 {
		return bits.OnesCount64(uint64(^T(0)))
	}
	return bits.TrailingZeros64(uint64(x))
}

// LeadingZeros64 returns the number of leading zero bits among the low
// 64 bits of x.
func LeadingZeros64(x uint64) int {
	return bits.LeadingZeros64(x)
}

// HasSingleBit reports whether x has exactly one bit set.
func HasSingleBit[T constraints.Unsigned](x T) bool {
	return x != 0 && x&(x-1) == 0
}

// Pext (parallel bit extract) gathers the bits of x selected by mask
// into the low-order bits of the result, in mask-bit order.
//
// This is a portable emulation of the BMI2 PEXT instruction: real
// hardware support is not assumed (no package in this module issues
// vector or BMI2 instructions; restrict's compare loops are scalar too)
// so this loop-based version is the canonical implementation.
func Pext(x, mask uint64) uint64 {
	var result uint64
	var pos uint
	for mask != 0 {
		bit := mask & (-mask)
		if x&bit != 0 {
			result |= 1 << pos
		}
		pos++
		mask &= mask - 1
	}
	return result
}

// Pdep (parallel bit deposit) scatters the low-order bits of x into the
// positions selected by mask.
func Pdep(x, mask uint64) uint64 {
	var result uint64
	var pos uint
	for mask != 0 {
		bit := mask & (-mask)
		if x&(1<<pos) != 0 {
			result |= bit
		}
		pos++
		mask &= mask - 1
	}
	return result
}

// BitsToOffsets expands a 64-bit mask into the list of set-bit
// positions, appending to dst and returning the extended slice. It is
// the sparse-path counterpart of Pext/Pdep used by restrict's
// RunSparse to turn a match mask into lane indices without a
// per-lane branch in the caller.
func BitsToOffsets(mask uint64, dst []uint8) []uint8 {
	for mask != 0 {
		bit := bits.TrailingZeros64(mask)
		dst = append(dst, uint8(bit))
		mask &= mask - 1
	}
	return dst
}

// FibonacciHash computes the Fibonacci multiplicative hash of key: the
// full 64-bit product of key and FibonacciConstant, whose high bits
// callers select by shifting right. This is the
// primary hash used to place keys into hash-table buckets (jointable)
// and is kept independent from the secondary siphash used for bloom
// masks so the two error independently (see jointable.secondaryHash).
const FibonacciConstant uint64 = 0x9E3779B97F4A7C15

func FibonacciHash(key uint32) uint64 {
	return uint64(key) * FibonacciConstant
}
