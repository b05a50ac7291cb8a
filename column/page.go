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

package column

import (
	"encoding/binary"
	"math"
)

// Sentinel num_rows values marking a VARCHAR long-string page, per
// spec.md §6.1.
const (
	LongStart = 0xFFFF
	LongCont  = 0xFFFE
)

// Page is a single fixed-size 8 KiB page, exactly as persisted per
// spec.md §6.1.
type Page []byte

func NumRows(p Page) uint16    { return binary.LittleEndian.Uint16(p[0:2]) }
func NumNotNull(p Page) uint16 { return binary.LittleEndian.Uint16(p[2:4]) }

func IsLongStart(p Page) bool { return NumRows(p) == LongStart }
func IsLongCont(p Page) bool  { return NumRows(p) == LongCont }

// ChunkLen and Payload are only valid on long-string start/continuation
// pages.
func ChunkLen(p Page) uint16 { return binary.LittleEndian.Uint16(p[2:4]) }
func Payload(p Page) []byte  { n := ChunkLen(p); return p[4 : 4+n] }

// valuesOffset is where fixed-width values (or, for VARCHAR-short, the
// offset table) begin.
func valuesOffset(t Type) int {
	switch t {
	case Int64, Float64:
		return 8
	default:
		return 4
	}
}

func bitmapLen(numRows int) int { return (numRows + 7) / 8 }

// NullBitmap returns the trailing null bitmap, one bit per row, LSB =
// row 0.
func NullBitmap(p Page) []byte {
	n := bitmapLen(int(NumRows(p)))
	return p[len(p)-n:]
}

// IsRowNull reports whether logical row i (0 <= i < NumRows(p)) is null.
func IsRowNull(p Page, i int) bool {
	bm := NullBitmap(p)
	return bm[i/8]&(1<<uint(i%8)) == 0
}

// NonNullIndex returns the index among non-null values that row i
// corresponds to, by popcounting the bitmap prefix. The row must not be
// null.
func NonNullIndex(p Page, i int) int {
	bm := NullBitmap(p)
	count := 0
	full := i / 8
	for b := 0; b < full; b++ {
		count += popcountByte(bm[b])
	}
	rem := i % 8
	if rem > 0 {
		mask := byte(1<<uint(rem)) - 1
		count += popcountByte(bm[full] & mask)
	}
	return count
}

func popcountByte(b byte) int {
	c := 0
	for b != 0 {
		c += int(b & 1)
		b >>= 1
	}
	return c
}

// Int32Values returns the packed INT32 values of a fixed-width page.
func Int32Values(p Page) []int32 {
	n := int(NumNotNull(p))
	off := valuesOffset(Int32)
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = int32(binary.LittleEndian.Uint32(p[off+4*i:]))
	}
	return out
}

// Int64Values returns the packed INT64 values of a fixed-width page.
func Int64Values(p Page) []int64 {
	n := int(NumNotNull(p))
	off := valuesOffset(Int64)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(binary.LittleEndian.Uint64(p[off+8*i:]))
	}
	return out
}

// Float64Values returns the packed FP64 values of a fixed-width page.
func Float64Values(p Page) []float64 {
	n := int(NumNotNull(p))
	off := valuesOffset(Float64)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(p[off+8*i:]))
	}
	return out
}

// ShortStringBytes returns the raw bytes of the idx-th non-null string
// on a VARCHAR-short page (idx is a non-null index, see NonNullIndex).
func ShortStringBytes(p Page, idx int) []byte {
	notNull := int(NumNotNull(p))
	offTable := valuesOffset(Varchar)
	strBase := offTable + notNull*2
	end := int(binary.LittleEndian.Uint16(p[offTable+2*idx:]))
	start := 0
	if idx > 0 {
		start = int(binary.LittleEndian.Uint16(p[offTable+2*(idx-1):]))
	}
	return p[strBase+start : strBase+end]
}

// ShortStringOffset returns the byte offset (relative to the start of
// the page) of the idx-th non-null string's content on a VARCHAR-short
// page, for use building a ShortStringPtr.
func ShortStringOffset(p Page, idx int) int {
	notNull := int(NumNotNull(p))
	offTable := valuesOffset(Varchar)
	strBase := offTable + notNull*2
	start := 0
	if idx > 0 {
		start = int(binary.LittleEndian.Uint16(p[offTable+2*(idx-1):]))
	}
	return strBase + start
}
