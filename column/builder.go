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

// Builder accumulates rows for a single page in the layout of §6.1 and
// tracks the running bit budget spec.md §4.8 describes ("available:
// page bytes minus headers, charged per value including its null
// bit"). It is shared by the scan reader's random-access layer (which
// builds pages once, at ingest time, outside this engine's scope) and
// by output.Writer (which builds pages fresh for every query result).
type Builder struct {
	typ    Type
	nulls  []bool
	values []uint64 // raw packed cells for fixed-width types
	strs   [][]byte // for Varchar: nil entry means null row
}

// NewBuilder creates an empty page builder for typ.
func NewBuilder(typ Type) *Builder {
	return &Builder{typ: typ}
}

func (b *Builder) headerLen() int {
	switch b.typ {
	case Int64, Float64:
		return 8
	default:
		return 4
	}
}

// AppendInt32 appends a non-null INT32 value.
func (b *Builder) AppendInt32(v int32) {
	b.nulls = append(b.nulls, false)
	b.values = append(b.values, uint64(uint32(v)))
}

// AppendInt64 appends a non-null INT64 value.
func (b *Builder) AppendInt64(v int64) {
	b.nulls = append(b.nulls, false)
	b.values = append(b.values, uint64(v))
}

// AppendFloat64 appends a non-null FP64 value.
func (b *Builder) AppendFloat64(v float64) {
	b.nulls = append(b.nulls, false)
	b.values = append(b.values, math.Float64bits(v))
}

// AppendString appends a non-null VARCHAR value (short-page form; a
// long string spanning multiple pages is built directly with
// LongStringPage instead of through a Builder).
func (b *Builder) AppendString(s []byte) {
	b.nulls = append(b.nulls, false)
	cp := make([]byte, len(s))
	copy(cp, s)
	b.strs = append(b.strs, cp)
}

// AppendNull appends a null row of whatever type this builder holds.
func (b *Builder) AppendNull() {
	b.nulls = append(b.nulls, true)
	switch b.typ {
	case Varchar:
		b.strs = append(b.strs, nil)
	default:
		b.values = append(b.values, 0)
	}
}

// Rows returns the number of rows accumulated so far (including nulls).
func (b *Builder) Rows() int { return len(b.nulls) }

func (b *Builder) notNull() int {
	n := 0
	for _, isNull := range b.nulls {
		if !isNull {
			n++
		}
	}
	return n
}

// SpaceUsed estimates the number of page bytes this builder's current
// contents would occupy once flushed, per §6.1's layout.
func (b *Builder) SpaceUsed() int {
	rows := len(b.nulls)
	bm := bitmapLen(rows)
	switch b.typ {
	case Int32:
		return 4 + b.notNull()*4 + bm
	case Int64, Float64:
		return 8 + b.notNull()*8 + bm
	case Varchar:
		total := 0
		for _, s := range b.strs {
			total += len(s)
		}
		return 4 + b.notNull()*2 + total + bm
	default:
		panic("column: unknown type")
	}
}

// Fits reports whether appending one more value of extraBytes content
// bytes (0 for fixed-width types, len(s) for a VARCHAR value) would
// still leave the builder within PageSize.
func (b *Builder) Fits(extraBytes int) bool {
	rows := len(b.nulls) + 1
	bm := bitmapLen(rows)
	switch b.typ {
	case Int32:
		return 4+(b.notNull()+1)*4+bm <= PageSize
	case Int64, Float64:
		return 8+(b.notNull()+1)*8+bm <= PageSize
	case Varchar:
		total := extraBytes
		for _, s := range b.strs {
			total += len(s)
		}
		return 4+(b.notNull()+1)*2+total+bm <= PageSize
	default:
		panic("column: unknown type")
	}
}

// Finish renders the accumulated rows into a PageSize-sized Page and
// resets the builder for reuse.
func (b *Builder) Finish() Page {
	p := make(Page, PageSize)
	rows := len(b.nulls)
	notNull := b.notNull()
	binary.LittleEndian.PutUint16(p[0:2], uint16(rows))
	binary.LittleEndian.PutUint16(p[2:4], uint16(notNull))

	off := valuesOffset(b.typ)
	switch b.typ {
	case Int32:
		vi := 0
		for i, isNull := range b.nulls {
			if isNull {
				continue
			}
			binary.LittleEndian.PutUint32(p[off+4*vi:], uint32(b.values[i]))
			vi++
		}
	case Int64, Float64:
		vi := 0
		for i, isNull := range b.nulls {
			if isNull {
				continue
			}
			binary.LittleEndian.PutUint64(p[off+8*vi:], b.values[i])
			vi++
		}
	case Varchar:
		offTable := off
		strBase := offTable + notNull*2
		cum := 0
		vi := 0
		for _, s := range b.strs {
			if s == nil {
				continue
			}
			cum += len(s)
			binary.LittleEndian.PutUint16(p[offTable+2*vi:], uint16(cum))
			copy(p[strBase+cum-len(s):strBase+cum], s)
			vi++
		}
	}

	bm := NullBitmap(p)
	for i, isNull := range b.nulls {
		if !isNull {
			bm[i/8] |= 1 << uint(i%8)
		}
	}

	b.nulls = b.nulls[:0]
	b.values = b.values[:0]
	b.strs = b.strs[:0]
	return p
}

// LongStringPage builds a long-string start or continuation page
// holding up to PageSize-4 bytes of payload.
func LongStringPage(payload []byte, isStart bool) Page {
	if len(payload) > PageSize-4 {
		panic("column: long string chunk too large for one page")
	}
	p := make(Page, PageSize)
	sentinel := uint16(LongCont)
	if isStart {
		sentinel = LongStart
	}
	binary.LittleEndian.PutUint16(p[0:2], sentinel)
	binary.LittleEndian.PutUint16(p[2:4], uint16(len(payload)))
	copy(p[4:4+len(payload)], payload)
	return p
}
