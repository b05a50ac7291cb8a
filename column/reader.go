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

import "math"

// Reader is a stateful column iterator positioned by (page cursor,
// in-page row index), per spec.md §4.4. SkipTo repositions in O(log
// pages); Step64 drains up to 64 consecutive rows into the uniform
// uint64 cell representation, writing NullSentinel for null rows.
type Reader struct {
	col      *Column
	pageIdx  int
	rowInPg  int
	globalID int
}

// NewReader creates a Reader positioned at row 0.
func NewReader(col *Column) *Reader {
	return &Reader{col: col}
}

// SkipTo repositions the reader at rowID in O(log pages).
func (r *Reader) SkipTo(rowID int) {
	r.pageIdx, r.rowInPg = r.col.Locate(rowID)
	r.globalID = rowID
}

// Position returns the reader's current global row id.
func (r *Reader) Position() int { return r.globalID }

// Remaining returns how many rows are left to read.
func (r *Reader) Remaining() int {
	n := r.col.NumRows() - r.globalID
	if n < 0 {
		return 0
	}
	return n
}

// advancePastEmptyPages skips over zero-logical-row pages (VARCHAR
// continuation pages) that SkipTo/Step64 may land on.
func (r *Reader) advancePastEmptyPages() {
	for r.pageIdx < len(r.col.Pages) && r.rowInPg >= logicalRows(r.col.Pages[r.pageIdx]) {
		r.pageIdx++
		r.rowInPg = 0
	}
}

// Step64 reads up to n (<=64) consecutive rows starting at the reader's
// current position into dst (which must have capacity >= n), advancing
// the reader past them. It returns the number of rows actually written
// (fewer than n only at end of column). Null rows are written as
// NullSentinel; non-null VARCHAR rows are written as packed StringPtr
// handles.
func (r *Reader) Step64(n int, dst []uint64) int {
	written := 0
	for written < n {
		r.advancePastEmptyPages()
		if r.pageIdx >= len(r.col.Pages) {
			break
		}
		page := r.col.Pages[r.pageIdx]
		if IsLongStart(page) {
			dst[written] = r.readLongString(r.pageIdx).AsBits()
			written++
			r.rowInPg++
			r.globalID++
			continue
		}
		if IsRowNull(page, r.rowInPg) {
			dst[written] = NullSentinel
		} else {
			dst[written] = r.readCell(page, r.rowInPg)
		}
		written++
		r.rowInPg++
		r.globalID++
	}
	return written
}

func (r *Reader) readCell(page Page, row int) uint64 {
	idx := NonNullIndex(page, row)
	switch r.col.Type {
	case Int32:
		// Zero-extend, not sign-extend: int32(-1) must not collide with
		// NullSentinel's all-ones uint64 bit pattern.
		return uint64(uint32(Int32Values(page)[idx]))
	case Int64:
		return uint64(Int64Values(page)[idx])
	case Float64:
		return math.Float64bits(Float64Values(page)[idx])
	case Varchar:
		b := ShortStringBytes(page, idx)
		if len(b) <= maxInlineLen {
			return InlineStringPtr(b).AsBits()
		}
		return ShortStringPtr(r.pageIdx, ShortStringOffset(page, idx), len(b)).AsBits()
	default:
		panic("column: unknown type")
	}
}

// readLongString walks forward from a long-string start page at
// startIdx across its continuation pages to compute how many pages the
// value spans, and returns a packed pointer to it. It does not advance
// the reader's page index -- the caller bumps rowInPg/globalID and lets
// advancePastEmptyPages skip the continuation pages on the next call.
func (r *Reader) readLongString(startIdx int) StringPtr {
	n := 1
	for startIdx+n < len(r.col.Pages) && IsLongCont(r.col.Pages[startIdx+n]) {
		n++
	}
	return LongStringPtr(startIdx, n)
}

// LongStringBytes reassembles the full byte content of a long string
// pointer by concatenating its start and continuation page payloads.
func LongStringBytes(col *Column, ptr StringPtr) []byte {
	pageIdx, numPages := ptr.LongParts()
	var out []byte
	for i := 0; i < numPages; i++ {
		out = append(out, Payload(col.Pages[pageIdx+i])...)
	}
	return out
}
