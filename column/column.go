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

import "sort"

// Column is an ordered sequence of pages of one declared type plus the
// parallel page-offset prefix sum used for O(log pages) random-access
// positioning (spec.md §4.3).
//
// Invariant (spec.md §3.1): within a column, rows are totally ordered
// by (page index, in-page row index). A VARCHAR long-string start page
// counts as exactly one logical row; its continuation pages count as
// zero (they only carry extra payload bytes for that one row's value).
type Column struct {
	Type   Type
	Pages  []Page
	prefix []int // prefix[i] = total logical rows in Pages[0:i]
}

// NewColumn builds a Column and its prefix-sum index.
func NewColumn(t Type, pages []Page) *Column {
	c := &Column{Type: t, Pages: pages}
	c.prefix = make([]int, len(pages)+1)
	for i, p := range pages {
		c.prefix[i+1] = c.prefix[i] + logicalRows(p)
	}
	return c
}

func logicalRows(p Page) int {
	switch {
	case IsLongStart(p):
		return 1
	case IsLongCont(p):
		return 0
	default:
		return int(NumRows(p))
	}
}

// NumRows returns the total logical row count of the column.
func (c *Column) NumRows() int {
	if len(c.prefix) == 0 {
		return 0
	}
	return c.prefix[len(c.prefix)-1]
}

// Locate maps a global row id to (pageIndex, inPageRow) in O(log pages)
// via a binary search over the prefix sum, per spec.md §4.3.
func (c *Column) Locate(rowID int) (pageIndex, inPageRow int) {
	// first page index i such that prefix[i+1] > rowID
	i := sort.Search(len(c.Pages), func(i int) bool {
		return c.prefix[i+1] > rowID
	})
	return i, rowID - c.prefix[i]
}
