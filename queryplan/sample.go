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

package queryplan

import (
	"sort"

	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/restrict"
	"github.com/colhash/joinengine/table"
)

// sampleSize mirrors QueryPlan::Input's sampleSize = min(numRows, 64):
// a restriction chain is evaluated over at most one dense RunDense batch.
const sampleSize = 64

// sampleSeed derives a reproducible per-relation seed so repeated Build
// calls over the same Join draw the identical sample every time
// (QueryPlan's own sample is likewise fixed once per DataSource, not
// reseeded per query), grounded on vm/chacha8.go's permutation: rather
// than import the teacher's SIMD-oriented hashing package wholesale for
// one 64-bit mixing step, this rewrites chacha8's core quarter-round
// mixing as a small, self-contained splitmix-style step scoped to what
// sampling actually needs.
func sampleSeed(relID int) uint64 {
	x := uint64(relID)*0x9E3779B97F4A7C15 + 0xD1B54A32D192ED03
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// nextSampleIndex advances the splitmix64-style mixing state by one step and
// folds it into [0, numRows).
func nextSampleIndex(state *uint64, numRows int) int {
	x := *state + 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x ^= x >> 31
	*state = x
	return int(x % uint64(numRows))
}

// sampleRowIndices deterministically draws up to sampleSize row indices
// in [0, numRows), ascending and with duplicates possible (an accepted
// simplification of QueryPlan::createUnfilteredSample's
// sampling-without-replacement, since DPccp's cost model only needs an
// approximate selectivity, not an exact one).
func sampleRowIndices(relID, numRows int) []int {
	if numRows == 0 {
		return nil
	}
	want := sampleSize
	if numRows < want {
		want = numRows
	}
	state := sampleSeed(relID)
	idx := make([]int, want)
	for i := range idx {
		idx[i] = nextSampleIndex(&state, numRows)
	}
	sort.Ints(idx)
	return idx
}

// estimateSelectivity runs every restriction attached to relID's columns
// over one shared deterministic sample of relID's rows and returns the
// fraction of sampled rows that satisfy all of them, per
// QueryPlan::Input::recomputeCardinality's matches/sampleSize ratio. A
// relation with no restrictions is never sampled: its cardinality stays
// exactly NumRows.
func estimateSelectivity(tbl *table.Table, relID int, cols []ColRef, restrictions map[ColRef]restrict.Restriction) float64 {
	idx := sampleRowIndices(relID, tbl.NumRows)
	if len(idx) == 0 {
		return 1
	}
	mask := ^uint64(0) >> (64 - uint(len(idx)))
	for _, cr := range cols {
		values := sampleColumn(tbl.Columns[cr.Column], idx)
		mask &= restrictions[cr].RunDense(values, len(idx))
	}
	matches := 0
	for i := 0; i < len(idx); i++ {
		if mask&(1<<uint(i)) != 0 {
			matches++
		}
	}
	return float64(matches) / float64(len(idx))
}

// sampleColumn reads the cell at each row in idx (ascending) into the
// narrowed uint32 representation restrict.Restriction operates on,
// matching scanop's own cell->uint32 narrowing for restriction
// evaluation.
func sampleColumn(col *column.Column, idx []int) []uint32 {
	r := column.NewReader(col)
	values := make([]uint32, len(idx))
	var buf [1]uint64
	for i, row := range idx {
		r.SkipTo(row)
		r.Step64(1, buf[:])
		if column.IsNull(buf[0]) {
			values[i] = 0xFFFFFFFF // never satisfies a real predicate's range
			continue
		}
		values[i] = uint32(buf[0])
	}
	return values
}
