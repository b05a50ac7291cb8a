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

// Package scanop implements the morselized table scan operator: it
// drives a table.Table's columns in lockstep through up to 64-row
// windows, applies an ordered chain of column restrictions to compact
// each window down to the rows that survive every predicate, and
// delivers the surviving rows' cells to a consumer in buffered batches
// (spec.md §4.5, grounded on original_source's
// engine/op/TableScan.{hpp,cpp}).
//
// The source drives this with manual PEXT/PDEP page-offset compaction
// tied to the physical page layout; this build instead pulls dense
// per-window uint64 cell slices from column.Reader and compacts them
// by walking the survivor mask with bitutil.TrailingZeros, trading one layer of bit-twiddling for
// column.Reader's already-portable page walk. The chain ordering
// (cheapest, most-selective restriction first), morsel sizing, and
// half-buffer flush threshold are kept as in the source.
package scanop

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/colhash/joinengine/bitutil"
	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/restrict"
	"github.com/colhash/joinengine/sched"
	"github.com/colhash/joinengine/table"
)

// windowSize is the largest row window processed (and restriction-mask
// width) in one pass, matching the source's 64-bit mask granularity.
const windowSize = 64

// bufferCount is the output batch capacity per column; a batch flushes
// once it is at least half full (spec.md §4.5), matching TableScan's
// `bufferCount = 128`.
const bufferCount = 128

// ColumnSpec describes one column a Scan reads: its index within the
// table, an optional restriction to filter by, and whether its
// (filtered) values should be delivered to the consumer at all (a
// restriction-only column that isn't itself part of the projection is
// still scanned to narrow the row set, per the source's
// nonOutputReaderDefs).
type ColumnSpec struct {
	ColumnIndex int
	Restriction restrict.Restriction // nil: no filter, just read (or just output)
	Selectivity float64              // 0 => ask Restriction.EstimateSelectivity()
	Output      bool
}

// Scan is a configured, reusable scan operator over one table.Table.
type Scan struct {
	Table          *table.Table
	specs          []ColumnSpec
	chainOrder     []int // indices into specs with Restriction != nil, cheapest-first
	outputOrder    []int // indices into specs with Output == true, in spec order
	morselSize     int
	produceConst   bool
	constantColumn uint64
}

// NewScan builds a Scan. specs need not be sorted; NewScan derives the
// restriction evaluation order once so every worker's Local reuses it.
func NewScan(t *table.Table, specs []ColumnSpec, concurrency int) *Scan {
	s := &Scan{Table: t, specs: specs}
	for i, sp := range specs {
		if sp.Restriction != nil {
			s.chainOrder = append(s.chainOrder, i)
		}
		if sp.Output {
			s.outputOrder = append(s.outputOrder, i)
		}
	}
	chainCost := func(i int) float64 {
		sp := specs[i]
		sel := sp.Selectivity
		if sel == 0 {
			sel = sp.Restriction.EstimateSelectivity()
		}
		return (1 - sel) / sp.Restriction.EstimateCost()
	}
	slices.SortStableFunc(s.chainOrder, func(a, b int) bool {
		return chainCost(a) > chainCost(b)
	})
	s.morselSize = morselSizeFor(t.NumRows, concurrency)
	return s
}

// WithConstantColumn appends a constant-valued virtual output column to
// every delivered batch, used by cross-product pipeline stages
// (spec.md §5.5, TableScan::produceConstantColumn).
func (s *Scan) WithConstantColumn(v uint64) *Scan {
	s.produceConst = true
	s.constantColumn = v
	return s
}

// morselSizeFor mirrors TableScan's constructor sizing heuristic
// (floor of 256 rows, otherwise numRows/concurrency).
func morselSizeFor(numRows, concurrency int) int {
	if concurrency < 1 {
		concurrency = 1
	}
	m := numRows / concurrency
	if m < 256 {
		m = 256
	}
	return m
}

// NumOutputColumns returns how many columns (including the optional
// constant column) a consumer should expect per delivered batch.
func (s *Scan) NumOutputColumns() int {
	n := len(s.outputOrder)
	if s.produceConst {
		n++
	}
	return n
}

// Concurrency mirrors TableScan::concurrency(): a table smaller than
// one morsel runs single-threaded.
func (s *Scan) Concurrency(affinity int) int {
	if s.Table.NumRows <= s.morselSize {
		return 1
	}
	return affinity
}

// Local is per-worker scan state: one column.Reader per referenced
// column plus output batch buffers.
type Local struct {
	scan    *Scan
	readers []*column.Reader
	batches [][]uint64 // one per NumOutputColumns(), each capacity bufferCount
	n       int         // rows currently buffered
}

// NewLocal creates a Local bound to s. Every worker must have its own.
func NewLocal(s *Scan) *Local {
	l := &Local{scan: s}
	l.readers = make([]*column.Reader, len(s.specs))
	for i, sp := range s.specs {
		l.readers[i] = column.NewReader(s.Table.Columns[sp.ColumnIndex])
	}
	l.batches = make([][]uint64, s.NumOutputColumns())
	for i := range l.batches {
		l.batches[i] = make([]uint64, bufferCount)
	}
	return l
}

// Consumer receives a completed (or final, partial) batch: n rows per
// column in cols, columns in the Scan's output order (plus the
// constant column last, if configured).
type Consumer func(workerID int, cols [][]uint64, n int)

// Produce drives the scan across sch's workers (or single-threaded if
// sch is nil), invoking consume with every filled batch plus a final
// partial flush per worker.
func (s *Scan) Produce(sch *sched.Scheduler, consume Consumer) {
	var mu sync.Mutex
	locals := make(map[int]*Local)

	localFor := func(workerID int) *Local {
		mu.Lock()
		defer mu.Unlock()
		return locals[workerID]
	}
	setLocal := func(workerID int, l *Local) {
		mu.Lock()
		locals[workerID] = l
		mu.Unlock()
	}

	run := func(workerID int, rowOffset uint64) {
		switch rowOffset {
		case sched.InitSentinel:
			setLocal(workerID, NewLocal(s))
			return
		case sched.FinalSentinel:
			l := localFor(workerID)
			if l != nil && l.n > 0 {
				consume(workerID, l.batches, l.n)
				l.n = 0
			}
			return
		}
		l := localFor(workerID)
		row := int(rowOffset)
		end := row + s.morselSize
		if end > s.Table.NumRows {
			end = s.Table.NumRows
		}
		for _, r := range l.readers {
			r.SkipTo(row)
		}
		s.scanMorsel(l, row, end, workerID, consume)
	}

	if sch == nil || s.Concurrency(sch.Concurrency()) <= 1 {
		run(0, sched.InitSentinel)
		for row := 0; row < s.Table.NumRows; row += s.morselSize {
			run(0, uint64(row))
		}
		run(0, sched.FinalSentinel)
		return
	}
	sch.ParallelMorsel(s.Table.NumRows, s.morselSize, run, true)
}

func (s *Scan) scanMorsel(l *Local, row, end int, workerID int, consume Consumer) {
	raw := make([][]uint64, len(s.specs))
	for i := range raw {
		raw[i] = make([]uint64, windowSize)
	}
	u32 := make([]uint32, windowSize)

	for row < end {
		n := end - row
		if n > windowSize {
			n = windowSize
		}
		for i, r := range l.readers {
			r.Step64(n, raw[i])
		}

		mask := uint64(1)<<uint(n) - 1
		if n == 64 {
			mask = ^uint64(0)
		}
		for _, idx := range s.chainOrder {
			if mask == 0 {
				break
			}
			cells := raw[idx]
			var notNull uint64
			for i := 0; i < n; i++ {
				if !column.IsNull(cells[i]) {
					notNull |= 1 << uint(i)
				}
			}
			mask &= notNull
			if mask == 0 {
				break
			}
			for i := 0; i < n; i++ {
				u32[i] = uint32(cells[i])
			}
			mask = s.specs[idx].Restriction.RunSparse(u32, mask)
		}

		if mask != 0 {
			count := writeSurvivors(l, raw, s.outputOrder, mask)
			if s.produceConst {
				for i := 0; i < count; i++ {
					l.batches[len(s.outputOrder)][l.n+i] = s.constantColumn
				}
			}
			l.n += count
			if l.n >= bufferCount/2 {
				consume(workerID, l.batches, l.n)
				l.n = 0
			}
		}
		row += n
	}
}

// writeSurvivors compacts the rows named by mask from raw[outputOrder]
// into l.batches, starting at l.n, returning the number of rows
// written.
func writeSurvivors(l *Local, raw [][]uint64, outputOrder []int, mask uint64) int {
	count := 0
	for m := mask; m != 0; m &= m - 1 {
		o := bitutil.TrailingZeros(m)
		for bi, oi := range outputOrder {
			l.batches[bi][l.n+count] = raw[oi][o]
		}
		count++
	}
	return count
}
