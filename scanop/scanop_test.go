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

package scanop

import (
	"sync"
	"testing"

	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/restrict"
	"github.com/colhash/joinengine/sched"
	"github.com/colhash/joinengine/table"
)

func int32Column(t *testing.T, vals []int32) *column.Column {
	t.Helper()
	b := column.NewBuilder(column.Int32)
	for _, v := range vals {
		b.AppendInt32(v)
	}
	return column.NewColumn(column.Int32, []column.Page{b.Finish()})
}

func makeTable(t *testing.T, vals []int32) *table.Table {
	t.Helper()
	col := int32Column(t, vals)
	tbl, err := table.NewTable("t", len(vals), []*column.Column{col})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func collect(s *Scan) [][]uint64 {
	var out [][]uint64
	s.Produce(nil, func(workerID int, cols [][]uint64, n int) {
		row := make([]uint64, n)
		copy(row, cols[0][:n])
		out = append(out, row)
	})
	return out
}

func TestScanNoRestriction(t *testing.T) {
	vals := make([]int32, 10)
	for i := range vals {
		vals[i] = int32(i)
	}
	tbl := makeTable(t, vals)
	s := NewScan(tbl, []ColumnSpec{{ColumnIndex: 0, Output: true}}, 1)

	var got []uint64
	for _, batch := range collect(s) {
		got = append(got, batch...)
	}
	if len(got) != 10 {
		t.Fatalf("got %d rows, want 10", len(got))
	}
	for i, v := range got {
		if int32(v) != int32(i) {
			t.Fatalf("row %d = %d, want %d", i, int32(v), i)
		}
	}
}

func TestScanSingleRestrictionFilters(t *testing.T) {
	vals := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tbl := makeTable(t, vals)
	s := NewScan(tbl, []ColumnSpec{
		{ColumnIndex: 0, Output: true, Restriction: restrict.Gt(5)},
	}, 1)

	var got []uint64
	for _, batch := range collect(s) {
		got = append(got, batch...)
	}
	want := []int32{6, 7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %v", len(got), len(want), got)
	}
	for i, v := range want {
		if int32(got[i]) != v {
			t.Fatalf("row %d = %d, want %d", i, int32(got[i]), v)
		}
	}
}

func TestScanRestrictionChainOrdering(t *testing.T) {
	vals := make([]int32, 20)
	for i := range vals {
		vals[i] = int32(i)
	}
	tbl := makeTable(t, vals)
	// Between(9,15) is far more selective than Gt(0); the cheaper/more
	// selective restriction (by (1-sel)/cost) should still combine
	// correctly regardless of chain order.
	s := NewScan(tbl, []ColumnSpec{
		{ColumnIndex: 0, Output: true, Restriction: restrict.Gt(0)},
	}, 1)
	s.specs = append(s.specs, ColumnSpec{ColumnIndex: 0, Restriction: restrict.Between(9, 15)})
	s.chainOrder = append(s.chainOrder, 1)

	var got []uint64
	for _, batch := range collect(s) {
		got = append(got, batch...)
	}
	for _, v := range got {
		iv := int32(v)
		if !(iv > 0 && iv > 9 && iv < 15) {
			t.Fatalf("row %d violates restriction chain", iv)
		}
	}
	if len(got) != 5 { // 10..14
		t.Fatalf("got %d rows, want 5: %v", len(got), got)
	}
}

func TestScanWithNulls(t *testing.T) {
	b := column.NewBuilder(column.Int32)
	b.AppendInt32(1)
	b.AppendNull()
	b.AppendInt32(3)
	col := column.NewColumn(column.Int32, []column.Page{b.Finish()})
	tbl, err := table.NewTable("t", 3, []*column.Column{col})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	s := NewScan(tbl, []ColumnSpec{
		{ColumnIndex: 0, Output: true, Restriction: restrict.NotNull()},
	}, 1)

	var got []uint64
	for _, batch := range collect(s) {
		got = append(got, batch...)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2 (null dropped): %v", len(got), got)
	}
}

// TestScanProduceConcurrentWorkers drives Produce through a real
// multi-worker sched.Scheduler with a morsel size small enough that
// ParallelMorsel hands each worker many morsels, not just one -- the
// shape that exposed Produce's unsynchronized per-worker locals map to
// concurrent writes from more than one goroutine at once.
func TestScanProduceConcurrentWorkers(t *testing.T) {
	const numRows = 4000
	vals := make([]int32, numRows)
	for i := range vals {
		vals[i] = int32(i)
	}
	tbl := makeTable(t, vals)
	s := NewScan(tbl, []ColumnSpec{{ColumnIndex: 0, Output: true}}, 4)
	s.morselSize = 37 // force many morsels per worker, not one each

	sch := sched.New(4, nil)
	sch.Setup()
	defer sch.Teardown()
	sch.StartQuery()
	defer sch.EndQuery()

	var mu sync.Mutex
	seen := make(map[int32]bool, numRows)
	workersUsed := make(map[int]bool)

	s.Produce(sch, func(workerID int, cols [][]uint64, n int) {
		mu.Lock()
		workersUsed[workerID] = true
		for i := 0; i < n; i++ {
			v := int32(cols[0][i])
			if seen[v] {
				t.Errorf("row %d delivered more than once", v)
			}
			seen[v] = true
		}
		mu.Unlock()
	})

	if len(seen) != numRows {
		t.Fatalf("delivered %d distinct rows, want %d", len(seen), numRows)
	}
	if len(workersUsed) < 2 {
		t.Fatalf("only %d worker(s) touched the scan, want >= 2 to exercise concurrent locals", len(workersUsed))
	}
}

func TestMorselSizeFloor(t *testing.T) {
	if m := morselSizeFor(100, 4); m != 256 {
		t.Fatalf("morselSizeFor(100,4) = %d, want 256 floor", m)
	}
	if m := morselSizeFor(100000, 4); m != 25000 {
		t.Fatalf("morselSizeFor(100000,4) = %d, want 25000", m)
	}
}
