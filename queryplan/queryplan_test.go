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
	"testing"

	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/restrict"
	"github.com/colhash/joinengine/table"
)

func int32Column(vals ...int32) *column.Column {
	b := column.NewBuilder(column.Int32)
	for _, v := range vals {
		b.AppendInt32(v)
	}
	return column.NewColumn(column.Int32, []column.Page{b.Finish()})
}

func mustTable(t *testing.T, name string, numRows int, cols ...*column.Column) *table.Table {
	t.Helper()
	tbl, err := table.NewTable(name, numRows, cols)
	if err != nil {
		t.Fatalf("NewTable(%q): %v", name, err)
	}
	return tbl
}

// orders.cust_id joins customers.id; customers.city_id joins cities.id.
// orders: cust_id = [1,1,2,3]
// customers: id=[1,2,3], city_id=[10,10,20]
// cities: id=[10,20]
//
// Expected joined rows (orders.cust_id, customers.id, customers.city_id, cities.id):
//
//	order 0 (cust 1) -> customer 0 (id1,city10) -> city 0 (id10)
//	order 1 (cust 1) -> customer 0 (id1,city10) -> city 0 (id10)
//	order 2 (cust 2) -> customer 1 (id2,city10) -> city 0 (id10)
//	order 3 (cust 3) -> customer 2 (id3,city20) -> city 1 (id20)
func TestThreeTableChainJoin(t *testing.T) {
	orders := mustTable(t, "orders", 4, int32Column(1, 1, 2, 3))
	customers := mustTable(t, "customers", 3, int32Column(1, 2, 3), int32Column(10, 10, 20))
	cities := mustTable(t, "cities", 2, int32Column(10, 20))

	ds, err := table.NewDataSource([]*table.Table{orders, customers, cities})
	if err != nil {
		t.Fatalf("NewDataSource: %v", err)
	}

	j := &Join{
		DS: ds,
		EqClasses: [][]ColRef{
			{{Table: 0, Column: 0}, {Table: 1, Column: 0}}, // orders.cust_id = customers.id
			{{Table: 1, Column: 1}, {Table: 2, Column: 0}}, // customers.city_id = cities.id
		},
		Output: []ColRef{
			{Table: 0, Column: 0},
			{Table: 1, Column: 0},
			{Table: 2, Column: 0},
		},
	}

	plan := Build(j)
	cols := plan.Run(nil)
	if len(cols) != 3 {
		t.Fatalf("got %d output columns, want 3", len(cols))
	}
	n := cols[0].NumRows()
	for i, c := range cols {
		if c.NumRows() != n {
			t.Fatalf("output column %d has %d rows, want %d", i, c.NumRows(), n)
		}
	}
	if n != 4 {
		t.Fatalf("got %d result rows, want 4", n)
	}

	type row struct{ custID, custPK, cityPK int32 }
	got := make([]row, n)
	for i := 0; i < n; i++ {
		got[i] = row{
			custID: readInt32(t, cols[0], i),
			custPK: readInt32(t, cols[1], i),
			cityPK: readInt32(t, cols[2], i),
		}
	}
	sort.Slice(got, func(a, b int) bool {
		if got[a].custID != got[b].custID {
			return got[a].custID < got[b].custID
		}
		return got[a].cityPK < got[b].cityPK
	})

	want := []row{
		{custID: 1, custPK: 1, cityPK: 10},
		{custID: 1, custPK: 1, cityPK: 10},
		{custID: 2, custPK: 2, cityPK: 10},
		{custID: 3, custPK: 3, cityPK: 20},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %+v, want %+v (full got=%+v)", i, got[i], want[i], got)
		}
	}
}

func readInt32(t *testing.T, c *column.Column, row int) int32 {
	t.Helper()
	pageIdx, inPage := c.Locate(row)
	return column.Int32Values(c.Pages[pageIdx])[inPage]
}

// TestSampleMonotonicity checks spec property 8: repeated Build calls
// over the same restricted relation must draw the identical sample and
// so settle on the identical cardinality estimate and plan cost, not
// merely a similar one.
func TestSampleMonotonicity(t *testing.T) {
	orders := mustTable(t, "orders", 4, int32Column(1, 1, 2, 3))
	customers := mustTable(t, "customers", 3, int32Column(1, 2, 3), int32Column(10, 10, 20))

	ds, err := table.NewDataSource([]*table.Table{orders, customers})
	if err != nil {
		t.Fatalf("NewDataSource: %v", err)
	}

	newJoin := func() *Join {
		return &Join{
			DS: ds,
			EqClasses: [][]ColRef{
				{{Table: 0, Column: 0}, {Table: 1, Column: 0}},
			},
			Restrictions: map[ColRef]restrict.Restriction{
				{Table: 1, Column: 1}: restrict.Gt(15),
			},
			Output: []ColRef{
				{Table: 0, Column: 0},
				{Table: 1, Column: 0},
			},
		}
	}

	idxA := sampleRowIndices(1, customers.NumRows)
	idxB := sampleRowIndices(1, customers.NumRows)
	if len(idxA) != len(idxB) {
		t.Fatalf("sampleRowIndices returned differing lengths %d vs %d", len(idxA), len(idxB))
	}
	for i := range idxA {
		if idxA[i] != idxB[i] {
			t.Fatalf("sampleRowIndices not deterministic: idxA[%d]=%d idxB[%d]=%d", i, idxA[i], i, idxB[i])
		}
	}

	planA := Build(newJoin())
	planB := Build(newJoin())
	if planA.root == nil || planB.root == nil {
		t.Fatalf("expected a non-nil plan for a connected two-relation join")
	}
	if planA.root.Cost != planB.root.Cost {
		t.Fatalf("plan cost not reproducible: %v vs %v", planA.root.Cost, planB.root.Cost)
	}
	if planA.root.Card != planB.root.Card {
		t.Fatalf("plan cardinality not reproducible: %v vs %v", planA.root.Card, planB.root.Card)
	}
}

// TestCrossProductJoin exercises the disconnected fallback: two
// relations with no shared equivalence class must still produce the
// full cross product, with every build-side tuple reachable from every
// probe-side row regardless of any column's actual value.
func TestCrossProductJoin(t *testing.T) {
	left := mustTable(t, "left", 2, int32Column(100, 200))
	right := mustTable(t, "right", 3, int32Column(1, 2, 3))

	ds, err := table.NewDataSource([]*table.Table{left, right})
	if err != nil {
		t.Fatalf("NewDataSource: %v", err)
	}

	j := &Join{
		DS: ds,
		Output: []ColRef{
			{Table: 0, Column: 0},
			{Table: 1, Column: 0},
		},
	}

	plan := Build(j)
	cols := plan.Run(nil)
	if len(cols) != 2 {
		t.Fatalf("got %d output columns, want 2", len(cols))
	}
	n := cols[0].NumRows()
	if n != 6 {
		t.Fatalf("got %d result rows, want 6 (2x3 cross product)", n)
	}

	seen := map[[2]int32]int{}
	for i := 0; i < n; i++ {
		k := [2]int32{readInt32(t, cols[0], i), readInt32(t, cols[1], i)}
		seen[k]++
	}
	for _, a := range []int32{100, 200} {
		for _, b := range []int32{1, 2, 3} {
			k := [2]int32{a, b}
			if seen[k] != 1 {
				t.Fatalf("pair %v seen %d times, want 1", k, seen[k])
			}
		}
	}
}
