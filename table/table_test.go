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

package table

import (
	"testing"

	"github.com/colhash/joinengine/column"
)

func makeInt32Column(vals ...int32) *column.Column {
	b := column.NewBuilder(column.Int32)
	for _, v := range vals {
		b.AppendInt32(v)
	}
	return column.NewColumn(column.Int32, []column.Page{b.Finish()})
}

func TestNewTableRowCountMismatch(t *testing.T) {
	c := makeInt32Column(1, 2, 3)
	if _, err := NewTable("t", 4, []*column.Column{c}); err == nil {
		t.Fatal("expected error on row-count mismatch")
	}
	if _, err := NewTable("t", 3, []*column.Column{c}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDataSourceLookup(t *testing.T) {
	a := makeInt32Column(1, 2)
	b := makeInt32Column(3, 4, 5)
	ta, err := NewTable("a", 2, []*column.Column{a})
	if err != nil {
		t.Fatal(err)
	}
	tb, err := NewTable("b", 3, []*column.Column{b})
	if err != nil {
		t.Fatal(err)
	}
	ds, err := NewDataSource([]*Table{ta, tb})
	if err != nil {
		t.Fatal(err)
	}
	if ds.NumTables() != 2 {
		t.Fatalf("NumTables() = %d, want 2", ds.NumTables())
	}
	got, ok := ds.Table("b")
	if !ok || got.NumRows != 3 {
		t.Fatalf("Table(b) = %+v, %v", got, ok)
	}
	if ds.TableAt(0).Name != "a" {
		t.Fatalf("TableAt(0) = %q, want a", ds.TableAt(0).Name)
	}
	if _, ok := ds.Table("missing"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestDataSourceDuplicateName(t *testing.T) {
	a := makeInt32Column(1)
	ta, _ := NewTable("dup", 1, []*column.Column{a})
	tb, _ := NewTable("dup", 1, []*column.Column{a})
	if _, err := NewDataSource([]*Table{ta, tb}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}
