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

package jointable

import "testing"

func buildSimple(t *testing.T, keys []uint64) *Table {
	t.Helper()
	b := NewBuilder(len(keys), 1)
	l := NewLocal(b)
	for _, k := range keys {
		l.Add(1, k, []uint64{k * 100})
	}
	l.Flush()
	return b.Finish(nil)
}

func TestBuildAndProbe(t *testing.T) {
	tbl := buildSimple(t, []uint64{1, 2, 3, 42})
	for _, k := range []uint64{1, 2, 3, 42} {
		e := tbl.Probe(k)
		if e == nil {
			t.Fatalf("Probe(%d) = nil, want a match", k)
		}
		if e.Key != k || e.Attrs[0] != k*100 {
			t.Fatalf("Probe(%d) = %+v, attrs mismatch", k, e)
		}
	}
	if e := tbl.Probe(999); e != nil {
		t.Fatalf("Probe(999) = %+v, want nil", e)
	}
	if tbl.NumTuples() != 4 {
		t.Fatalf("NumTuples() = %d, want 4", tbl.NumTuples())
	}
}

func TestJoinFilterNeverRejectsPresentKey(t *testing.T) {
	keys := []uint64{5, 17, 1000, 123456}
	tbl := buildSimple(t, keys)
	for _, k := range keys {
		if !tbl.JoinFilter(k) {
			t.Fatalf("JoinFilter(%d) = false, want true (no false negatives allowed)", k)
		}
		if !tbl.JoinFilterPrecise(k) {
			t.Fatalf("JoinFilterPrecise(%d) = false, want true", k)
		}
	}
}

func TestJoinFilterPreciseRejectsAbsentKey(t *testing.T) {
	tbl := buildSimple(t, []uint64{1, 2, 3})
	if tbl.JoinFilterPrecise(99999) {
		t.Fatal("JoinFilterPrecise should reject a key never inserted")
	}
}

func TestDuplicateMultiplicityMerge(t *testing.T) {
	b := NewBuilder(4, 1)
	l := NewLocal(b)
	l.Add(1, 7, []uint64{1})
	l.Add(2, 7, []uint64{1}) // same key+attrs, adjacent insert -> should merge
	l.Flush()
	tbl := b.Finish(nil)

	e := tbl.Probe(7)
	if e == nil {
		t.Fatal("expected key 7 present")
	}
	if e.Multiplicity != 3 {
		t.Fatalf("Multiplicity = %d, want 3 (1+2 merged)", e.Multiplicity)
	}
	if tbl.IsDuplicateFree() {
		t.Fatal("table with multiplicity > 1 must not report duplicate-free")
	}
}

func TestCrossProductBuilder(t *testing.T) {
	b := NewCrossProductBuilder()
	l := NewLocal(b)
	l.Add(3, 0, []uint64{11, 22})
	l.Flush()
	tbl := b.Finish(nil)
	if tbl.NumTuples() != 1 {
		t.Fatalf("cross product NumTuples() = %d, want 1", tbl.NumTuples())
	}
	e := tbl.Probe(0)
	if e == nil || e.Multiplicity != 3 {
		t.Fatalf("cross product entry = %+v", e)
	}
}

func TestJoinFilterRestrictionMatchesTable(t *testing.T) {
	keys := []uint64{2, 4, 6, 8, 10}
	tbl := buildSimple(t, keys)
	r := NewJoinFilterPreciseRestriction(tbl)
	values := make([]uint32, 0, len(keys)+2)
	for _, k := range keys {
		values = append(values, uint32(k))
	}
	values = append(values, 3, 5) // absent keys
	mask := r.RunDense(values, len(values))
	for i := range keys {
		if mask&(1<<uint(i)) == 0 {
			t.Fatalf("present key at index %d should match", i)
		}
	}
	for i := len(keys); i < len(values); i++ {
		if mask&(1<<uint(i)) != 0 {
			t.Fatalf("absent key at index %d should not match", i)
		}
	}
}
