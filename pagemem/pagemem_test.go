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

package pagemem

import "testing"

// TestPagePoolConservation exercises spec.md §8 property 3: for two
// back-to-back queries, the occupied page count after the second query
// equals the occupied count after running the second query alone.
func TestPagePoolConservation(t *testing.T) {
	a, err := New(64 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	runQuery := func(n int) {
		a.StartQuery()
		refs := make([]Ref, n)
		for i := range refs {
			refs[i] = a.Allocate(1)
		}
		for _, r := range refs {
			a.Deallocate(r)
		}
	}

	runQuery(10)
	runQuery(10)
	afterQ2Sequential := a.Used()

	b, err := New(64 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.StartQuery()
	refs := make([]Ref, 10)
	for i := range refs {
		refs[i] = b.Allocate(1)
	}
	for _, r := range refs {
		b.Deallocate(r)
	}
	afterSolo := b.Used()

	if afterQ2Sequential != afterSolo {
		t.Fatalf("sequential used=%d solo used=%d, pool did not conserve", afterQ2Sequential, afterSolo)
	}
}

func TestAllocateReturnsDistinctPages(t *testing.T) {
	a, err := New(16 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.StartQuery()
	r1 := a.Allocate(1)
	r2 := a.Allocate(1)
	if r1.Index == r2.Index {
		t.Fatal("expected distinct pages")
	}
	b1 := a.Bytes(r1)
	b2 := a.Bytes(r2)
	b1[0] = 1
	if b2[0] == 1 {
		t.Fatal("pages alias")
	}
}

func TestFallbackOnExhaustion(t *testing.T) {
	a, err := New(2 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.StartQuery()
	a.Allocate(1)
	a.Allocate(1)
	r := a.Allocate(1)
	if !r.Fallback {
		t.Fatal("expected fallback allocation once arena is exhausted")
	}
	buf := a.Bytes(r)
	if len(buf) != PageSize {
		t.Fatalf("fallback buffer wrong size: %d", len(buf))
	}
}

func TestLocalMemory(t *testing.T) {
	a, err := New(32 * PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.StartQuery()
	lm := NewLocalMemory(a)
	r := lm.Get()
	lm.Put(r)
	r2 := lm.Get()
	if r2.Index != r.Index {
		t.Fatal("expected cached page to be reused")
	}
	lm.Flush()
}
