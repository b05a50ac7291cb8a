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

package bitutil

import (
	"math/rand"
	"testing"
)

// TestPextPdepLaw checks property 6 from spec.md §8: for any 64-bit x, m,
// pdep(pext(x, m), m) == x & m.
func TestPextPdepLaw(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		x := r.Uint64()
		m := r.Uint64()
		got := Pdep(Pext(x, m), m)
		want := x & m
		if got != want {
			t.Fatalf("pdep(pext(%#x,%#x),%#x) = %#x, want %#x", x, m, m, got, want)
		}
	}
}

func TestBitsToOffsets(t *testing.T) {
	offs := BitsToOffsets(0b1011, nil)
	want := []uint8{0, 1, 3}
	if len(offs) != len(want) {
		t.Fatalf("got %v, want %v", offs, want)
	}
	for i := range want {
		if offs[i] != want[i] {
			t.Fatalf("got %v, want %v", offs, want)
		}
	}
}

func TestPopCount(t *testing.T) {
	if PopCount(uint64(0)) != 0 {
		t.Fatal("popcount(0) != 0")
	}
	if PopCount(uint64(0xFFFF)) != 16 {
		t.Fatal("popcount(0xFFFF) != 16")
	}
}

func TestHasSingleBit(t *testing.T) {
	if HasSingleBit(uint64(0)) {
		t.Fatal("0 has no single bit")
	}
	if !HasSingleBit(uint64(1 << 7)) {
		t.Fatal("1<<7 has a single bit")
	}
	if HasSingleBit(uint64(3)) {
		t.Fatal("3 does not have a single bit")
	}
}
