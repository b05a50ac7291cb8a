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

package restrict

import "testing"

func TestEqDenseAndSparseAgree(t *testing.T) {
	values := []uint32{1, 2, 3, 2, 5, 2, 7, 8}
	r := Eq(2)
	dense := r.RunDense(values, len(values))

	full := uint64(1)<<len(values) - 1
	sparse := r.RunSparse(values, full)
	if dense != sparse {
		t.Fatalf("dense=%#x sparse=%#x disagree", dense, sparse)
	}
	want := uint64(0)
	for i, v := range values {
		if v == 2 {
			want |= 1 << uint(i)
		}
	}
	if dense != want {
		t.Fatalf("dense=%#x want %#x", dense, want)
	}
}

func TestRunAndSkip(t *testing.T) {
	values := []uint32{10, 10, 10, 99, 10, 10}
	r := Eq(99)
	mask, skipped := r.RunAndSkip(values, len(values))
	if skipped != 3 {
		t.Fatalf("skipped = %d, want 3", skipped)
	}
	if mask&1 == 0 {
		t.Fatalf("mask bit 0 (relative to skip) should be set: %#x", mask)
	}
}

func TestRunAndSkipNoMatch(t *testing.T) {
	values := []uint32{1, 2, 3}
	r := Eq(99)
	mask, skipped := r.RunAndSkip(values, len(values))
	if mask != 0 || skipped != len(values) {
		t.Fatalf("mask=%#x skipped=%d, want 0,%d", mask, skipped, len(values))
	}
}

func TestBetweenPanicsOnBadRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for lo >= hi")
		}
	}()
	Between(5, 5)
}

func TestBetweenMatches(t *testing.T) {
	r := Between(10, 20)
	values := []uint32{5, 10, 15, 20, 25}
	mask := r.RunDense(values, len(values))
	want := uint64(1) << 2
	if mask != want {
		t.Fatalf("mask = %#x, want %#x", mask, want)
	}
}

func TestEq2Matches(t *testing.T) {
	r := Eq2(3, 7)
	values := []uint32{1, 3, 5, 7, 9}
	mask := r.RunDense(values, len(values))
	want := uint64(1<<1 | 1<<3)
	if mask != want {
		t.Fatalf("mask = %#x, want %#x", mask, want)
	}
}

func TestGtLt(t *testing.T) {
	values := []uint32{1, 5, 10, 15, 20}
	gt := Gt(10)
	lt := Lt(10)
	gtMask := gt.RunDense(values, len(values))
	ltMask := lt.RunDense(values, len(values))
	if gtMask != (1<<3 | 1<<4) {
		t.Fatalf("Gt mask = %#x", gtMask)
	}
	if ltMask != (1<<0 | 1<<1) {
		t.Fatalf("Lt mask = %#x", ltMask)
	}
}

func TestNotNull(t *testing.T) {
	r := NotNull()
	values := []uint32{1, NotNullSentinel32, 3}
	mask := r.RunDense(values, len(values))
	want := uint64(1<<0 | 1<<2)
	if mask != want {
		t.Fatalf("mask = %#x, want %#x", mask, want)
	}
}

func TestTinyTable(t *testing.T) {
	values := []uint32{11, 22, 33}
	slots := make([]uint32, 4)
	for i := range slots {
		slots[i] = ^uint32(0)
	}
	hash := func(v uint32) int { return int(v) % 4 }
	for _, v := range values {
		slots[hash(v)] = v
	}
	r := NewTinyTable(slots, hash)
	for _, v := range values {
		if r.RunDense([]uint32{v}, 1)&1 == 0 {
			t.Fatalf("expected %d to match", v)
		}
	}
	if r.RunDense([]uint32{99}, 1) != 0 {
		t.Fatal("99 should not match (collides into wrong slot)")
	}
}
