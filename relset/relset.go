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

// Package relset implements a fixed-size (<=64 elements) set of relation
// ids, used by the planner to represent subsets of the query graph
// during DPccp enumeration.
package relset

import "github.com/colhash/joinengine/bitutil"

// Set is a bitset over relation ids [0, 64).
type Set uint64

// Of builds a Set from a list of relation ids.
func Of(ids ...int) Set {
	var s Set
	for _, id := range ids {
		s = s.Insert(id)
	}
	return s
}

// Single returns a Set containing only id.
func Single(id int) Set { return Set(1) << uint(id) }

// Prefix returns the set {0, 1, ..., i-1}.
func Prefix(i int) Set {
	if i >= 64 {
		return ^Set(0)
	}
	return Set(1)<<uint(i) - 1
}

func (s Set) Insert(i int) Set { return s | Set(1)<<uint(i) }
func (s Set) Erase(i int) Set  { return s &^ (Set(1) << uint(i)) }
func (s Set) Contains(i int) bool {
	return s&(Set(1)<<uint(i)) != 0
}

func (s Set) Empty() bool { return s == 0 }
func (s Set) Size() int   { return bitutil.PopCount(uint64(s)) }

// Front returns the lowest relation id in s. s must be non-empty.
func (s Set) Front() int { return bitutil.TrailingZeros(uint64(s)) }

// FrontSet returns the singleton set containing Front().
func (s Set) FrontSet() Set { return s & -s }

// Back returns the highest relation id in s. s must be non-empty.
func (s Set) Back() int { return 63 - bitutil.LeadingZeros64(uint64(s)) }

func (s Set) PopFront() Set { return s & (s - 1) }
func (s Set) PopBack() Set  { return s.Erase(s.Back()) }

// Single reports whether s has exactly one member (s may be empty, in
// which case this returns false, matching singleNonEmpty's
// precondition-free sibling `single()` in the original).
func (s Set) Single() bool { return bitutil.HasSingleBit(uint64(s)) }

func (s Set) Union(o Set) Set        { return s | o }
func (s Set) Subtract(o Set) Set     { return s &^ o }
func (s Set) Intersect(o Set) Set    { return s & o }
func (s Set) IsSubsetOf(o Set) bool  { return s&^o == 0 }
func (s Set) Intersects(o Set) bool  { return s&o != 0 }
func (s Set) Equal(o Set) bool       { return s == o }
func (s Set) Index(rel int) int      { return (s & Prefix(rel)).Size() }

// Increment advances s to the next subset of mask in the canonical
// "increment by complement" enumeration order used by DPccp's subset
// walk: given s a subset of mask, produces the next subset of mask in
// ascending numeric order (or a set outside mask, i.e. "done", when s
// was the last one).
func (s Set) Increment(mask Set) Set {
	return mask & (s - mask)
}

// Subsets iterates over every non-empty subset of s in ascending order,
// calling yield for each one. This mirrors BitSetSubsetsAdapter from the
// original C++ (engine/infra/BitSet.hpp): it starts at the lowest
// singleton subset of s and walks forward via Increment until the walk
// leaves s.
func (s Set) Subsets(yield func(Set) bool) {
	if s.Empty() {
		return
	}
	cur := s.FrontSet()
	for {
		if !yield(cur) {
			return
		}
		cur = cur.Increment(s)
		if cur.Empty() {
			return
		}
	}
}

// Members iterates over each relation id in s in ascending order.
func (s Set) Members(yield func(int) bool) {
	for t := s; !t.Empty(); t = t.PopFront() {
		if !yield(t.Front()) {
			return
		}
	}
}

// ReverseMembers iterates over each relation id in s in descending
// order -- used by DPccp's top-level enumerateCsg loop, which must walk
// relations from highest to lowest so each i's "already seen" prefix x
// only contains strictly lower ids.
func (s Set) ReverseMembers(yield func(int) bool) {
	for t := s; !t.Empty(); t = t.PopBack() {
		if !yield(t.Back()) {
			return
		}
	}
}

// Slice materializes s as a sorted slice of relation ids.
func (s Set) Slice() []int {
	out := make([]int, 0, s.Size())
	s.Members(func(i int) bool {
		out = append(out, i)
		return true
	})
	return out
}
