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

import "math"

const maxUint32 = float64(math.MaxUint32)

// eqRestriction matches a single target value (storage/RestrictionLogic.cpp
// EQRestriction).
type eqRestriction struct {
	checker
	target uint32
}

// Eq builds an equality restriction.
func Eq(target uint32) Restriction {
	r := &eqRestriction{target: target}
	r.checker = checker{check: func(v uint32) bool { return v == target }}
	return r
}

func (r *eqRestriction) EstimateSelectivity() float64 { return 0.01 }
func (r *eqRestriction) EstimateCost() float64         { return 1 }
func (r *eqRestriction) Name() string                  { return "Eq" }

// eq2Restriction matches either of two target values (EQ2Restriction).
type eq2Restriction struct {
	checker
	a, b uint32
}

// Eq2 builds a two-value equality restriction.
func Eq2(a, b uint32) Restriction {
	r := &eq2Restriction{a: a, b: b}
	r.checker = checker{check: func(v uint32) bool { return v == a || v == b }}
	return r
}

func (r *eq2Restriction) EstimateSelectivity() float64 { return 0.02 }
func (r *eq2Restriction) EstimateCost() float64         { return 1 }
func (r *eq2Restriction) Name() string                  { return "Eq2" }

// gtRestriction matches values strictly greater than target (GtRestriction).
type gtRestriction struct {
	checker
	target uint32
}

// Gt builds a greater-than restriction.
func Gt(target uint32) Restriction {
	r := &gtRestriction{target: target}
	r.checker = checker{check: func(v uint32) bool { return v > target }}
	return r
}

func (r *gtRestriction) EstimateSelectivity() float64 {
	return float64(math.MaxUint32-r.target) / maxUint32
}
func (r *gtRestriction) EstimateCost() float64 { return 1 }
func (r *gtRestriction) Name() string          { return "Gt" }

// ltRestriction matches values strictly less than target (LtRestriction).
type ltRestriction struct {
	checker
	target uint32
}

// Lt builds a less-than restriction.
func Lt(target uint32) Restriction {
	r := &ltRestriction{target: target}
	r.checker = checker{check: func(v uint32) bool { return v < target }}
	return r
}

func (r *ltRestriction) EstimateSelectivity() float64 { return float64(r.target) / maxUint32 }
func (r *ltRestriction) EstimateCost() float64         { return 1 }
func (r *ltRestriction) Name() string                  { return "Lt" }

// betweenRestriction matches lo < v < hi (BetweenRestriction).
type betweenRestriction struct {
	checker
	lo, hi uint32
}

// Between builds an open-interval restriction; lo must be < hi.
func Between(lo, hi uint32) Restriction {
	if lo >= hi {
		panic("restrict: Between requires lo < hi")
	}
	r := &betweenRestriction{lo: lo, hi: hi}
	r.checker = checker{check: func(v uint32) bool { return v > lo && v < hi }}
	return r
}

func (r *betweenRestriction) EstimateSelectivity() float64 {
	return float64(r.hi-r.lo) / maxUint32
}
func (r *betweenRestriction) EstimateCost() float64 { return 1 }
func (r *betweenRestriction) Name() string          { return "Between" }

// notNullRestriction matches any value other than the packed null
// sentinel cast to uint32 (NullRestriction; used only over sample
// columns, per the source's comment).
type notNullRestriction struct {
	checker
}

// NotNullSentinel32 is the null marker used within restriction-chain
// uint32 columns (low 32 bits of column.NullSentinel).
const NotNullSentinel32 = ^uint32(0)

// NotNull builds a restriction that rejects the null sentinel.
func NotNull() Restriction {
	r := &notNullRestriction{}
	r.checker = checker{check: func(v uint32) bool { return v != NotNullSentinel32 }}
	return r
}

func (r *notNullRestriction) EstimateSelectivity() float64 { return 0.9 }
func (r *notNullRestriction) EstimateCost() float64         { return 1 }
func (r *notNullRestriction) Name() string                  { return "NotNull" }

// TinyTable matches v against a small closed set of values via direct
// indexing by a caller-supplied hash, mirroring the source's
// TinyTable<N, Hash>. hash must map every value in values to a distinct
// slot in [0, len(slots)); slots not covered by any value must be
// initialized to a value hash itself never produces (InvalidTinyTable
// helps with that).
type tinyTable struct {
	checker
	slots []uint32
	hash  func(uint32) int
}

// NewTinyTable builds a TinyTable restriction. slots is defensively
// copied.
func NewTinyTable(slots []uint32, hash func(uint32) int) Restriction {
	cp := make([]uint32, len(slots))
	copy(cp, slots)
	r := &tinyTable{slots: cp, hash: hash}
	r.checker = checker{check: func(v uint32) bool {
		return r.slots[r.hash(v)] == v
	}}
	return r
}

func (r *tinyTable) EstimateSelectivity() float64 { return 0.003 }
func (r *tinyTable) EstimateCost() float64         { return 1 }
func (r *tinyTable) Name() string                  { return "TinyTable" }
