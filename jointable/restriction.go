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

import (
	"github.com/colhash/joinengine/bitutil"
	"github.com/colhash/joinengine/restrict"
)

// joinFilterRestriction and joinFilterPreciseRestriction let a scan's
// restriction chain push a join's probe side down into the build side
// as an early filter (spec.md §5.4 / JoinFilterRestriction,
// JoinFilterPreciseRestriction in storage/RestrictionLogic.cpp). They
// live here, not in package restrict, because they close over a
// built Table.
type joinFilterRestriction struct {
	ht *Table
}

// NewJoinFilterRestriction builds a coarse, false-positive-tolerant
// restriction from ht's Bloom filter.
func NewJoinFilterRestriction(ht *Table) restrict.Restriction {
	return &joinFilterRestriction{ht: ht}
}

func (r *joinFilterRestriction) RunDense(values []uint32, n int) uint64 {
	var mask uint64
	for i := 0; i < n; i++ {
		if r.ht.JoinFilter(uint64(values[i])) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (r *joinFilterRestriction) RunSparse(values []uint32, in uint64) uint64 {
	var out uint64
	for in != 0 {
		i := bitutil.TrailingZeros(in)
		if r.ht.JoinFilter(uint64(values[i])) {
			out |= 1 << uint(i)
		}
		in &= in - 1
	}
	return out
}

func (r *joinFilterRestriction) RunAndSkip(values []uint32, n int) (mask uint64, skipped int) {
	i := 0
	for ; i < n; i++ {
		if r.ht.JoinFilter(uint64(values[i])) {
			break
		}
	}
	if i == n {
		return 0, n
	}
	skipped = i
	end := n
	if end > i+64 {
		end = i + 64
	}
	for ; i < end; i++ {
		if r.ht.JoinFilter(uint64(values[i])) {
			mask |= 1 << uint(i-skipped)
		}
	}
	return mask, skipped
}

func (r *joinFilterRestriction) EstimateSelectivity() float64 { return 0.5 }

// EstimateCost mirrors the source's size-dependent cost: a small Bloom
// array is cheap to probe (fits in cache), a larger one costs more.
func (r *joinFilterRestriction) EstimateCost() float64 {
	if r.ht.Size()*2 < 32*1024 {
		return 1.5
	}
	return 3
}

func (r *joinFilterRestriction) Name() string { return "JoinFilter" }

// joinFilterPreciseRestriction is JoinFilterRestriction followed by a
// real probe, eliminating Bloom false positives entirely.
type joinFilterPreciseRestriction struct {
	ht *Table
}

// NewJoinFilterPreciseRestriction builds an exact restriction backed by
// a full probe of ht.
func NewJoinFilterPreciseRestriction(ht *Table) restrict.Restriction {
	return &joinFilterPreciseRestriction{ht: ht}
}

func (r *joinFilterPreciseRestriction) check(v uint32) bool {
	return r.ht.JoinFilterPrecise(uint64(v))
}

func (r *joinFilterPreciseRestriction) RunDense(values []uint32, n int) uint64 {
	var mask uint64
	for i := 0; i < n; i++ {
		if r.check(values[i]) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (r *joinFilterPreciseRestriction) RunSparse(values []uint32, in uint64) uint64 {
	var out uint64
	for in != 0 {
		i := bitutil.TrailingZeros(in)
		if r.check(values[i]) {
			out |= 1 << uint(i)
		}
		in &= in - 1
	}
	return out
}

func (r *joinFilterPreciseRestriction) RunAndSkip(values []uint32, n int) (mask uint64, skipped int) {
	i := 0
	for ; i < n; i++ {
		if r.check(values[i]) {
			break
		}
	}
	if i == n {
		return 0, n
	}
	skipped = i
	end := n
	if end > i+64 {
		end = i + 64
	}
	for ; i < end; i++ {
		if r.check(values[i]) {
			mask |= 1 << uint(i-skipped)
		}
	}
	return mask, skipped
}

func (r *joinFilterPreciseRestriction) EstimateSelectivity() float64 { return 0.5 }

func (r *joinFilterPreciseRestriction) EstimateCost() float64 {
	if r.ht.Size()*2 < 32*1024 {
		return 1.5
	}
	return 3
}

func (r *joinFilterPreciseRestriction) Name() string { return "JoinFilterPrecise" }
