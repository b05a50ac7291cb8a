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

// Package restrict implements the single-column predicate logic
// scanop.Scan evaluates while pulling pages: row-mask production over
// batches of up to 64 INT32 values, in three calling conventions
// (spec.md §4.5):
//
//   - RunDense: every one of len (<=64) values is live; produce their
//     full match bitmask.
//   - RunSparse: only the rows named by mask are live (a prior
//     restriction already eliminated the rest); check just those.
//   - RunAndSkip: scan forward from the start of a (possibly long) run
//     of values for the first match, then return a 64-wide mask
//     starting there plus the number of leading non-matching rows
//     skipped. This lets a restriction chain avoid touching rows that
//     will never be referenced once an earlier/later restriction in
//     the chain has already disqualified them.
//
// Restriction is the common interface; checker supplies the shared
// dense/sparse/skip driving loops to each concrete restriction exactly
// as the source's CRTP `RestrictionBuilder<T>` does, substituting a Go
// closure for the template parameter's `check` method.
package restrict

import "github.com/colhash/joinengine/bitutil"

// Restriction is a single-column predicate usable in a scan's
// restriction chain or as a join's bloom pre-filter.
type Restriction interface {
	// RunDense evaluates all len (<=64) values, returning bit i set iff
	// values[i] matches.
	RunDense(values []uint32, n int) uint64
	// RunSparse evaluates only the values named in mask, returning the
	// surviving subset of mask.
	RunSparse(values []uint32, mask uint64) uint64
	// RunAndSkip scans forward in values[:n] for the first match, then
	// evaluates up to a further 64-bit-wide window from there. It
	// returns the window's match mask and the number of leading rows
	// skipped before the window starts.
	RunAndSkip(values []uint32, n int) (mask uint64, skipped int)
	// EstimateSelectivity estimates the fraction of rows this
	// restriction passes, used by the planner's cost model.
	EstimateSelectivity() float64
	// EstimateCost estimates the relative per-row cost of evaluating
	// this restriction, used to order a restriction chain cheapest
	// first.
	EstimateCost() float64
	Name() string
}

// checker drives the three calling conventions from a single per-value
// predicate, mirroring RestrictionBuilder<T> in
// storage/RestrictionLogic.cpp. It has no SIMD fast path (Go has none
// without assembly); the scalar loop is what the source falls back to
// off x86/ARM vector ISAs.
type checker struct {
	check func(uint32) bool
}

// RunDense batches its scan in vectorWidth-sized groups (runDenseImpl's
// shape), even though the per-lane check itself is still scalar.
func (c checker) RunDense(values []uint32, n int) uint64 {
	var mask uint64
	i := 0
	for ; i+vectorWidth <= n; i += vectorWidth {
		for lane := 0; lane < vectorWidth; lane++ {
			if c.check(values[i+lane]) {
				mask |= 1 << uint(i+lane)
			}
		}
	}
	for ; i < n; i++ {
		if c.check(values[i]) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (c checker) RunSparse(values []uint32, mask uint64) uint64 {
	var offsets [64]uint8
	off := bitutil.BitsToOffsets(mask, offsets[:0])
	var newMask uint64
	for _, o := range off {
		if c.check(values[o]) {
			newMask |= 1 << uint(o)
		}
	}
	return newMask
}

func (c checker) RunAndSkip(values []uint32, n int) (mask uint64, skipped int) {
	i := 0
	for ; i < n; i++ {
		if c.check(values[i]) {
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
		if c.check(values[i]) {
			mask |= 1 << uint(i-skipped)
		}
	}
	return mask, skipped
}
