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

package planner

import "github.com/colhash/joinengine/relset"

// The enumeration below is a direct bitset-for-bitset translation of
// DPccp.hpp's enumerateCsg/enumerateCsgRec/enumerateCmp/enumerateCsgCmp
// (the DPccp algorithm of Moerkotte & Neumann): it enumerates every
// pair (csg, cmp) of connected, complementary subgraphs of the join
// graph over all relations, in an order that guarantees both halves of
// any eventual join have already been considered as a complete
// subproblem by the time the pair is emitted.

func (g *Graph) enumerateCsgRec(s, x relset.Set, emit func(relset.Set)) {
	emit(s)
	n := g.neighborhood(s).Subtract(x)
	n.Subsets(func(sp relset.Set) bool {
		g.enumerateCsgRec(s.Union(sp), x.Union(n), emit)
		return true
	})
}

func (g *Graph) enumerateCsgFrom(all relset.Set, emit func(relset.Set)) {
	all.ReverseMembers(func(i int) bool {
		s := relset.Single(i)
		x := relset.Prefix(i + 1).Intersect(all)
		g.enumerateCsgRec(s, x, emit)
		return true
	})
}

// enumerateCsgOver is enumerateCsg restricted to a neighborhood n
// rather than the whole relation set, used by enumerateCmp per
// DPccp.hpp.
func (g *Graph) enumerateCsgOver(n, x relset.Set, emit func(relset.Set)) {
	n.ReverseMembers(func(i int) bool {
		s := relset.Single(i)
		// Exclude only the not-yet-visited members of n itself, not every
		// relation id <= i in the whole graph: n is a sparse neighborhood
		// here, unlike enumerateCsgFrom's all (always relset.Prefix(n)).
		xi := relset.Prefix(i).Intersect(n).Union(x)
		g.enumerateCsgRec(s, xi, emit)
		return true
	})
}

func (g *Graph) enumerateCmp(s relset.Set, emit func(relset.Set)) {
	x := relset.Prefix(s.Front() + 1).Union(s)
	n := g.neighborhood(s).Subtract(x)
	if n.Empty() {
		return
	}
	g.enumerateCsgOver(n, x, emit)
}

// runDPccp enumerates every (csg, cmp) pair of connected complementary
// subgraphs over all and calls join for each, per
// DPccp::enumerateCsgCmp: all candidate csg subsets are filtered by
// connected before their complements are enumerated, and all candidate
// cmp subsets are filtered by connected before join is invoked.
func (g *Graph) runDPccp(all relset.Set, connected func(relset.Set) bool, join func(csg, cmp relset.Set)) {
	g.enumerateCsgFrom(all, func(s relset.Set) {
		if !connected(s) {
			return
		}
		g.enumerateCmp(s, func(c relset.Set) {
			if connected(c) {
				join(s, c)
			}
		})
	})
}
