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

// Package planner picks a bushy join order over a set of base relations
// using the DPccp dynamic-programming enumeration (Moerkotte & Neumann,
// "Analysis of Two Existing and One New Dynamic Programming Algorithm
// for the Generation of Optimal Bushy Join Trees"), grounded on
// original_source's engine/query/DPccp.hpp (connected-subgraph
// enumeration) and engine/query/QueryGraph.{hpp,cpp} (the concrete cost
// model and pipeline-length-bounded plan DP).
//
// A relation's neighborhood is derived from equivalence classes of
// join-key columns rather than from explicit graph edges -- two
// relations are adjacent whenever they share an equivalence class -- so
// the caller only has to supply each relation's produced equivalence
// classes and cardinality estimate, as Graph.AddRelation requires.
package planner

import "github.com/colhash/joinengine/relset"

// MaxPipelineLength bounds how many hash-table probes the cost model
// assumes can be fused onto one physical table scan before the
// intermediate result must be materialized into a new hash table. It
// mirrors QueryGraph::maxPipelineLength; queryplan's execution does not
// itself enforce this bound (Go has no need to cap an in-flight probe
// chain's length the way the source's template-specialized pipeline
// functions did), so widening it only changes which bushy shapes the
// planner is willing to consider cheap, not what queryplan can execute.
const MaxPipelineLength = 3

// Relation describes one base input to the join: its own cardinality
// estimate and the equivalence classes (shared join-key columns) it
// produces. JoinKey, if not -1, names the equivalence class this
// relation must serve as the hash-table (left) side for -- it can never
// be chosen as a probe-side (right) input on that class, mirroring
// QueryGraph::canJoin's veto of singleton probe-only relations.
type Relation struct {
	Cardinality float64
	ProducedEq  relset.Set
	JoinKey     int
}

// Plan is one candidate join (sub)plan for a given relation set and
// pipeline depth, equivalent to QueryGraph::Plan.
type Plan struct {
	Left, Right *Plan // nil for a base relation
	RelID       int   // valid only when Left == nil && Right == nil
	Set         relset.Set
	Pipes       int // number of hash probes fused onto this plan's physical scan so far

	Eqs          relset.Set // equivalence classes this plan's rows carry
	Neighborhood relset.Set // memoized QueryGraph::neighborhood(Set)

	Card float64 // estimated output cardinality
	BC   float64 // "build cardinality": max cardinality along the build spine
	Cost float64
}

// IsLeaf reports whether p is a single base relation.
func (p *Plan) IsLeaf() bool { return p.Left == nil && p.Right == nil }

// Graph holds the relations under consideration and the DP table of
// candidate plans, one array of MaxPipelineLength Plan slots per
// relation subset, exactly as QueryGraph::plans is laid out.
type Graph struct {
	relations []Relation
	plans     []([MaxPipelineLength]Plan) // indexed by relset.Set bit pattern
}

// NewGraph creates an empty Graph. Call AddRelation once per base input
// before calling Optimize.
func NewGraph() *Graph {
	return &Graph{}
}

// AddRelation registers a new base relation and returns its 0-based id,
// usable in a relset.Set via relset.Single.
func (g *Graph) AddRelation(r Relation) int {
	id := len(g.relations)
	g.relations = append(g.relations, r)
	return id
}

func (g *Graph) size() int { return len(g.relations) }

func (g *Graph) ensurePlans() {
	n := 1 << uint(g.size())
	if len(g.plans) == n {
		return
	}
	g.plans = make([]([MaxPipelineLength]Plan), n)
	for s := 0; s < n; s++ {
		set := relset.Set(s)
		for p := 0; p < MaxPipelineLength; p++ {
			g.plans[s][p] = Plan{Set: set, Pipes: p, Cost: infinity}
		}
	}
}

const infinity = 1e300

func (g *Graph) get(set relset.Set, pipes int) *Plan {
	return &g.plans[int(set)][pipes]
}

// computeNeighborhood computes the relations adjacent to rels via the
// equivalence classes in eqs, the bitset-translated form of
// QueryGraph::computeNeighborhood.
func (g *Graph) computeNeighborhood(rels relset.Set, eqs relset.Set) relset.Set {
	var n relset.Set
	for i := 0; i < g.size(); i++ {
		if eqs.Intersects(g.relations[i].ProducedEq) {
			n = n.Insert(i)
		}
	}
	return n.Subtract(rels)
}

// neighborhood returns (and memoizes) the set of relations adjacent to
// bs, per QueryGraph::neighborhood.
func (g *Graph) neighborhood(bs relset.Set) relset.Set {
	slot := g.get(bs, 0)
	if slot.Eqs.Empty() {
		var eqs relset.Set
		bs.Members(func(rel int) bool {
			eqs = eqs.Union(g.relations[rel].ProducedEq)
			return true
		})
		slot.Eqs = eqs
		slot.Neighborhood = g.computeNeighborhood(bs, eqs)
	}
	return slot.Neighborhood
}

// connected reports whether bs has a valid (non-infinite-cost) plan at
// any pipeline depth, per QueryGraph::connected.
func (g *Graph) connected(bs relset.Set) bool {
	for p := 0; p < MaxPipelineLength; p++ {
		if g.get(bs, p).Cost < infinity {
			return true
		}
	}
	return false
}

// computeCost implements QueryGraph::computeCost: card + leftCard*10.
// rightCard only shapes which side of a join is cheaper to build, not
// the formula itself -- kept as a parameter to mirror the source
// signature even though it is otherwise unused.
func computeCost(card, leftCard, rightCard float64) float64 {
	_ = rightCard
	return card + leftCard*10
}

// computeCard propagates a joined plan's cardinality/build-cardinality,
// per QueryGraph::computeCard(target, left, right): this engine uses
// the same simplified "max of both sides" estimator the source uses
// rather than a selectivity-based product, since DPccp's enumeration
// correctness does not depend on the cardinality model's precision.
func computeCard(target, left, right *Plan) {
	bc := left.BC
	if right.BC > bc {
		bc = right.BC
	}
	target.BC = bc
	target.Card = bc
}

// canJoin reports whether left can be the hash-built (left) side of a
// join against right, per QueryGraph::canJoin: the two sides must share
// at least one equivalence class, and a relation tagged with a required
// JoinKey can only appear as the hash-table side on that class, never
// as the lone probe-side relation.
func (g *Graph) canJoin(left, right *Plan) bool {
	shared := left.Eqs.Intersect(right.Eqs)
	if shared.Empty() {
		return false
	}
	if right.Set.Size() == 1 {
		rel := g.relations[right.Set.Front()]
		if rel.JoinKey >= 0 {
			return false
		}
	}
	if left.Set.Size() == 1 {
		rel := g.relations[left.Set.Front()]
		if rel.JoinKey >= 0 && !shared.Contains(rel.JoinKey) {
			return false
		}
	}
	return true
}

// consider updates the DP table for set(left)+set(right) with the cost
// of joining left (build side) against right (probe side), bounded by
// MaxPipelineLength, per QueryGraph::consider.
func (g *Graph) consider(left, right *Plan) {
	tot := left.Set.Union(right.Set)
	totPlan := g.get(tot, 0)
	baseCost := computeCost(totPlan.Card, g.get(left.Set, 0).Card, g.get(right.Set, 0).Card)

	for rpipes := 0; rpipes < MaxPipelineLength-1; rpipes++ {
		rplan := g.get(right.Set, rpipes)
		target := g.get(tot, rpipes+1)
		if rplan.Cost >= target.Cost {
			continue
		}
		bound := target.Cost - (rplan.Cost + baseCost)
		for lpipes := 0; lpipes < MaxPipelineLength; lpipes++ {
			lplan := g.get(left.Set, lpipes)
			if lplan.Cost < bound {
				cost := lplan.Cost + (rplan.Cost + baseCost)
				if cost < target.Cost {
					target.Cost = cost
					target.Left = lplan
					target.Right = rplan
				}
			}
		}
	}
}

// ensureTotals lazily computes the base (pipes==0) card/eqs/neighborhood
// for tot and copies card/eqs across every pipe-depth slot, mirroring
// the lazy totBase computation inside QueryGraph::optimize's DPccp
// callback.
func (g *Graph) ensureTotals(left, right *Plan) *Plan {
	tot := left.Set.Union(right.Set)
	base := g.get(tot, 0)
	if base.Eqs.Empty() {
		base.Eqs = left.Eqs.Union(right.Eqs)
		base.Neighborhood = g.computeNeighborhood(tot, base.Eqs)
		computeCard(base, left, right)
		for p := 1; p < MaxPipelineLength; p++ {
			slot := g.get(tot, p)
			slot.Eqs = base.Eqs
			slot.Neighborhood = base.Neighborhood
			slot.Card = base.Card
			slot.BC = base.BC
		}
	}
	return base
}

// Optimize runs DPccp over every registered relation and returns the
// lowest-cost plan joining all of them, choosing the cheapest pipeline
// depth at the root. If the relations do not form a connected join
// graph, the remaining disconnected components are combined with cross
// products, join-key singletons first and then in ascending cardinality,
// per QueryGraph::optimize's fallback.
func (g *Graph) Optimize() *Plan {
	n := g.size()
	g.ensurePlans()
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		rel := g.relations[i]
		set := relset.Single(i)
		for p := 0; p < MaxPipelineLength; p++ {
			slot := g.get(set, p)
			slot.RelID = i
			slot.Eqs = rel.ProducedEq
			slot.BC = rel.Cardinality
			slot.Card = rel.Cardinality
			slot.Cost = rel.Cardinality
		}
		g.get(set, 0).Neighborhood = g.computeNeighborhood(set, rel.ProducedEq)
	}

	g.runDPccp(relset.Prefix(n), func(bs relset.Set) bool { return g.connected(bs) },
		func(csg, cmp relset.Set) {
			left := g.get(csg, 0)
			right := g.get(cmp, 0)
			g.ensureTotals(left, right)
			g.ensureTotals(right, left)
			if g.canJoin(left, right) {
				g.consider(left, right)
			}
			if g.canJoin(right, left) {
				g.consider(right, left)
			}
		})

	full := relset.Prefix(n)
	best := bestPipes(g, full)
	if best != nil && best.Cost < infinity {
		return best
	}

	return g.crossProductFallback(full)
}

func bestPipes(g *Graph, set relset.Set) *Plan {
	var best *Plan
	for p := 0; p < MaxPipelineLength; p++ {
		slot := g.get(set, p)
		if best == nil || slot.Cost < best.Cost {
			best = slot
		}
	}
	return best
}

// crossProductFallback assembles a full plan over a disconnected join
// graph by greedily peeling off the largest connected component still
// remaining and chaining components together with cross-product joins,
// per QueryGraph::optimize's post-DPccp fallback. Singleton relations
// carrying a required JoinKey sort first so they always end up on the
// hash-build side of their first cross product.
func (g *Graph) crossProductFallback(full relset.Set) *Plan {
	var components []relset.Set
	remaining := full
	for !remaining.Empty() {
		largest := remaining.FrontSet()
		remaining.Subsets(func(sub relset.Set) bool {
			if sub.IsSubsetOf(remaining) && g.connected(sub) && sub.Size() > largest.Size() {
				largest = sub
			}
			return true
		})
		components = append(components, largest)
		remaining = remaining.Subtract(largest)
	}

	sortComponents(g, components)

	cur := bestPipes(g, components[0])
	for _, comp := range components[1:] {
		next := bestPipes(g, comp)
		target := g.ensureTotals(cur, next)
		target.Cost = cur.Cost + next.Cost + computeCost(target.Card, cur.Card, next.Card)
		target.Left = cur
		target.Right = next
		cur = target
	}
	return cur
}

func sortComponents(g *Graph, components []relset.Set) {
	rank := func(s relset.Set) (int, float64) {
		if s.Size() == 1 {
			rel := g.relations[s.Front()]
			if rel.JoinKey >= 0 {
				return 0, rel.Cardinality
			}
		}
		return 1, bestPipes(g, s).Card
	}
	for i := 1; i < len(components); i++ {
		for j := i; j > 0; j-- {
			ri, ci := rank(components[j])
			rj, cj := rank(components[j-1])
			if ri < rj || (ri == rj && ci < cj) {
				components[j], components[j-1] = components[j-1], components[j]
			} else {
				break
			}
		}
	}
}
