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

import (
	"testing"

	"github.com/colhash/joinengine/relset"
)

func TestTwoRelationJoinPicksSmallerBuildSide(t *testing.T) {
	g := NewGraph()
	r0 := g.AddRelation(Relation{Cardinality: 100, ProducedEq: relset.Of(0), JoinKey: -1})
	r1 := g.AddRelation(Relation{Cardinality: 10, ProducedEq: relset.Of(0), JoinKey: -1})

	plan := g.Optimize()
	if plan == nil {
		t.Fatal("Optimize returned nil")
	}
	if !plan.Set.Equal(relset.Of(r0, r1)) {
		t.Fatalf("plan.Set = %v, want %v", plan.Set, relset.Of(r0, r1))
	}
	if plan.Left == nil || plan.Right == nil {
		t.Fatalf("expected a joined plan, got a leaf: %+v", plan)
	}
	if !plan.Left.Set.Equal(relset.Single(r1)) {
		t.Fatalf("expected smaller relation %d as build side, got left=%v", r1, plan.Left.Set)
	}
	wantCost := (100.0 + 10*10) + 10 + 100
	if plan.Cost != wantCost {
		t.Fatalf("plan.Cost = %v, want %v", plan.Cost, wantCost)
	}
}

func TestJoinKeyForcesBuildSideRegardlessOfCardinality(t *testing.T) {
	g := NewGraph()
	r0 := g.AddRelation(Relation{Cardinality: 10, ProducedEq: relset.Of(0), JoinKey: -1})
	r1 := g.AddRelation(Relation{Cardinality: 1000, ProducedEq: relset.Of(0), JoinKey: 0})

	plan := g.Optimize()
	if plan == nil || plan.Left == nil || plan.Right == nil {
		t.Fatalf("expected a joined plan, got %+v", plan)
	}
	if !plan.Left.Set.Equal(relset.Single(r1)) {
		t.Fatalf("JoinKey relation %d must be the build side, got left=%v", r1, plan.Left.Set)
	}
	wantCost := (1000.0 + 1000*10) + 1000 + 10
	if plan.Cost != wantCost {
		t.Fatalf("plan.Cost = %v, want %v", plan.Cost, wantCost)
	}
}

func TestThreeRelationChainJoinsAll(t *testing.T) {
	g := NewGraph()
	r0 := g.AddRelation(Relation{Cardinality: 50, ProducedEq: relset.Of(0), JoinKey: -1})
	r1 := g.AddRelation(Relation{Cardinality: 5, ProducedEq: relset.Of(0, 1), JoinKey: -1})
	r2 := g.AddRelation(Relation{Cardinality: 20, ProducedEq: relset.Of(1), JoinKey: -1})

	plan := g.Optimize()
	if plan == nil {
		t.Fatal("Optimize returned nil")
	}
	want := relset.Of(r0, r1, r2)
	if !plan.Set.Equal(want) {
		t.Fatalf("plan.Set = %v, want %v", plan.Set, want)
	}
	if plan.Cost >= infinity {
		t.Fatalf("expected a finite-cost plan joining all three relations, got cost %v", plan.Cost)
	}
	// Every base relation must appear exactly once in the tree.
	seen := relset.Set(0)
	var walk func(p *Plan)
	walk = func(p *Plan) {
		if p.IsLeaf() {
			if seen.Contains(p.RelID) {
				t.Fatalf("relation %d appears more than once in the plan tree", p.RelID)
			}
			seen = seen.Insert(p.RelID)
			return
		}
		walk(p.Left)
		walk(p.Right)
	}
	walk(plan)
	if !seen.Equal(want) {
		t.Fatalf("plan tree covers %v, want %v", seen, want)
	}
}

func TestDisconnectedRelationsFallBackToCrossProduct(t *testing.T) {
	g := NewGraph()
	r0 := g.AddRelation(Relation{Cardinality: 5, ProducedEq: 0, JoinKey: -1})
	r1 := g.AddRelation(Relation{Cardinality: 7, ProducedEq: 0, JoinKey: -1})

	plan := g.Optimize()
	if plan == nil {
		t.Fatal("Optimize returned nil")
	}
	want := relset.Of(r0, r1)
	if !plan.Set.Equal(want) {
		t.Fatalf("plan.Set = %v, want %v", plan.Set, want)
	}
	if plan.Left == nil || plan.Right == nil {
		t.Fatalf("expected a cross-product plan joining both relations, got %+v", plan)
	}
	if plan.Cost >= infinity {
		t.Fatalf("cross-product fallback should produce a finite-cost plan, got %v", plan.Cost)
	}
}

func TestCanJoinRejectsProbeSideJoinKey(t *testing.T) {
	g := NewGraph()
	r0 := g.AddRelation(Relation{Cardinality: 10, ProducedEq: relset.Of(0), JoinKey: -1})
	r1 := g.AddRelation(Relation{Cardinality: 10, ProducedEq: relset.Of(0), JoinKey: 0})
	g.ensurePlans()
	for i, rel := range g.relations {
		set := relset.Single(i)
		slot := g.get(set, 0)
		slot.Eqs = rel.ProducedEq
	}
	left := g.get(relset.Single(r0), 0)
	right := g.get(relset.Single(r1), 0)
	if g.canJoin(left, right) {
		t.Fatal("canJoin(r0 build, r1 probe) should be false: r1 requires JoinKey build-side placement")
	}
	if !g.canJoin(right, left) {
		t.Fatal("canJoin(r1 build, r0 probe) should be true")
	}
}
