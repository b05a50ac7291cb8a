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

// Package queryplan drives a multi-way equi-join end to end: it builds
// a planner.Graph from a Join's equivalence classes, asks it for the
// cheapest bushy join tree, and executes that tree by recursively
// materializing each build (hash-table) side with its own nested
// scan/probe pipeline before running the root pipeline into an
// output.Table (spec.md §6, grounded on original_source's
// engine/query/QueryPlan.{hpp,cpp}).
//
// Cardinality estimates for relations carrying a pushdown restriction
// come from a deterministic row sample (sample.go, grounded on
// QueryPlan::computeSamples/estimateCardinality and the teacher's
// vm/chacha8.go as a reproducible pseudorandom source), so repeated Build
// calls over one Join draw identical samples and pick identical plans.
//
// The source additionally tracks per-column liveness (Attribute.eqClass
// / producedAttributes) so a materialized hash table only carries the
// attribute cells some later stage actually reads. This build drops that
// refinement: every materialized relation carries all of its own base
// columns forward (see Plan.columns), trading a bounded amount of extra
// memory for not having to recompute, per join node, which of its
// columns some other, not-yet-chosen part of the plan might still need.
package queryplan

import (
	"github.com/colhash/joinengine/column"
	"github.com/colhash/joinengine/jointable"
	"github.com/colhash/joinengine/output"
	"github.com/colhash/joinengine/pipeline"
	"github.com/colhash/joinengine/planner"
	"github.com/colhash/joinengine/relset"
	"github.com/colhash/joinengine/restrict"
	"github.com/colhash/joinengine/scanop"
	"github.com/colhash/joinengine/sched"
	"github.com/colhash/joinengine/table"
)

// ColRef names one physical column: a relation id in the DataSource's
// declaration order (the id the planner and relset.Set address it by)
// and a column index within that relation.
type ColRef struct {
	Table  int
	Column int
}

// Join describes a multi-way equi-join query. EqClasses groups columns
// considered equal by some chain of join predicates -- e.g.
// {{A.x, B.x}, {B.y, C.y}} for A.x=B.x and B.y=C.y -- and Output lists
// the physical columns the final result should project, in order.
// Restrictions, if set, attaches a pushdown filter to specific base
// columns (applied during that relation's own scan, before any join).
type Join struct {
	DS           *table.DataSource
	EqClasses    [][]ColRef
	Output       []ColRef
	Restrictions map[ColRef]restrict.Restriction
	Concurrency  int
}

func (j *Join) concurrency() int {
	if j.Concurrency > 0 {
		return j.Concurrency
	}
	return 1
}

// Plan is a built, executable join plan: the bushy join order has
// already been chosen by Build; Run drives the actual
// scans/probes/materializations and returns the result columns.
type Plan struct {
	j    *Join
	root *planner.Plan

	colEq    map[ColRef]int // eq class id per join column
	colCache map[*planner.Plan][]ColRef
	tblCache map[*planner.Plan]*jointable.Table
	sch      *sched.Scheduler
}

// Build runs the DPccp-based planner over j's equivalence classes and
// returns an executable Plan. Every base relation is registered with
// JoinKey -1 (no required hash-index placement): this build has no
// feature for a caller-supplied prebuilt index, so that constraint
// from QueryGraph::Input is never exercised here, only its general
// build/probe-side machinery.
func Build(j *Join) *Plan {
	colEq := make(map[ColRef]int, countCols(j.EqClasses))
	for eq, group := range j.EqClasses {
		for _, cr := range group {
			colEq[cr] = eq
		}
	}

	n := j.DS.NumTables()
	produced := make([]relset.Set, n)
	for cr, eq := range colEq {
		produced[cr.Table] = produced[cr.Table].Insert(eq)
	}

	restrictionsByTable := make(map[int][]ColRef, len(j.Restrictions))
	for cr := range j.Restrictions {
		restrictionsByTable[cr.Table] = append(restrictionsByTable[cr.Table], cr)
	}

	g := planner.NewGraph()
	for i := 0; i < n; i++ {
		tbl := j.DS.TableAt(i)
		card := float64(tbl.NumRows)
		if crs := restrictionsByTable[i]; len(crs) > 0 {
			card *= estimateSelectivity(tbl, i, crs, j.Restrictions)
		}
		if card < 1 {
			card = 1
		}
		g.AddRelation(planner.Relation{
			Cardinality: card,
			ProducedEq:  produced[i],
			JoinKey:     -1,
		})
	}

	return &Plan{
		j:        j,
		root:     g.Optimize(),
		colEq:    colEq,
		colCache: make(map[*planner.Plan][]ColRef),
		tblCache: make(map[*planner.Plan]*jointable.Table),
	}
}

func countCols(eqClasses [][]ColRef) int {
	n := 0
	for _, group := range eqClasses {
		n += len(group)
	}
	return n
}

// Run executes the plan against sch (or single-threaded if nil) and
// returns the output columns in Join.Output order.
func (p *Plan) Run(sch *sched.Scheduler) []*column.Column {
	p.sch = sch
	if p.root == nil {
		// No relations at all: an empty result with no columns.
		return nil
	}

	sc, probes, _, blocks := p.assemble(p.root)

	specs := make([]output.ColumnSpec, len(p.j.Output))
	attrs := make([]pipeline.Ref, len(p.j.Output))
	for i, cr := range p.j.Output {
		attrs[i] = p.findRef(blocks, cr)
		src := p.j.DS.TableAt(cr.Table).Columns[cr.Column]
		specs[i] = output.ColumnSpec{Type: src.Type, StringSource: src}
	}

	pl := pipeline.New(sc, probes, attrs)
	target := output.NewTable(specs)
	pl.Run(sch, target)
	return target.Extract()
}

// columns returns the ordered list of physical columns node's rows
// carry once fully resolved, whether node ends up materialized into a
// hash table or flattened straight into a probe chain: both shapes
// expose the same column layout, the right spine's own base columns
// followed by each of its Left children's columns in probe order (see
// assemble).
func (p *Plan) columns(node *planner.Plan) []ColRef {
	if v, ok := p.colCache[node]; ok {
		return v
	}
	var out []ColRef
	if node.IsLeaf() {
		out = p.baseColumnsOf(node.RelID)
	} else {
		out = append(append([]ColRef{}, p.columns(node.Right)...), p.columns(node.Left)...)
	}
	p.colCache[node] = out
	return out
}

func (p *Plan) baseColumnsOf(relID int) []ColRef {
	tbl := p.j.DS.TableAt(relID)
	out := make([]ColRef, len(tbl.Columns))
	for i := range out {
		out[i] = ColRef{Table: relID, Column: i}
	}
	return out
}

// rightSpine descends node's Right spine down to its base relation,
// returning that relation's id and the chain of join nodes passed
// along the way, reordered innermost-first: ancestors[0]'s own Left
// subtree is the first one to be materialized and probed once the base
// scan starts producing rows, matching how JoinPipeline's probe chain
// is built bottom-up from the physical scan outward.
func rightSpine(node *planner.Plan) (relID int, ancestors []*planner.Plan) {
	for !node.IsLeaf() {
		ancestors = append(ancestors, node)
		node = node.Right
	}
	for i, j := 0, len(ancestors)-1; i < j; i, j = i+1, j-1 {
		ancestors[i], ancestors[j] = ancestors[j], ancestors[i]
	}
	return node.RelID, ancestors
}

// colOfEq finds a representative column for equivalence class eq whose
// relation lies within within -- used to locate the join key on
// whichever side (already-assembled chain, or freshly materialized
// build side) actually carries it.
func (p *Plan) colOfEq(eq int, within relset.Set) ColRef {
	for cr, e := range p.colEq {
		if e == eq && within.Contains(cr.Table) {
			return cr
		}
	}
	panic("queryplan: no column found for equivalence class")
}

// findRef locates cr within a flattened stage layout (one []ColRef per
// pipeline.Ref.Relation stage), returning the pipeline.Ref a Probe or
// output spec should use to read it.
func (p *Plan) findRef(blocks [][]ColRef, cr ColRef) pipeline.Ref {
	for stage, block := range blocks {
		for off, c := range block {
			if c == cr {
				return pipeline.Ref{Relation: stage, Offset: off}
			}
		}
	}
	panic("queryplan: column not reachable from this plan's assembled chain")
}

// assemble flattens node's right spine into one scanop.Scan plus an
// ordered probe chain, materializing each probed Left subtree into its
// own jointable.Table first (JoinPipeline's scan+Probes shape, built
// bottom-up over a bushy planner.Plan instead of a single flat chain).
// It returns the scan, the probe chain, the full flattened column list,
// and that same list split into per-stage blocks (stage 0 is the base
// scan's own columns; stage i>=1 is Probes[i-1]'s matched table's
// columns).
func (p *Plan) assemble(node *planner.Plan) (*scanop.Scan, []pipeline.Probe, []ColRef, [][]ColRef) {
	relID, ancestors := rightSpine(node)
	sc := p.buildScan(relID)
	blocks := [][]ColRef{p.baseColumnsOf(relID)}

	var probes []pipeline.Probe
	var constKeyProbes []int
	for _, anc := range ancestors {
		left := anc.Left
		shared := anc.Left.Eqs.Intersect(anc.Right.Eqs)
		if shared.Empty() {
			ht := p.materializeCrossProduct(left)
			probes = append(probes, pipeline.Probe{Table: ht})
			constKeyProbes = append(constKeyProbes, len(probes)-1)
		} else {
			eq := shared.Front()
			ht := p.materialize(left, eq)
			keyRef := p.findRef(blocks, p.colOfEq(eq, anc.Right.Set))
			probes = append(probes, pipeline.Probe{Table: ht, Key: keyRef})
		}
		blocks = append(blocks, p.columns(left))
	}

	if len(constKeyProbes) > 0 {
		sc = sc.WithConstantColumn(0)
		constOffset := len(blocks[0])
		for _, idx := range constKeyProbes {
			probes[idx].Key = pipeline.Ref{Relation: 0, Offset: constOffset}
		}
	}

	var flat []ColRef
	for _, b := range blocks {
		flat = append(flat, b...)
	}
	return sc, probes, flat, blocks
}

func (p *Plan) buildScan(relID int) *scanop.Scan {
	tbl := p.j.DS.TableAt(relID)
	specs := make([]scanop.ColumnSpec, len(tbl.Columns))
	for i := range specs {
		specs[i] = scanop.ColumnSpec{ColumnIndex: i, Output: true}
		if r, ok := p.j.Restrictions[ColRef{Table: relID, Column: i}]; ok {
			specs[i].Restriction = r
		}
	}
	return scanop.NewScan(tbl, specs, p.j.concurrency())
}

// materialize builds (or returns the cached) hash table for node, keyed
// on equivalence class keyEq.
func (p *Plan) materialize(node *planner.Plan, keyEq int) *jointable.Table {
	return p.build(node, keyEq, false)
}

// materializeCrossProduct builds (or returns the cached) unconditional
// cross-product table for node: every tuple is stored under key 0, per
// jointable.NewCrossProductBuilder (spec.md §5.5).
func (p *Plan) materializeCrossProduct(node *planner.Plan) *jointable.Table {
	return p.build(node, -1, true)
}

func (p *Plan) build(node *planner.Plan, keyEq int, crossProduct bool) *jointable.Table {
	if ht, ok := p.tblCache[node]; ok {
		return ht
	}

	sc, probes, flat, blocks := p.assemble(node)

	var keyRef pipeline.Ref
	if crossProduct {
		keyRef = pipeline.Ref{Relation: 0, Offset: 0}
	} else {
		keyRef = p.findRef(blocks, p.colOfEq(keyEq, node.Set))
	}

	attrRefs := make([]pipeline.Ref, 0, len(flat)+1)
	attrRefs = append(attrRefs, keyRef)
	for stage, block := range blocks {
		for off := range block {
			attrRefs = append(attrRefs, pipeline.Ref{Relation: stage, Offset: off})
		}
	}

	var builder *jointable.Builder
	if crossProduct {
		builder = jointable.NewCrossProductBuilder()
	} else {
		builder = jointable.NewBuilder(int(node.Card)+1, p.j.concurrency())
	}

	pl := pipeline.New(sc, probes, attrRefs)
	target := newHashBuildTarget(builder, crossProduct)
	pl.Run(p.sch, target)

	ht := builder.Finish(p.sch)
	p.tblCache[node] = ht
	return ht
}
