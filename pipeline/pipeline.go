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

// Package pipeline implements the join pipeline runtime: a scan feeds
// rows through an ordered chain of hash-table probes, each probe
// multiplying the running tuple multiplicity by the matched build-side
// entry's own multiplicity, and the surviving (multiplicity, attrs)
// tuples are handed to a Target (spec.md §5, grounded on
// original_source's engine/pipeline/JoinPipeline.hpp).
//
// The source generates one JoinPipeline<Target, Scan, Probes...> C++
// template instantiation per distinct pipeline shape, with per-relation
// attribute access compiled down through "IU provider" functors. Go has
// no template metaprogramming, so this build keeps the same key/attr
// "which relation, which offset" addressing scheme from
// JoinPipeline::keyOffsets/attrOffsets but resolves it through a plain
// recursive walk over a []uint64 relation-value slice built up one
// probe at a time, instead of generating specialized code per shape.
// The source's cacheline-aligned, manually placed LocalStateContainer
// is dropped entirely: Go's garbage-collected heap and per-goroutine
// stacks make that placement exercise unnecessary, so each worker's
// recursion simply allocates its own relation-value slices on the Go
// stack/heap as needed.
package pipeline

import (
	"sync"

	"github.com/colhash/joinengine/jointable"
	"github.com/colhash/joinengine/scanop"
	"github.com/colhash/joinengine/sched"
)

// Ref addresses one value within a pipeline row: relation 0 is the scan
// output row, relation i (i>=1) is the attrs of the entry matched by
// Probes[i-1].
type Ref struct {
	Relation int
	Offset   int
}

// Probe is one stage of the pipeline's hash-table probe chain.
type Probe struct {
	Table *jointable.Table
	Key   Ref
}

// Target receives one surviving tuple per call: multiplicity is the
// product of every probed entry's own multiplicity (and any scan-side
// multiplicity, e.g. a constant column carrying a cross-product
// factor), and attrs holds the pipeline's declared output attributes
// in order.
type Target interface {
	Consume(workerID int, multiplicity uint64, attrs []uint64)
	// Finalize is called once per worker after its share of the scan is
	// exhausted (JoinPipeline's callFinalize).
	Finalize(workerID int)
}

// Pipeline wires one Scan through a chain of Probes to a Target.
type Pipeline struct {
	Scan   *scanop.Scan
	Probes []Probe
	Attrs  []Ref
}

// New builds a Pipeline. probes and attrs are copied defensively.
func New(scan *scanop.Scan, probes []Probe, attrs []Ref) *Pipeline {
	p := &Pipeline{Scan: scan}
	p.Probes = append([]Probe(nil), probes...)
	p.Attrs = append([]Ref(nil), attrs...)
	return p
}

// Run drives the scan (via sch, or single-threaded if sch is nil),
// probing the chain for every row and delivering surviving tuples to
// target, then finalizing each worker that touched any rows.
func (p *Pipeline) Run(sch *sched.Scheduler, target Target) {
	var mu sync.Mutex
	touched := make(map[int]bool)
	p.Scan.Produce(sch, func(workerID int, cols [][]uint64, n int) {
		mu.Lock()
		touched[workerID] = true
		mu.Unlock()
		for row := 0; row < n; row++ {
			scanRow := make([]uint64, len(cols))
			for c := range cols {
				scanRow[c] = cols[c][row]
			}
			relations := make([][]uint64, 1, len(p.Probes)+1)
			relations[0] = scanRow
			p.consume(workerID, target, 1, relations, 0)
		}
	})
	for w := range touched {
		target.Finalize(w)
	}
}

// consume walks the probe chain recursively (JoinPipeline::consumeProbe):
// at each level it extracts the join key named by Probes[idx].Key from
// the relations built so far, probes that level's table for every
// matching entry, multiplies the running multiplicity by the entry's
// own, appends the entry's attrs as the next relation, and recurses.
// Once idx reaches len(p.Probes) the accumulated relations hold every
// attribute the pipeline needs and the tuple is pushed to target
// (JoinPipeline::consumeTarget).
func (p *Pipeline) consume(workerID int, target Target, multiplicity uint64, relations [][]uint64, idx int) {
	if idx >= len(p.Probes) {
		attrs := make([]uint64, len(p.Attrs))
		for i, ref := range p.Attrs {
			attrs[i] = relations[ref.Relation][ref.Offset]
		}
		target.Consume(workerID, multiplicity, attrs)
		return
	}
	pr := p.Probes[idx]
	key := relations[pr.Key.Relation][pr.Key.Offset]
	pr.Table.ProbeAll(key, func(e *jointable.Entry) {
		next := append(relations, e.Attrs)
		p.consume(workerID, target, multiplicity*e.Multiplicity, next, idx+1)
	})
}
