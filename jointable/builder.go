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
	"sync"

	"github.com/colhash/joinengine/bitutil"
	"github.com/colhash/joinengine/sched"
)

// maxPartitionsShift bounds how finely the build side partitions
// incoming tuples by their bucket hash's high bits before the final,
// per-partition, lock-free merge into the shared table (matching
// HashtableBuild::maxPartitionsShift).
const maxPartitionsShift = 7

// Builder accumulates tuples produced by a join's build side across
// worker goroutines, then merges them into an immutable Table in
// Finish. Each worker gets its own *Local via NewLocal and must not
// share it.
type Builder struct {
	partitionShift uint
	numPartitions  int
	mu             sync.Mutex
	parts          [][]rawTuple
	isCrossProduct bool
}

type rawTuple struct {
	multiplicity uint64
	key          uint64
	attrs        []uint64
}

// NewBuilder creates a Builder sized for an estimated cardEstimate
// tuples, spread across up to concurrency*2 partitions (bounded by
// maxPartitionsShift, and never fewer than 4), mirroring
// HashtableBuild's constructor.
func NewBuilder(cardEstimate, concurrency int) *Builder {
	upper := maxPartitionsShift
	if c := bitWidth(concurrency*2) - 1; c < upper {
		upper = c
	}
	partitionCountShift := bitWidth(cardEstimate / 1024)
	if partitionCountShift > upper {
		partitionCountShift = upper
	}
	if partitionCountShift < 2 {
		partitionCountShift = 2
	}
	numPartitions := 1 << uint(partitionCountShift)
	return &Builder{
		partitionShift: 64 - uint(partitionCountShift),
		numPartitions:  numPartitions,
		parts:          make([][]rawTuple, numPartitions),
	}
}

// NewCrossProductBuilder creates a builder for a constant-column cross
// product side: all tuples land in a single bucket keyed by 0, and
// tuples with equal attrs have their multiplicities summed (spec.md §5.5).
func NewCrossProductBuilder() *Builder {
	b := &Builder{partitionShift: 64 - 2, numPartitions: 4, isCrossProduct: true}
	b.parts = make([][]rawTuple, b.numPartitions)
	return b
}

func bitWidth(n int) int {
	w := 0
	for n > 0 {
		w++
		n >>= 1
	}
	return w
}

// Local is a worker-local append buffer for Builder, avoiding lock
// contention during the scan/build pipeline's hot loop.
type Local struct {
	b      *Builder
	staged [][]rawTuple
}

// NewLocal creates a per-worker staging buffer bound to b.
func NewLocal(b *Builder) *Local {
	return &Local{b: b, staged: make([][]rawTuple, b.numPartitions)}
}

// Add appends one tuple (multiplicity, key, attrs...) to the builder.
// attrs is retained by reference; callers must not mutate it
// afterwards.
func (l *Local) Add(multiplicity, key uint64, attrs []uint64) {
	var partition int
	if l.b.isCrossProduct {
		partition = 0
	} else {
		partition = int(bitutil.FibonacciHash(uint32(key)) >> l.b.partitionShift)
	}
	l.staged[partition] = append(l.staged[partition], rawTuple{multiplicity, key, attrs})
}

// Flush merges this worker's staged tuples into the shared builder.
// Must be called once per worker before Finish.
func (l *Local) Flush() {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	for p, tuples := range l.staged {
		if len(tuples) == 0 {
			continue
		}
		l.b.parts[p] = append(l.b.parts[p], tuples...)
	}
}

// Finish builds the immutable Table from every flushed tuple, running
// the per-partition merge step (spec.md §5.4's duplicate-collapse and
// Bloom-mask assembly) across the scheduler's workers when the table is
// large enough to be worth it, matching
// HashtableBuild::finishConsume's threshold.
func (b *Builder) Finish(s *sched.Scheduler) *Table {
	numTuples := 0
	for _, p := range b.parts {
		numTuples += len(p)
	}

	t := &Table{duplicateFree: true}
	if b.isCrossProduct {
		t.duplicateFree = numTuples <= 1
		t.numKeys = 1
		t.shift = 64 - 4
		t.buckets = make([]*Entry, 1<<4)
		t.bloom = make([]uint16, 1<<4)
		t.bloom[t.bucketIndex(bitutil.FibonacciHash(0))] = 0xFFFF
	} else {
		size := numTuples
		if size < b.numPartitions {
			size = b.numPartitions
		}
		sizeShift := bitWidth(size)
		if sizeShift < 4 {
			sizeShift = 4
		}
		t.shift = 64 - uint(sizeShift)
		t.buckets = make([]*Entry, 1<<uint(sizeShift))
		t.bloom = make([]uint16, 1<<uint(sizeShift))
	}

	run := func(p int) { t.mergePartition(b, p) }
	if numTuples <= 256 || b.numPartitions == 1 || s == nil {
		for p := 0; p < len(b.parts); p++ {
			run(p)
		}
	} else {
		var wg sync.WaitGroup
		for p := range b.parts {
			p := p
			wg.Add(1)
			s.RunFunc(func(int) { defer wg.Done(); run(p) })
		}
		wg.Wait()
	}

	t.numTuples = numTuples - t.removedCount
	if t.numTuples <= 32 {
		t.recomputeDuplicateFree()
	}
	return t
}

// mergePartition and removedCount/recomputeDuplicateFree live on Table
// in finish.go to keep builder.go focused on accumulation.
