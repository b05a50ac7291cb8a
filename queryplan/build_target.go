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

package queryplan

import (
	"sync"

	"github.com/colhash/joinengine/jointable"
)

// hashBuildTarget is a pipeline.Target that stages every row it
// consumes into a jointable.Builder, one jointable.Local per worker.
// When crossProduct is set the first attrs cell (the nominal key) is
// ignored and 0 is staged instead, matching jointable.NewCrossProductBuilder's
// requirement that every tuple land under the same key regardless of
// what value the probe side happens to carry in that column.
type hashBuildTarget struct {
	builder        *jointable.Builder
	isCrossProduct bool

	mu     sync.Mutex
	locals map[int]*jointable.Local
}

func newHashBuildTarget(b *jointable.Builder, crossProduct bool) *hashBuildTarget {
	return &hashBuildTarget{
		builder:        b,
		isCrossProduct: crossProduct,
		locals:         make(map[int]*jointable.Local),
	}
}

func (h *hashBuildTarget) localFor(workerID int) *jointable.Local {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locals[workerID]
	if !ok {
		l = jointable.NewLocal(h.builder)
		h.locals[workerID] = l
	}
	return l
}

func (h *hashBuildTarget) Consume(workerID int, multiplicity uint64, attrs []uint64) {
	key := attrs[0]
	if h.isCrossProduct {
		key = 0
	}
	h.localFor(workerID).Add(multiplicity, key, attrs[1:])
}

func (h *hashBuildTarget) Finalize(workerID int) {
	h.localFor(workerID).Flush()
}
