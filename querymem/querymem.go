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

// Package querymem implements the bump allocator for ephemeral,
// per-query metadata described in spec.md §4.2: hash-table tuple
// chunks, planner state, samples. The whole pool is reset in one shot
// at query end; there is no per-allocation free.
package querymem

import (
	"errors"
	"sync"
	"sync/atomic"
)

// reservationPages records engine/infra/QueryMemory.cpp's per-worker 128
// "page" reservation width. Local stores it but does not use it: each
// refill of a worker's reservation bumps the shared cursor by a single
// reservationSize-byte chunk, not by 128 of them.
const reservationPages = 128
const reservationSize = 4096 // bytes per worker-local reservation chunk
const oversizeThreshold = reservationSize

// ErrExhausted is returned when the query-memory pool itself cannot
// grow any further (open question resolved in DESIGN.md: surfaced as a
// structured error rather than asserting).
var ErrExhausted = errors.New("querymem: pool exhausted")

// Pool is a process-wide bump allocator for per-query metadata.
type Pool struct {
	capacity int64
	arena    []byte
	cursor   int64 // atomic
}

// New creates a pool backed by a capacityBytes-sized buffer.
func New(capacityBytes int64) *Pool {
	return &Pool{capacity: capacityBytes, arena: make([]byte, capacityBytes)}
}

// reserve bumps the shared cursor by n bytes, returning the start
// offset, or ErrExhausted if the pool has no room left.
func (p *Pool) reserve(n int64) (int64, error) {
	for {
		cur := atomic.LoadInt64(&p.cursor)
		next := cur + n
		if next > p.capacity {
			return 0, ErrExhausted
		}
		if atomic.CompareAndSwapInt64(&p.cursor, cur, next) {
			return cur, nil
		}
	}
}

// Reset rewinds the cursor to zero, discarding every allocation made
// since the last Reset. Callers must ensure no worker still holds a
// reference into the pool's memory.
func (p *Pool) Reset() {
	atomic.StoreInt64(&p.cursor, 0)
}

// Used returns the number of bytes currently bumped from the shared
// cursor (across all workers' reservations and oversize allocations).
func (p *Pool) Used() int64 { return atomic.LoadInt64(&p.cursor) }

// Local is a worker-local bump allocator drawing from a shared Pool in
// reservationSize-byte chunks.
type Local struct {
	p          *Pool
	mu         sync.Mutex
	chunk      []byte
	chunkOff   int
	reservePgs int
}

// NewLocal binds a worker-local allocator to the shared pool.
func NewLocal(p *Pool) *Local {
	return &Local{p: p, reservePgs: reservationPages}
}

// Allocate returns a zeroed byte slice of length n drawn from this
// worker's local reservation, falling back to a direct shared-cursor
// bump for oversize requests (n >= oversizeThreshold), mirroring
// spec.md §4.2's "oversize allocations go directly to the shared
// cursor".
func (l *Local) Allocate(n int) ([]byte, error) {
	if n <= 0 {
		n = 1
	}
	if n >= oversizeThreshold {
		off, err := l.p.reserve(int64(n))
		if err != nil {
			return nil, err
		}
		return l.p.arena[off : off+int64(n)], nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chunk == nil || l.chunkOff+n > len(l.chunk) {
		off, err := l.p.reserve(int64(reservationSize))
		if err != nil {
			return nil, err
		}
		l.chunk = l.p.arena[off : off+reservationSize]
		l.chunkOff = 0
	}
	buf := l.chunk[l.chunkOff : l.chunkOff+n]
	l.chunkOff += n
	return buf, nil
}

// Rearm drops this worker's partial reservation so the next Allocate
// call draws a fresh chunk. Use it together with Pool.Reset, per
// spec.md §4.2 ("worker-local reservations rearmed").
func (l *Local) Rearm() {
	l.mu.Lock()
	l.chunk = nil
	l.chunkOff = 0
	l.mu.Unlock()
}
