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

// Package pagemem implements the process-wide bump allocator of
// fixed-size 8 KiB pages described in spec.md §4.2. Pages are carved out
// of a single large anonymous mapping; a bump cursor hands out
// contiguous runs, and a free bitmap records pages returned by callers
// so that the next start_query can reclaim a trailing contiguous run
// cheaply instead of compacting.
//
// Grounded on vm/malloc.go's mmap-backed VMM arena and on
// engine/infra/PageMemory.cpp's trailing-bitmap reclamation scheme.
package pagemem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PageSize is the fixed page granularity (§4.3).
const PageSize = 8192

// LocalMemory.numPages: per-worker page cache size (§4.2).
const numPages = 16

// Ref identifies a (possibly multi-page) allocation within the arena,
// or a system-allocator fallback buffer when Fallback is true.
type Ref struct {
	Index    int // page index within the arena (undefined if Fallback)
	Pages    int
	Fallback bool
	buf      []byte // only set for Fallback refs
}

// Allocator is a process-wide page-memory pool.
type Allocator struct {
	arena    []byte
	capacity int // number of pages in the arena

	cursor int64        // atomic: next unclaimed page index
	freed  []uint64     // bitmap: bit set => page is free for reclaim
	mu     sync.Mutex   // guards StartQuery's reclamation scan
	gen    atomic.Int64 // bump on every StartQuery, for diagnostics
}

// New reserves an arena able to hold capacityBytes worth of pages
// (rounded down to a whole number of pages) via an anonymous mmap
// mapping, mirroring vm/malloc.go's VMM reservation.
func New(capacityBytes int64) (*Allocator, error) {
	capacity := int(capacityBytes / PageSize)
	if capacity < 1 {
		capacity = 1
	}
	size := capacity * PageSize
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pagemem: mmap %d bytes: %w", size, err)
	}
	return &Allocator{
		arena:    buf,
		capacity: capacity,
		freed:    make([]uint64, (capacity+63)/64),
	}, nil
}

// Close unmaps the arena. It must not be called while any query is
// still executing.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

// Capacity returns the number of pages the arena can hold.
func (a *Allocator) Capacity() int { return a.capacity }

// Used returns the number of pages currently claimed by the bump
// cursor (including pages marked free but not yet reclaimed).
func (a *Allocator) Used() int { return int(atomic.LoadInt64(&a.cursor)) }

// Allocate claims n contiguous pages. If the arena is exhausted, it
// transparently falls back to the system allocator (§7: "page-pool
// exhaustion falls back transparently").
func (a *Allocator) Allocate(n int) Ref {
	if n <= 0 {
		n = 1
	}
	for {
		cur := atomic.LoadInt64(&a.cursor)
		next := cur + int64(n)
		if int(next) > a.capacity {
			// Not enough room left in the pool for this request;
			// serve it from the system allocator instead of
			// partially claiming a run we can't use.
			return Ref{Pages: n, Fallback: true, buf: make([]byte, n*PageSize)}
		}
		if atomic.CompareAndSwapInt64(&a.cursor, cur, next) {
			return Ref{Index: int(cur), Pages: n}
		}
	}
}

// Bytes returns the backing slice for ref.
func (a *Allocator) Bytes(ref Ref) []byte {
	if ref.Fallback {
		return ref.buf
	}
	start := ref.Index * PageSize
	end := start + ref.Pages*PageSize
	return a.arena[start:end]
}

// Deallocate returns ref's pages to the pool by setting their bits in
// the free bitmap. Fallback allocations are simply dropped (garbage
// collected); they were never claimed from the arena's cursor.
func (a *Allocator) Deallocate(ref Ref) {
	if ref.Fallback {
		return
	}
	for p := ref.Index; p < ref.Index+ref.Pages; p++ {
		word, bit := p/64, uint(p%64)
		for {
			old := atomic.LoadUint64(&a.freed[word])
			if old&(1<<bit) != 0 {
				break
			}
			if atomic.CompareAndSwapUint64(&a.freed[word], old, old|(1<<bit)) {
				break
			}
		}
	}
}

// StartQuery performs the cheap reclamation pass: it scans the trailing
// region of the free bitmap (from the current cursor backwards) and
// rewinds the cursor over any contiguous run of freed pages, clearing
// their free bits as it goes. This must run with no allocations or
// deallocations concurrently in flight; the caller is responsible for
// that, since the scheduler neither calls this method nor quiesces
// workers for it (§4.1).
func (a *Allocator) StartQuery() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen.Add(1)
	cur := int(atomic.LoadInt64(&a.cursor))
	for cur > 0 {
		p := cur - 1
		word, bit := p/64, uint(p%64)
		if a.freed[word]&(1<<bit) == 0 {
			break
		}
		a.freed[word] &^= 1 << bit
		cur--
	}
	atomic.StoreInt64(&a.cursor, int64(cur))
}

// LocalMemory is a per-worker cache of up to numPages page allocations,
// used to amortize the atomic cursor claim across many small requests
// (§4.2).
type LocalMemory struct {
	a      *Allocator
	cached []Ref
}

// NewLocalMemory binds a worker-local cache to the shared allocator.
func NewLocalMemory(a *Allocator) *LocalMemory {
	return &LocalMemory{a: a, cached: make([]Ref, 0, numPages)}
}

// Get returns a single page, preferring the local cache.
func (l *LocalMemory) Get() Ref {
	if n := len(l.cached); n > 0 {
		ref := l.cached[n-1]
		l.cached = l.cached[:n-1]
		return ref
	}
	return l.a.Allocate(1)
}

// Put returns a single page to the local cache, spilling to the shared
// allocator's free bitmap once the cache is full.
func (l *LocalMemory) Put(ref Ref) {
	if ref.Pages != 1 {
		l.a.Deallocate(ref)
		return
	}
	if len(l.cached) < numPages {
		l.cached = append(l.cached, ref)
		return
	}
	l.a.Deallocate(ref)
}

// Flush returns every cached page to the shared allocator so the pages
// become eligible for the next StartQuery reclamation pass. The
// scheduler's workers do not call it on their own.
func (l *LocalMemory) Flush() {
	for _, ref := range l.cached {
		l.a.Deallocate(ref)
	}
	l.cached = l.cached[:0]
}
