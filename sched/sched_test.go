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

package sched

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParallelMorselCoversEveryRow(t *testing.T) {
	s := New(4, nil)
	s.Setup()
	defer s.Teardown()
	s.StartQuery()
	defer s.EndQuery()

	const n = 1000
	const morsel = 37
	var mu sync.Mutex
	var seen []uint64

	s.ParallelMorsel(n, morsel, func(workerID int, row uint64) {
		mu.Lock()
		seen = append(seen, row)
		mu.Unlock()
	}, false)

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	expectN := (n + morsel - 1) / morsel
	if len(seen) != expectN {
		t.Fatalf("got %d morsels, want %d", len(seen), expectN)
	}
	for i, v := range seen {
		if v != uint64(i*morsel) {
			t.Fatalf("morsel %d = %d, want %d", i, v, i*morsel)
		}
	}
}

func TestParallelMorselFinalize(t *testing.T) {
	s := New(4, nil)
	s.Setup()
	defer s.Teardown()
	s.StartQuery()
	defer s.EndQuery()

	var inits, finals, work int64
	s.ParallelMorsel(200, 10, func(workerID int, row uint64) {
		switch row {
		case InitSentinel:
			atomic.AddInt64(&inits, 1)
		case FinalSentinel:
			atomic.AddInt64(&finals, 1)
		default:
			atomic.AddInt64(&work, 1)
		}
	}, true)

	if inits != finals {
		t.Fatalf("inits=%d finals=%d, expected equal", inits, finals)
	}
	if inits == 0 {
		t.Fatal("expected at least one worker to touch a job")
	}
	if work != 20 {
		t.Fatalf("work=%d, want 20", work)
	}
}

func TestRunOnlyOneAtATime(t *testing.T) {
	s := New(2, nil)
	s.Setup()
	defer s.Teardown()
	var n int64
	s.RunFunc(func(workerID int) {
		atomic.AddInt64(&n, 1)
	})
	if n == 0 {
		t.Fatal("task never ran")
	}
}

func TestProtectRecoversPanic(t *testing.T) {
	var err error
	Protect(0, &err, func() {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected recovered panic to produce an error")
	}
}
