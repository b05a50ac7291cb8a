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

// Package jointable implements the engine's build side: a thread-safe,
// chained hash table keyed by a uint64 cell plus attached attribute
// cells and a duplicate multiplicity count, accelerated by a per-bucket
// Bloom mask so probes and restriction chains can reject most
// non-matching keys without touching the chain (spec.md §5.3-§5.4,
// grounded on original_source's engine/op/Hashtable.{hpp,cpp}).
//
// The source computes its bucket index and Bloom-mask fragment from two
// truncations of the *same* Fibonacci multiplication. This build keeps
// the Fibonacci hash (bitutil.FibonacciHash) for bucket placement but
// draws the Bloom fragment from an independent SipHash-2-4 keyed hash
// (github.com/dchest/siphash) instead, so the two signals don't share
// bit patterns near the bucket-selecting shift.
package jointable

import (
	"encoding/binary"
	"sync"

	"github.com/dchest/siphash"

	"github.com/colhash/joinengine/bitutil"
)

// siphashKey0/siphashKey1 seed the secondary hash. They are fixed
// constants, not secrets -- any fixed seed gives the Bloom filter its
// independence from the bucket hash.
const (
	siphashKey0 = 0x646368657374ABCD
	siphashKey1 = 0x6A6F696E7461626C
)

func secondaryHash(key uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return uint32(siphash.Hash(siphashKey0, siphashKey1, buf[:]))
}

// Entry is one chained hash-table slot: a linked tuple consisting of a
// duplicate-collapsed multiplicity, the join key, and zero or more
// attribute cells carried along for the probe side to read back.
type Entry struct {
	Next         *Entry
	Multiplicity uint64
	Key          uint64
	Attrs        []uint64
}

// Table is the built, immutable (post-Finish) hash table a pipeline
// probes against.
type Table struct {
	shift         uint
	buckets       []*Entry
	bloom         []uint16
	numTuples     int
	numKeys       int
	removedCount  int
	duplicateFree bool

	// mu guards concurrent bucket/bloom writes during Finish's
	// per-partition merge. The source instead partitions bucket index
	// ranges so each partition's merge touches disjoint memory
	// lock-free; this build trades that for a single coarse mutex,
	// which is simpler and still race-free since Finish is the only
	// phase that mutates buckets/bloom.
	mu sync.Mutex
}

// Size returns the number of hash buckets (a power of two).
func (t *Table) Size() int { return len(t.buckets) }

// NumTuples returns the number of distinct (possibly multiplicity >1)
// tuples retained after duplicate collapsing.
func (t *Table) NumTuples() int { return t.numTuples }

// NumKeys returns the estimated number of distinct keys in the table.
func (t *Table) NumKeys() int { return t.numKeys }

// IsEmpty reports whether the table holds no tuples.
func (t *Table) IsEmpty() bool { return t.numTuples == 0 }

// IsDuplicateFree reports whether the table is known to hold no
// duplicate keys (i.e. every probe match returns at most one tuple).
// This is a conservative flag: false can mean "don't know".
func (t *Table) IsDuplicateFree() bool { return t.duplicateFree }

// bucketIndex returns the bucket for a given primary hash.
func (t *Table) bucketIndex(primary uint64) int { return int(primary >> t.shift) }

// Probe walks the collision chain at key's bucket and returns the first
// entry whose key matches, or nil if none does (spec.md §5.3's probe
// operator). ProbeAll visits every match.
func (t *Table) Probe(key uint64) *Entry {
	primary := bitutil.FibonacciHash(uint32(key))
	head := t.buckets[t.bucketIndex(primary)]
	for e := head; e != nil; e = e.Next {
		if e.Key == key {
			return e
		}
	}
	return nil
}

// ProbeAll walks the full chain at key's bucket and calls fn for every
// matching entry (there can be more than one when tuples share key but
// carry different attrs, or when an equal tuple was not collapsed
// because the earlier one was no longer its bucket's chain head during
// Finish, per spec.md §5.4).
func (t *Table) ProbeAll(key uint64, fn func(*Entry)) {
	primary := bitutil.FibonacciHash(uint32(key))
	for e := t.buckets[t.bucketIndex(primary)]; e != nil; e = e.Next {
		if e.Key == key {
			fn(e)
		}
	}
}

// JoinFilter is the coarse, false-positive-tolerant membership test:
// it never rejects a key actually present, but may accept one that
// isn't (spec.md §5.4). It's used to drive scanop restriction chains
// cheaply before falling back to a real probe.
func (t *Table) JoinFilter(key uint64) bool {
	primary := bitutil.FibonacciHash(uint32(key))
	secondary := secondaryHash(key)
	entry := t.bloom[t.bucketIndex(primary)]
	return checkMaskWithEntry(getMask(secondary), entry)
}

// JoinFilterPrecise additionally confirms the Bloom hit against the
// bucket's actual chain, guaranteeing no false positives (at the cost
// of a cache-line touch the coarse filter avoids).
func (t *Table) JoinFilterPrecise(key uint64) bool {
	if !t.JoinFilter(key) {
		return false
	}
	return t.Probe(key) != nil
}

// IterateAll calls fn once per distinct retained tuple.
func (t *Table) IterateAll(fn func(e *Entry)) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.Next {
			fn(e)
		}
	}
}
