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

import "github.com/colhash/joinengine/bitutil"

// mergePartition inserts every staged tuple of partition p into t,
// collapsing a tuple into the bucket's current head when the Bloom
// mask says they might collide and the head's key and remaining
// attributes actually match -- otherwise prepending a fresh entry.
// This mirrors finishConsumeLogic<AttributeCount> in Hashtable.cpp: the
// duplicate check only ever looks at the bucket's current head, not the
// full chain, so two equal keys separated by an unrelated insertion in
// between will NOT be merged. IsDuplicateFree therefore stays a
// conservative "don't know" flag rather than a precise one.
func (t *Table) mergePartition(b *Builder, p int) {
	tuples := b.parts[p]
	if len(tuples) == 0 {
		return
	}

	localRemoved := 0
	localNumKeys := 0
	possibleDuplicate := false

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rt := range tuples {
		var primary uint64
		var secondary uint32
		if b.isCrossProduct {
			primary, secondary = bitutil.FibonacciHash(0), secondaryHash(0)
		} else {
			primary, secondary = bitutil.FibonacciHash(uint32(rt.key)), secondaryHash(rt.key)
		}
		ind := t.bucketIndex(primary)
		old := t.buckets[ind]
		mask := getMask(secondary)
		bloomEntry := t.bloom[ind]

		if rt.multiplicity > 1 {
			possibleDuplicate = true
		}

		merged := false
		if checkMaskWithEntry(mask, bloomEntry) && old != nil {
			keyEq := old.Key == rt.key
			pd := keyEq || old.Next != nil
			if pd {
				possibleDuplicate = true
			} else {
				localNumKeys++
			}
			if keyEq && attrsEqual(old.Attrs, rt.attrs) {
				old.Multiplicity += rt.multiplicity
				localRemoved++
				merged = true
			}
		} else {
			localNumKeys++
		}

		if !merged {
			e := &Entry{Next: old, Multiplicity: rt.multiplicity, Key: rt.key, Attrs: rt.attrs}
			t.buckets[ind] = e
			t.bloom[ind] |= mask
		}
	}

	t.numKeys += localNumKeys
	t.removedCount += localRemoved
	if possibleDuplicate {
		t.duplicateFree = false
	}
}

func attrsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recomputeDuplicateFree performs the exact small-table check
// (numTuples <= 32) the source runs after the parallel merge: scan
// every retained key into a set and flag duplicates precisely rather
// than relying on the merge pass's conservative signal.
func (t *Table) recomputeDuplicateFree() {
	seen := make(map[uint64]struct{}, t.numTuples)
	hasMult := false
	count := 0
	t.IterateAll(func(e *Entry) {
		count++
		if e.Multiplicity != 1 {
			hasMult = true
		}
		seen[e.Key] = struct{}{}
	})
	t.duplicateFree = !hasMult && len(seen) == count
}
