// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lhash

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Delete deletes the entry corresponding to the specified key from the map,
// returning true if it was present. It is a noop to delete a non-existent
// key. Delete panics with ErrConcurrentModification if it detects a
// concurrent modification of the map, in which case the map is corrupt.
func (m *Map[K, V]) Delete(key K) bool {
	_, ok, err := m.Remove(key)
	if err != nil {
		panic(err)
	}
	return ok
}

// Remove deletes the entry corresponding to the specified key from the map
// and returns its value. ok is false if the key was not present. A non-nil
// error wraps ErrConcurrentModification; the map must not be used after
// that.
func (m *Map[K, V]) Remove(key K) (value V, ok bool, err error) {
	// Remove is find composed with removeAt: we locate the slot holding key,
	// and close the gap it leaves behind.
	if err := m.guard.begin("remove"); err != nil {
		return value, false, m.fault("remove", err)
	}
	i, ok := m.find(key)
	if !ok {
		m.guard.end()
		return value, false, nil
	}
	_, value = m.store.read(i)
	if err := m.removeAt(i, nil); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// removeAt removes the entry in slot removalIndex using backward-shift
// deletion. The caller has located the entry and called m.guard.begin;
// removeAt ends the write before running the post-removal hook.
//
// beforeShift, if non-nil, is called before the entry in slot src is moved
// into slot dst. DeleteFunc uses it to track entries moved across its
// iteration position.
func (m *Map[K, V]) removeAt(removalIndex uintptr, beforeShift func(src, dst uintptr)) error {
	m.guard.bump()

	s, p := m.store, m.probe
	indexToRemove := removalIndex
	indexToShift := removalIndex
	// shiftDistance is the distance from the gap (indexToRemove) to the slot
	// being scanned (indexToShift).
	shiftDistance := uintptr(1)
	for {
		indexToShift = p.next(indexToShift)
		if s.isFree(indexToShift) {
			// End of the cluster: nothing after the gap depends on it.
			break
		}

		keyToShift := s.readKey(indexToShift)
		keyDistance := p.distance(m.hash(&keyToShift, m.seed), indexToShift)
		if keyDistance >= shiftDistance {
			// The home slot of keyToShift is at or before the gap, so the key
			// stays reachable in the gap. Moving it opens a new gap at its
			// old slot.
			if debug {
				fmt.Printf("remove(shifting): %v %d -> %d distance=%d shift=%d\n",
					keyToShift, indexToShift, indexToRemove, keyDistance, shiftDistance)
			}
			if beforeShift != nil {
				beforeShift(indexToShift, indexToRemove)
			}
			s.move(indexToRemove, indexToShift)
			indexToRemove = indexToShift
			shiftDistance = 1
		} else {
			// The home slot of keyToShift lies between the gap and its slot;
			// moving it into the gap would make it unreachable.
			if debug {
				fmt.Printf("remove(skipping): %v at %d distance=%d shift=%d\n",
					keyToShift, indexToShift, keyDistance, shiftDistance)
			}
			shiftDistance++

			// A free slot always ends the scan before it gets back to
			// removalIndex. Only a concurrent mutation filling the table
			// behind our back gets here, and without a free slot the loop
			// would never end. This catches that one pattern, nothing more.
			if indexToShift == p.prev(removalIndex) {
				m.guard.end()
				return m.fault("remove", errors.Wrapf(ErrConcurrentModification,
					"removal at slot %d scanned all %d slots without finding a free slot",
					removalIndex, p.capacity()))
			}
		}
	}

	if debug {
		fmt.Printf("remove(erasing): index=%d used=%d\n", indexToRemove, m.used-1)
	}
	s.erase(indexToRemove)
	m.guard.end()
	m.postRemoveHook()
	return nil
}

// postRemoveHook runs after every successful removal, once the table is
// consistent again.
func (m *Map[K, V]) postRemoveHook() {
	m.used--
	m.growthLeft++
	m.checkInvariants()
	if m.removeHook != nil {
		m.removeHook()
	}
}

// DeleteFunc deletes every entry for which del returns true, and returns the
// number of entries deleted. del is called exactly once for every entry in
// the map and must not modify the map; DeleteFunc panics with
// ErrConcurrentModification if it does.
func (m *Map[K, V]) DeleteFunc(del func(key K, value V) bool) int {
	// Slots are visited from the end of the table towards the start, so the
	// visited slots are [i, capacity). Removing the entry at i shifts entries
	// from later in its cluster back towards i. Shifted entries that come
	// from [i, capacity) land in [i, capacity) and have been visited already.
	// But when the cluster wraps around the end of the table, entries from
	// the start of the table, which have not been visited yet, may be shifted
	// into the visited region. Those are collected in carried and visited
	// after the pass.
	var carried []K
	var n int
	s := m.store
	expected := m.guard.count

	remove := func(i uintptr, beforeShift func(src, dst uintptr)) {
		if err := m.guard.begin("delete-func"); err != nil {
			panic(m.fault("delete-func", err))
		}
		if err := m.removeAt(i, beforeShift); err != nil {
			panic(err)
		}
		// The removal accounts for exactly one modification. Anything more
		// was done by the remove hook, and may have moved entries or
		// replaced the store under the iteration.
		if err := m.guard.check(expected + 1); err != nil {
			panic(m.fault("delete-func", errors.Wrap(err, "remove hook modified the map")))
		}
		expected = m.guard.count
		n++
	}

	for i := s.capacity(); i > 0; {
		i--
		if s.isFree(i) {
			continue
		}
		k, v := s.read(i)
		ok := del(k, v)
		if err := m.guard.check(expected); err != nil {
			panic(m.fault("delete-func", err))
		}
		if !ok {
			continue
		}
		visited := i
		remove(i, func(src, dst uintptr) {
			if src < visited && dst >= visited {
				carried = append(carried, s.readKey(src))
			}
		})
	}

	for _, k := range carried {
		i, ok := m.find(k)
		if !ok {
			panic(errors.AssertionFailedf("carried key %v not found", k))
		}
		_, v := s.read(i)
		ok = del(k, v)
		if err := m.guard.check(expected); err != nil {
			panic(m.fault("delete-func", err))
		}
		if ok {
			remove(i, nil)
		}
	}
	return n
}
