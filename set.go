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

import "golang.org/x/exp/constraints"

// Set is an unordered set of keys. It is a Map without values and shares its
// probing, removal, and concurrent modification behavior.
//
// A Set is NOT goroutine-safe.
type Set[K comparable] struct {
	m *Map[K, struct{}]
}

// NewSet constructs a Set with boxed slots, which can store any key.
func NewSet[K comparable](initialCapacity int, options ...Option[K, struct{}]) *Set[K] {
	return &Set[K]{m: New[K, struct{}](initialCapacity, options...)}
}

// NewPrimitiveSet constructs a Set for integer keys which uses the key value
// free to mark free slots. free can not be added to the set.
func NewPrimitiveSet[K constraints.Integer](
	initialCapacity int, free K, options ...Option[K, struct{}],
) *Set[K] {
	return &Set[K]{m: NewPrimitive[K, struct{}](initialCapacity, free, options...)}
}

// NewParallelSet constructs a Set for integer keys which stores each key
// next to an occupancy mark, two uint64 cells per slot. Every key value can
// be added.
func NewParallelSet[K constraints.Integer](initialCapacity int, options ...Option[K, struct{}]) *Set[K] {
	return &Set[K]{m: newMap(initialCapacity, func(capacity uintptr, cells CellAllocator) slotStore[K, struct{}] {
		return newMarkedStore[K](capacity, cells)
	}, options)}
}

// Add adds key to the set, returning true if it was not present before. Add
// panics if key is the free sentinel of the set's layout.
func (s *Set[K]) Add(key K) bool {
	if s.m.Has(key) {
		return false
	}
	s.m.Put(key, struct{}{})
	return true
}

// Has returns true if the set contains key.
func (s *Set[K]) Has(key K) bool {
	return s.m.Has(key)
}

// Delete removes key from the set, returning true if it was present.
func (s *Set[K]) Delete(key K) bool {
	return s.m.Delete(key)
}

// Remove is like Delete, but reports a detected concurrent modification as
// an error instead of panicking.
func (s *Set[K]) Remove(key K) (bool, error) {
	_, ok, err := s.m.Remove(key)
	return ok, err
}

// DeleteFunc removes every key for which del returns true, and returns the
// number of keys removed.
func (s *Set[K]) DeleteFunc(del func(key K) bool) int {
	return s.m.DeleteFunc(func(key K, _ struct{}) bool {
		return del(key)
	})
}

// All calls yield sequentially for each key in the set. If yield returns
// false, All stops the iteration.
func (s *Set[K]) All(yield func(key K) bool) {
	s.m.All(func(key K, _ struct{}) bool {
		return yield(key)
	})
}

// Clear removes all keys from the set, keeping its capacity.
func (s *Set[K]) Clear() {
	s.m.Clear()
}

// Len returns the number of keys in the set.
func (s *Set[K]) Len() int {
	return s.m.Len()
}

// ModCount returns the number of structural modifications made to the set.
func (s *Set[K]) ModCount() uint64 {
	return s.m.ModCount()
}

// Close releases the set's memory back to its CellAllocator. The set must
// not be used after it is closed.
func (s *Set[K]) Close() {
	s.m.Close()
}

// Check verifies that every key in the set is reachable from its home slot.
func (s *Set[K]) Check() error {
	return s.m.Check()
}
