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

// slotStore owns the backing storage of a table: capacity logical slots, each
// of which is width physical cells. All indexes passed to a slotStore are
// logical slot indexes in [0, capacity).
//
// Four layouts are provided:
//
//	boxed      1 cell/slot   slot{key, value, full}     any comparable key
//	primitive  1 cell/slot   slot{key, value}           integer key, key==free means free
//	parallel   2 cells/slot  []uint64{key, value, ...}  integer key and value, key==free means free
//	marked     2 cells/slot  []uint64{key, mark, ...}   integer key set, mark==0 means free
//
// The removal algorithm is written once against this interface and does not
// know which layout it operates on.
type slotStore[K comparable, V any] interface {
	// width returns the number of physical cells per logical slot.
	width() uintptr
	// capacity returns the number of logical slots.
	capacity() uintptr
	// isFree reports whether slot i holds no entry.
	isFree(i uintptr) bool
	// reserved reports whether key is the layout's free sentinel and thus
	// can never be stored.
	reserved(key K) bool
	// readKey returns the key stored in the occupied slot i.
	readKey(i uintptr) K
	// read returns the key and value stored in the occupied slot i.
	read(i uintptr) (K, V)
	// write overwrites slot i with key and value.
	write(i uintptr, key K, value V)
	// move copies the entry in slot src into slot dst. Both cells of a
	// double-width slot are copied together. src is left unchanged.
	move(dst, src uintptr)
	// erase resets slot i to free, dropping any references it held.
	erase(i uintptr)
	// clear resets every slot to free.
	clear()
	// alloc returns an empty store of the same layout with the given
	// capacity.
	alloc(capacity uintptr) slotStore[K, V]
	// release hands the store's memory back to its allocator. The store is
	// unusable afterwards.
	release()
}

// slot is a single-cell slot of the boxed layout. The explicit full marker
// lets every value of K be stored.
type slot[K comparable, V any] struct {
	key   K
	value V
	full  bool
}

type boxedStore[K comparable, V any] struct {
	slots []slot[K, V]
}

func newBoxedStore[K comparable, V any](capacity uintptr) *boxedStore[K, V] {
	return &boxedStore[K, V]{slots: make([]slot[K, V], capacity)}
}

func (s *boxedStore[K, V]) width() uintptr        { return 1 }
func (s *boxedStore[K, V]) capacity() uintptr     { return uintptr(len(s.slots)) }
func (s *boxedStore[K, V]) isFree(i uintptr) bool { return !s.slots[i].full }
func (s *boxedStore[K, V]) reserved(K) bool       { return false }
func (s *boxedStore[K, V]) readKey(i uintptr) K   { return s.slots[i].key }
func (s *boxedStore[K, V]) read(i uintptr) (K, V) { return s.slots[i].key, s.slots[i].value }
func (s *boxedStore[K, V]) move(dst, src uintptr) { s.slots[dst] = s.slots[src] }
func (s *boxedStore[K, V]) erase(i uintptr)       { s.slots[i] = slot[K, V]{} }
func (s *boxedStore[K, V]) clear()                { clear(s.slots) }
func (s *boxedStore[K, V]) release()              { s.slots = nil }

func (s *boxedStore[K, V]) write(i uintptr, key K, value V) {
	s.slots[i] = slot[K, V]{key: key, value: value, full: true}
}

func (s *boxedStore[K, V]) alloc(capacity uintptr) slotStore[K, V] {
	return newBoxedStore[K, V](capacity)
}

// primitiveSlot is a single-cell slot of the primitive layout. A slot whose
// key equals the store's free sentinel is free.
type primitiveSlot[K constraints.Integer, V any] struct {
	key   K
	value V
}

type primitiveStore[K constraints.Integer, V any] struct {
	slots []primitiveSlot[K, V]
	free  K
}

func newPrimitiveStore[K constraints.Integer, V any](capacity uintptr, free K) *primitiveStore[K, V] {
	s := &primitiveStore[K, V]{
		slots: make([]primitiveSlot[K, V], capacity),
		free:  free,
	}
	if free != 0 {
		s.clear()
	}
	return s
}

func (s *primitiveStore[K, V]) width() uintptr        { return 1 }
func (s *primitiveStore[K, V]) capacity() uintptr     { return uintptr(len(s.slots)) }
func (s *primitiveStore[K, V]) isFree(i uintptr) bool { return s.slots[i].key == s.free }
func (s *primitiveStore[K, V]) reserved(key K) bool   { return key == s.free }
func (s *primitiveStore[K, V]) readKey(i uintptr) K   { return s.slots[i].key }
func (s *primitiveStore[K, V]) read(i uintptr) (K, V) { return s.slots[i].key, s.slots[i].value }
func (s *primitiveStore[K, V]) move(dst, src uintptr) { s.slots[dst] = s.slots[src] }
func (s *primitiveStore[K, V]) release()              { s.slots = nil }

func (s *primitiveStore[K, V]) write(i uintptr, key K, value V) {
	s.slots[i] = primitiveSlot[K, V]{key: key, value: value}
}

func (s *primitiveStore[K, V]) erase(i uintptr) {
	s.slots[i] = primitiveSlot[K, V]{key: s.free}
}

func (s *primitiveStore[K, V]) clear() {
	for i := range s.slots {
		s.slots[i] = primitiveSlot[K, V]{key: s.free}
	}
}

func (s *primitiveStore[K, V]) alloc(capacity uintptr) slotStore[K, V] {
	return newPrimitiveStore[K, V](capacity, s.free)
}

// parallelWidth is the number of physical cells per logical slot of the
// parallel and marked layouts.
const parallelWidth = 2

// parallelStore lays out integer keys and values in a single []uint64, the
// key of slot i in cell 2i and its value in cell 2i+1. A slot whose key cell
// holds the free sentinel is free.
type parallelStore[K, V constraints.Integer] struct {
	cells     []uint64
	free      uint64
	allocator CellAllocator
}

func newParallelStore[K, V constraints.Integer](
	capacity uintptr, free K, allocator CellAllocator,
) *parallelStore[K, V] {
	s := &parallelStore[K, V]{
		cells:     allocator.AllocCells(int(cellCount(capacity, parallelWidth))),
		free:      uint64(free),
		allocator: allocator,
	}
	if s.free != 0 {
		s.clear()
	}
	return s
}

func (s *parallelStore[K, V]) width() uintptr      { return parallelWidth }
func (s *parallelStore[K, V]) reserved(key K) bool { return uint64(key) == s.free }

func (s *parallelStore[K, V]) capacity() uintptr {
	return uintptr(len(s.cells)) / parallelWidth
}

func (s *parallelStore[K, V]) isFree(i uintptr) bool {
	return s.cells[cellIndex(i, parallelWidth)] == s.free
}

func (s *parallelStore[K, V]) readKey(i uintptr) K {
	return K(s.cells[cellIndex(i, parallelWidth)])
}

func (s *parallelStore[K, V]) read(i uintptr) (K, V) {
	c := cellIndex(i, parallelWidth)
	return K(s.cells[c]), V(s.cells[c+1])
}

func (s *parallelStore[K, V]) write(i uintptr, key K, value V) {
	c := cellIndex(i, parallelWidth)
	s.cells[c] = uint64(key)
	s.cells[c+1] = uint64(value)
}

func (s *parallelStore[K, V]) move(dst, src uintptr) {
	d, c := cellIndex(dst, parallelWidth), cellIndex(src, parallelWidth)
	copy(s.cells[d:d+parallelWidth], s.cells[c:c+parallelWidth])
}

func (s *parallelStore[K, V]) erase(i uintptr) {
	c := cellIndex(i, parallelWidth)
	s.cells[c] = s.free
	s.cells[c+1] = 0
}

func (s *parallelStore[K, V]) clear() {
	for c := 0; c < len(s.cells); c += parallelWidth {
		s.cells[c] = s.free
		s.cells[c+1] = 0
	}
}

func (s *parallelStore[K, V]) alloc(capacity uintptr) slotStore[K, V] {
	return newParallelStore[K, V](capacity, K(s.free), s.allocator)
}

func (s *parallelStore[K, V]) release() {
	s.allocator.FreeCells(s.cells)
	s.cells = nil
}

// slotMarked is stored in the second cell of an occupied marked slot.
const slotMarked = 1

// markedStore is the set counterpart of parallelStore: the key of slot i is
// in cell 2i and cell 2i+1 holds the occupancy mark, so no key value has to
// be reserved.
type markedStore[K constraints.Integer] struct {
	cells     []uint64
	allocator CellAllocator
}

func newMarkedStore[K constraints.Integer](capacity uintptr, allocator CellAllocator) *markedStore[K] {
	return &markedStore[K]{
		cells:     allocator.AllocCells(int(cellCount(capacity, parallelWidth))),
		allocator: allocator,
	}
}

func (s *markedStore[K]) width() uintptr  { return parallelWidth }
func (s *markedStore[K]) reserved(K) bool { return false }
func (s *markedStore[K]) clear()          { clear(s.cells) }

func (s *markedStore[K]) capacity() uintptr {
	return uintptr(len(s.cells)) / parallelWidth
}

func (s *markedStore[K]) isFree(i uintptr) bool {
	return s.cells[cellIndex(i, parallelWidth)+1] != slotMarked
}

func (s *markedStore[K]) readKey(i uintptr) K {
	return K(s.cells[cellIndex(i, parallelWidth)])
}

func (s *markedStore[K]) read(i uintptr) (K, struct{}) {
	return s.readKey(i), struct{}{}
}

func (s *markedStore[K]) write(i uintptr, key K, _ struct{}) {
	c := cellIndex(i, parallelWidth)
	s.cells[c] = uint64(key)
	s.cells[c+1] = slotMarked
}

func (s *markedStore[K]) move(dst, src uintptr) {
	d, c := cellIndex(dst, parallelWidth), cellIndex(src, parallelWidth)
	copy(s.cells[d:d+parallelWidth], s.cells[c:c+parallelWidth])
}

func (s *markedStore[K]) erase(i uintptr) {
	c := cellIndex(i, parallelWidth)
	s.cells[c] = 0
	s.cells[c+1] = 0
}

func (s *markedStore[K]) alloc(capacity uintptr) slotStore[K, struct{}] {
	return newMarkedStore[K](capacity, s.allocator)
}

func (s *markedStore[K]) release() {
	s.allocator.FreeCells(s.cells)
	s.cells = nil
}
