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

import "go.uber.org/zap"

// Option configures a Map while it is being created.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The home slot of a key is the hash masked to the table capacity, so a hash
// function that returns a constant degrades the map to a single cluster
// (useful in tests, terrible otherwise).
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) Option[K, V] {
	return hashOption[K, V]{hash}
}

type loggerOption[K comparable, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	m.logger = op.logger
}

// WithLogger is an option to specify the logger a Map[K,V] reports resizes
// and detected concurrent modifications to. The default logger discards
// everything.
func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return loggerOption[K, V]{logger}
}

type removeHookOption[K comparable, V any] struct {
	hook func()
}

func (op removeHookOption[K, V]) apply(m *Map[K, V]) {
	m.removeHook = op.hook
}

// WithRemoveHook is an option to specify a function called exactly once after
// every successful removal of an entry, once the map is consistent again. The
// hook may read the map and overwrite values, but must not insert or remove
// entries: DeleteFunc panics with ErrConcurrentModification if it does.
func WithRemoveHook[K comparable, V any](hook func()) Option[K, V] {
	return removeHookOption[K, V]{hook}
}

type cellAllocatorOption[K comparable, V any] struct {
	allocator CellAllocator
}

func (op cellAllocatorOption[K, V]) apply(m *Map[K, V]) {
	m.cellAllocator = op.allocator
}

// WithCellAllocator is an option for specifying the CellAllocator to use for
// the cell arrays of a parallel Map or Set. Other layouts ignore it.
func WithCellAllocator[K comparable, V any](allocator CellAllocator) Option[K, V] {
	return cellAllocatorOption[K, V]{allocator}
}

// CellAllocator specifies an interface for allocating and releasing the
// []uint64 cell arrays of the parallel layouts. Every resize allocates a new
// array and frees the old one.
//
// If the allocator is manually managing memory and requires that cells be
// freed then Map.Close must be called in order to ensure FreeCells is called
// for the last array.
type CellAllocator interface {
	// AllocCells should return a slice equivalent to make([]uint64, n).
	AllocCells(n int) []uint64

	// FreeCells can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocCells.
	FreeCells(v []uint64)
}

type defaultCellAllocator struct{}

func (defaultCellAllocator) AllocCells(n int) []uint64 {
	return make([]uint64, n)
}

func (defaultCellAllocator) FreeCells(_ []uint64) {
}
