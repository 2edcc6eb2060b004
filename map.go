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

// package lhash is a Go implementation of open-addressing hash tables with
// linear probing and tombstone-free deletion. See also:
// https://en.wikipedia.org/wiki/Linear_probing#Deletion and Knuth, The Art of
// Computer Programming Vol. 3, Algorithm 6.4R.
//
// # Linear probing
//
// A table is an array of N slots where N is a power of 2. The home slot of a
// key is hash(key)&(N-1). A key is stored in the first free slot found by
// walking forward from its home slot, wrapping at the end of the array. This
// gives the invariant every operation relies on: for every stored key, no
// free slot lies on the probe path from its home slot to the slot it occupies.
// Lookups walk the same path and stop at the first free slot.
//
// # Deletion without tombstones
//
// Simply freeing the slot of a removed key would break the invariant for
// every key whose probe path crosses that slot. Tombstone-based tables (see
// github.com/cockroachdb/swiss) mark the slot deleted instead, and lookups
// walk over it, at the cost of probe sequences that only get longer until the
// table is rehashed. Here removal closes the gap instead: the entries
// following the removed one in its cluster are scanned, and every entry whose
// home slot is not passed over by the gap is moved back into the gap, which
// then moves to the entry's old slot. The scan ends at the first free slot
// and exactly one slot, the last gap, is freed. For example, with capacity 8
// and hash(a)=0, hash(b)=0, hash(c)=1, removing a:
//
//	slot:    0  1  2  3          0  1  2  3
//	before:  a  b  c  -   after: b  c  -  -
//	home:    0  0  1             0  1
//
// b moves into the gap at 0, the gap moves to 1, c moves into it, and slot 2
// is freed. No slot is ever left in a deleted state, so probe sequences only
// ever reflect the entries actually present.
//
// The scan keeps a shift distance, the distance from the gap to the scanned
// slot. An entry can be moved iff its own probe distance is at least the
// shift distance. Entries that can't be moved don't restart the scan, they
// only widen the distance, so the cost of a removal is linear in the length
// of the cluster following it.
//
// # Layouts
//
// The removal algorithm is written once against a small slot storage
// contract (see slotStore) with four layouts: boxed slots with an explicit
// occupancy marker for any comparable key; primitive slots for integer keys
// that reserve one key value as the free sentinel; and two "parallel"
// layouts which use two uint64 cells per slot, key and value for integer
// maps, key and occupancy mark for integer sets. Index arithmetic is always
// done in logical slots; only the store translates a slot into its physical
// cells.
//
// # Concurrent modification
//
// A Map is NOT goroutine-safe. It keeps a modification count which iterators
// use to fail fast when the map is structurally modified under them, and a
// writing flag which detects some interleaved mutations. The removal scan
// additionally detects the one pattern under which a concurrent mutation
// would make it loop forever: scanning all the way around the table without
// finding a free slot. All of these report ErrConcurrentModification and
// none of them are a guarantee.
package lhash

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const debug = false

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations, using linear probing and backward-shift deletion. By default a
// Map[K,V] hashes keys the way Go's builtin map[K]V does, though a different
// hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function for keys of type K.
	hash hashFn[K]
	seed uintptr
	// The slot storage. Its layout is fixed when the map is constructed.
	store slotStore[K, V]
	probe probe
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
	// The number of slots we can still fill without needing to grow.
	growthLeft int
	guard      modGuard
	logger     *zap.Logger
	// removeHook is called after every successful removal.
	removeHook func()
	// The allocator for the cell arrays of the parallel layouts.
	cellAllocator CellAllocator
}

// New constructs a Map with boxed slots, which can store any key. The map is
// sized to hold initialCapacity entries without growing.
func New[K comparable, V any](initialCapacity int, options ...Option[K, V]) *Map[K, V] {
	return newMap(initialCapacity, func(capacity uintptr, _ CellAllocator) slotStore[K, V] {
		return newBoxedStore[K, V](capacity)
	}, options)
}

// NewPrimitive constructs a Map for integer keys which stores keys inline and
// uses the key value free to mark free slots. free can not be stored in the
// map: Put panics with ErrReservedKey, and Get, Has, and Delete never find
// it.
func NewPrimitive[K constraints.Integer, V any](
	initialCapacity int, free K, options ...Option[K, V],
) *Map[K, V] {
	return newMap(initialCapacity, func(capacity uintptr, _ CellAllocator) slotStore[K, V] {
		return newPrimitiveStore[K, V](capacity, free)
	}, options)
}

// NewParallel constructs a Map for integer keys and values which stores every
// entry as two adjacent uint64 cells of a single array. Like NewPrimitive, the
// key value free marks free slots and can not be stored. The cell array is
// obtained from the CellAllocator given by WithCellAllocator, if any.
func NewParallel[K, V constraints.Integer](
	initialCapacity int, free K, options ...Option[K, V],
) *Map[K, V] {
	return newMap(initialCapacity, func(capacity uintptr, cells CellAllocator) slotStore[K, V] {
		return newParallelStore[K, V](capacity, free, cells)
	}, options)
}

func newMap[K comparable, V any](
	initialCapacity int,
	alloc func(capacity uintptr, cells CellAllocator) slotStore[K, V],
	options []Option[K, V],
) *Map[K, V] {
	m := &Map[K, V]{
		hash:          defaultHash[K](),
		seed:          newSeed(),
		logger:        zap.NewNop(),
		cellAllocator: defaultCellAllocator{},
	}

	for _, op := range options {
		op.apply(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.cellAllocator == nil {
		m.cellAllocator = defaultCellAllocator{}
	}

	capacity := targetCapacity(initialCapacity)
	m.store = alloc(capacity, m.cellAllocator)
	m.probe = makeProbe(capacity)
	m.growthLeft = growthLimit(capacity)

	m.checkInvariants()
	return m
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. Put panics if key is the free
// sentinel of the map's layout or if another mutation of the map is in
// progress.
func (m *Map[K, V]) Put(key K, value V) {
	if err := m.TryPut(key, value); err != nil {
		panic(err)
	}
}

// TryPut is like Put, but reports ErrReservedKey and
// ErrConcurrentModification as errors.
func (m *Map[K, V]) TryPut(key K, value V) error {
	if m.store.reserved(key) {
		return errors.Wrapf(ErrReservedKey, "put(%v)", key)
	}
	if err := m.guard.begin("put"); err != nil {
		return m.fault("put", err)
	}

	i, ok := m.find(key)
	if ok {
		if debug {
			fmt.Printf("put(updating): index=%d key=%v\n", i, key)
		}
		m.store.write(i, key, value)
		m.guard.end()
		m.checkInvariants()
		return nil
	}

	// Grow before inserting if the table is at its maximum load. The free
	// slot returned by find belongs to the old table.
	if m.growthLeft == 0 {
		m.resize(2 * m.probe.capacity())
		i, _ = m.find(key)
	}
	if debug {
		fmt.Printf("put(inserting): index=%d key=%v used=%d growth-left=%d\n",
			i, key, m.used+1, m.growthLeft-1)
	}
	m.store.write(i, key, value)
	m.used++
	m.growthLeft--
	m.guard.bump()
	m.guard.end()
	m.checkInvariants()
	return nil
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.find(key)
	if !ok {
		return value, false
	}
	_, value = m.store.read(i)
	return value, true
}

// Has returns true if the map contains key.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.find(key)
	return ok
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, All stops the iteration.
//
// All fails fast: if yield structurally modifies the map (inserts a new key,
// removes or clears) and then asks for more entries, All panics with
// ErrConcurrentModification. Overwriting the value of an existing key is
// permitted. Use DeleteFunc to remove entries while iterating.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	expected := m.guard.count
	s := m.store
	for i, n := uintptr(0), s.capacity(); i < n; i++ {
		if s.isFree(i) {
			continue
		}
		k, v := s.read(i)
		if !yield(k, v) {
			return
		}
		if err := m.guard.check(expected); err != nil {
			panic(m.fault("all", err))
		}
	}
}

// Clear deletes all entries from the map, keeping its capacity.
func (m *Map[K, V]) Clear() {
	if err := m.guard.begin("clear"); err != nil {
		panic(m.fault("clear", err))
	}
	m.store.clear()
	m.used = 0
	m.growthLeft = growthLimit(m.probe.capacity())
	m.guard.bump()
	m.guard.end()
	m.checkInvariants()
}

// Close closes the map, releasing its memory back to its CellAllocator. It is
// unnecessary to close a map using the default allocator, or one whose layout
// does not use cell arrays. The map must not be used after it is closed.
func (m *Map[K, V]) Close() {
	if m.store != nil {
		m.store.release()
		m.store = nil
	}
	m.used = 0
	m.growthLeft = 0
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Cap returns the number of slots in the map.
func (m *Map[K, V]) Cap() int {
	return int(m.probe.capacity())
}

// ModCount returns the number of structural modifications made to the map:
// insertions of new keys, removals, and clears.
func (m *Map[K, V]) ModCount() uint64 {
	return m.guard.count
}

// Check verifies that every entry in the map is reachable from its home slot
// and that the map's bookkeeping is consistent, returning a descriptive error
// for the first violation found.
func (m *Map[K, V]) Check() error {
	return m.verify()
}

// find returns the slot holding key and ok=true, or the free slot that ended
// the probe and ok=false.
func (m *Map[K, V]) find(key K) (i uintptr, ok bool) {
	if m.store.reserved(key) {
		return 0, false
	}
	s := m.store
	for i = m.homeOf(&key); ; i = m.probe.next(i) {
		if s.isFree(i) {
			return i, false
		}
		if s.readKey(i) == key {
			return i, true
		}
	}
}

// homeOf returns the home slot of key.
func (m *Map[K, V]) homeOf(key *K) uintptr {
	return m.probe.home(m.hash(key, m.seed))
}

// resize allocates a store of the same layout with newCapacity slots and
// reinserts every entry of the old store into it.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	old := m.store
	oldCapacity := old.capacity()
	m.store = old.alloc(newCapacity)
	m.probe = makeProbe(newCapacity)

	for i := uintptr(0); i < oldCapacity; i++ {
		if old.isFree(i) {
			continue
		}
		k, v := old.read(i)
		m.uncheckedPut(k, v)
	}
	old.release()
	m.growthLeft = growthLimit(newCapacity) - m.used

	if debug {
		fmt.Printf("resize: capacity=%d->%d  growth-left=%d\n",
			oldCapacity, newCapacity, m.growthLeft)
	}
	m.logger.Debug("lhash: resized",
		zap.Uintptr("old-capacity", oldCapacity),
		zap.Uintptr("new-capacity", newCapacity),
		zap.Int("used", m.used))
}

// uncheckedPut inserts an entry known not to be in the table into the first
// free slot of its probe path. Used by resize.
func (m *Map[K, V]) uncheckedPut(key K, value V) {
	i := m.homeOf(&key)
	for !m.store.isFree(i) {
		i = m.probe.next(i)
	}
	m.store.write(i, key, value)
}

// fault logs a detected concurrent modification and returns err.
func (m *Map[K, V]) fault(op string, err error) error {
	m.logger.Warn("lhash: concurrent modification detected",
		zap.String("op", op),
		zap.Error(err))
	return err
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err,
				"invariant failed\n%s", m.DebugString()))
		}
	}
}

func (m *Map[K, V]) verify() error {
	s := m.store
	capacity := m.probe.capacity()
	if c := s.capacity(); c != capacity {
		return errors.Newf("store capacity %d != probe capacity %d", c, capacity)
	}

	// For every occupied slot, verify that no free slot lies between the
	// key's home slot and the slot, and that lookup finds the key there
	// (which also rules out duplicates earlier on the probe path).
	var used int
	for i := uintptr(0); i < capacity; i++ {
		if s.isFree(i) {
			continue
		}
		used++
		k := s.readKey(i)
		if s.reserved(k) {
			return errors.Newf("slot %d: occupied by the free sentinel %v", i, k)
		}
		home := m.homeOf(&k)
		for j := home; j != i; j = m.probe.next(j) {
			if s.isFree(j) {
				return errors.Newf("slot %d: %v unreachable from home slot %d, slot %d is free",
					i, k, home, j)
			}
		}
		if j, ok := m.find(k); !ok || j != i {
			return errors.Newf("slot %d: lookup of %v found slot %d (ok=%t)", i, k, j, ok)
		}
	}

	if used != m.used {
		return errors.Newf("found %d used slots, but used count is %d", used, m.used)
	}
	if used == int(capacity) {
		return errors.Newf("no free slot left in %d slots", capacity)
	}
	if growthLeft := growthLimit(capacity) - m.used; growthLeft != m.growthLeft {
		return errors.Newf("found %d growthLeft, but expected %d", m.growthLeft, growthLeft)
	}
	return nil
}

// DebugString returns a dump of every slot of the map: its physical cell,
// and for occupied slots the entry, its home slot, and its probe distance.
func (m *Map[K, V]) DebugString() string {
	s := m.store
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  width=%d  used=%d  growth-left=%d  mod-count=%d\n",
		s.capacity(), s.width(), m.used, m.growthLeft, m.guard.count)
	for i, n := uintptr(0), s.capacity(); i < n; i++ {
		cell := cellIndex(i, s.width())
		if s.isFree(i) {
			fmt.Fprintf(&buf, "  %4d: free [cell=%d]\n", i, cell)
			continue
		}
		k, v := s.read(i)
		h := m.hash(&k, m.seed)
		fmt.Fprintf(&buf, "  %4d: %v=%v [cell=%d home=%d dist=%d]\n",
			i, k, v, cell, m.probe.home(h), m.probe.distance(h, i))
	}
	return buf.String()
}
