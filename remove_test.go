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
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// slotKeys returns the key held by every slot of the map, or "" for free
// slots.
func slotKeys[K comparable, V any](m *Map[K, V]) []string {
	s := m.store
	r := make([]string, s.capacity())
	for i := range r {
		if !s.isFree(uintptr(i)) {
			r[i] = fmt.Sprint(s.readKey(uintptr(i)))
		}
	}
	return r
}

// homeHash returns a hash function which places every key in homes at the
// given home slot.
func homeHash[K comparable](homes map[K]uintptr) func(key *K, seed uintptr) uintptr {
	return func(key *K, _ uintptr) uintptr {
		h, ok := homes[*key]
		if !ok {
			panic(fmt.Sprintf("no home slot for %v", *key))
		}
		return h
	}
}

func TestRemoveShiftsCluster(t *testing.T) {
	m := New[string, int](0, WithHash[string, int](homeHash(map[string]uintptr{
		"a": 0, "b": 0, "c": 1,
	})))
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("c", 3)
	require.EqualValues(t, 8, m.Cap())
	require.Equal(t, []string{"a", "b", "c", "", "", "", "", ""}, slotKeys(m))

	v, ok, err := m.Remove("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	// b moves into the slot of a, then c moves into the slot of b, and the
	// old slot of c is the one left free.
	if diff := cmp.Diff([]string{"b", "c", "", "", "", "", "", ""}, slotKeys(m)); diff != "" {
		t.Fatalf("unexpected slots (-want +got):\n%s", diff)
	}
	require.NoError(t, m.Check())
}

func TestRemoveParallelCells(t *testing.T) {
	m := NewParallel[int64, int64](0, -1, WithHash[int64, int64](func(key *int64, _ uintptr) uintptr {
		return uintptr(*key)
	}))
	m.Put(8, 80)   // home 0, slot 0
	m.Put(16, 160) // home 0, slot 1
	m.Put(9, 90)   // home 1, slot 2
	require.True(t, m.Delete(8))

	cells := m.store.(*parallelStore[int64, int64]).cells
	expected := []uint64{16, 160, 9, 90, math.MaxUint64, 0}
	if diff := cmp.Diff(expected, cells[:6]); diff != "" {
		t.Fatalf("unexpected cells (-want +got):\n%s", diff)
	}
	require.NoError(t, m.Check())
}

func TestRemoveWrappingCluster(t *testing.T) {
	homes := map[int]uintptr{
		0: 13, 1: 13, 2: 13, 3: 13, 4: 13, 5: 13,
		100: 0,
		200: 4,
	}
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(12, WithHash[int, int](homeHash(homes)))
		require.EqualValues(t, 16, m.Cap())
		for _, k := range []int{0, 1, 2, 3, 4, 5, 100, 200} {
			m.Put(k, k*10)
		}
		require.Equal(t, []string{
			"3", "4", "5", "100", "200", "", "", "",
			"", "", "", "", "", "0", "1", "2",
		}, slotKeys(m))

		require.True(t, m.Delete(1))

		// Every key after the gap moves back one slot, across the end of the
		// table, up to 100. 200 is in its home slot and stays put.
		expected := []string{
			"4", "5", "100", "", "200", "", "", "",
			"", "", "", "", "", "0", "2", "3",
		}
		if diff := cmp.Diff(expected, slotKeys(m)); diff != "" {
			t.Fatalf("unexpected slots (-want +got):\n%s", diff)
		}
		require.NoError(t, m.Check())
		for k := range homes {
			v, ok := m.Get(k)
			require.Equal(t, k != 1, ok)
			if ok {
				require.EqualValues(t, k*10, v)
			}
		}
	})
}

func TestRemoveAbsent(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		var hooks int
		m := newMap(0, WithRemoveHook[int, int](func() { hooks++ }))
		for i := 0; i < 5; i++ {
			m.Put(i, i)
		}
		before := slotKeys(m)
		modCount := m.ModCount()

		_, ok, err := m.Remove(42)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, before, slotKeys(m))
		require.EqualValues(t, modCount, m.ModCount())
		require.EqualValues(t, 5, m.Len())
		require.EqualValues(t, 0, hooks)
	})
}

func TestRemoveModCountAndHook(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		var m *Map[int, int]
		var hooks int
		m = newMap(0, WithRemoveHook[int, int](func() {
			hooks++
			// The hook runs once the table is consistent again.
			require.NoError(t, m.Check())
		}))
		for i := 0; i < 100; i++ {
			m.Put(i, i)
		}

		for i := 0; i < 100; i++ {
			modCount := m.ModCount()
			require.True(t, m.Delete(i))
			require.EqualValues(t, modCount+1, m.ModCount())
			require.EqualValues(t, i+1, hooks)
			require.EqualValues(t, 100-i-1, m.Len())
		}
	})
}

func TestRemoveRandomOrder(t *testing.T) {
	const n = 200
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		for _, name := range []string{"normal", "clustered"} {
			t.Run(name, func(t *testing.T) {
				var options []Option[int, int]
				if name == "clustered" {
					options = append(options, WithHash[int, int](func(key *int, _ uintptr) uintptr {
						return ^uintptr(*key % 8)
					}))
				}
				m := newMap(n, options...)
				for i := 0; i < n; i++ {
					m.Put(i, i)
				}

				removed := make(map[int]bool)
				for _, k := range rand.Perm(n) {
					require.True(t, m.Delete(k))
					removed[k] = true
					// No entry other than k was lost.
					for i := 0; i < n; i++ {
						_, ok := m.Get(i)
						require.Equal(t, !removed[i], ok, "key %d", i)
					}
					require.NoError(t, m.Check())
				}

				// Whatever the removal order, the table ends up empty.
				for i := uintptr(0); i < m.store.capacity(); i++ {
					require.True(t, m.store.isFree(i), "slot %d", i)
				}
				require.EqualValues(t, 0, m.Len())
			})
		}
	})
}

func TestRemoveFullTableDetected(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := NewPrimitive[int, int](0, -1,
		WithHash[int, int](identityHash),
		WithLogger[int, int](zap.New(core)))

	// Fill every slot behind the map's back, each key in its home slot. This
	// is the state a concurrent writer could leave the table in.
	for i := 0; i < 8; i++ {
		m.store.write(uintptr(i), 8+i, i)
	}

	require.NoError(t, m.guard.begin("remove"))
	err := m.removeAt(3, nil)
	require.True(t, errors.Is(err, ErrConcurrentModification), "unexpected error: %v", err)
	require.False(t, m.guard.writing)

	entries := logs.FilterMessage("lhash: concurrent modification detected").AllUntimed()
	require.Len(t, entries, 1)
	require.Equal(t, "remove", entries[0].ContextMap()["op"])
}

func TestWriteDuringWrite(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(0)
		m.Put(1, 1)

		// Pretend another mutation is in progress.
		m.guard.writing = true

		_, _, err := m.Remove(1)
		require.True(t, errors.Is(err, ErrConcurrentModification))
		require.True(t, errors.Is(m.TryPut(2, 2), ErrConcurrentModification))
		requirePanicsWith(t, ErrConcurrentModification, func() { m.Put(2, 2) })
		requirePanicsWith(t, ErrConcurrentModification, func() { m.Delete(1) })
		requirePanicsWith(t, ErrConcurrentModification, func() { m.Clear() })

		m.guard.end()
		require.True(t, m.Delete(1))
		require.NoError(t, m.Check())
	})
}

func TestDeleteFunc(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(0)
		for i := 0; i < 1000; i++ {
			m.Put(i, i*2)
		}
		n := m.DeleteFunc(func(k, v int) bool {
			require.EqualValues(t, k*2, v)
			return k%2 == 0
		})
		require.EqualValues(t, 500, n)
		require.EqualValues(t, 500, m.Len())
		require.NoError(t, m.Check())
		for i := 0; i < 1000; i++ {
			require.Equal(t, i%2 == 1, m.Has(i))
		}

		require.EqualValues(t, 500, m.DeleteFunc(func(k, v int) bool { return true }))
		require.EqualValues(t, 0, m.Len())
	})
}

func TestDeleteFuncWrappingCluster(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(0, WithHash[int, int](constHash[int](6)))
		for i := 0; i < 5; i++ {
			m.Put(i, i)
		}
		require.Equal(t, []string{"2", "3", "4", "", "", "", "0", "1"}, slotKeys(m))

		// Deleting 1 from slot 7 moves 2 from slot 0, which has not been
		// visited yet, into slot 7, which has.
		visits := make(map[int]int)
		n := m.DeleteFunc(func(k, v int) bool {
			visits[k]++
			return k == 1
		})
		require.EqualValues(t, 1, n)
		require.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1, 4: 1}, visits)
		require.Equal(t, []string{"3", "4", "", "", "", "", "0", "2"}, slotKeys(m))
		require.NoError(t, m.Check())

		// And the same with every key deleted.
		n = m.DeleteFunc(func(k, v int) bool { return true })
		require.EqualValues(t, 4, n)
		require.EqualValues(t, 0, m.Len())
	})
}

func TestDeleteFuncRandom(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(0, WithHash[int, int](func(key *int, _ uintptr) uintptr {
			return ^uintptr(*key % 4)
		}))
		e := make(map[int]int)
		for i := 0; i < 500; i++ {
			k := rand.Intn(1 << 20)
			m.Put(k, i)
			e[k] = i
		}

		del := make(map[int]bool)
		for k := range e {
			del[k] = rand.Intn(2) == 0
		}
		visits := make(map[int]int)
		n := m.DeleteFunc(func(k, v int) bool {
			visits[k]++
			require.EqualValues(t, e[k], v)
			return del[k]
		})

		var expected int
		for k, d := range del {
			require.EqualValues(t, 1, visits[k], "key %d", k)
			if d {
				expected++
				delete(e, k)
			}
		}
		require.EqualValues(t, expected, n)
		require.Equal(t, e, m.toBuiltinMap())
		require.NoError(t, m.Check())
	})
}

func TestDeleteFuncMutate(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		m := newMap(0)
		for i := 0; i < 10; i++ {
			m.Put(i, i)
		}
		requirePanicsWith(t, ErrConcurrentModification, func() {
			m.DeleteFunc(func(k, v int) bool {
				m.Put(k+1000, v)
				return false
			})
		})
	})
}

func TestRemoveCompactsCluster(t *testing.T) {
	for _, h := range []int{5, 13} {
		t.Run(fmt.Sprintf("home=%d", h), func(t *testing.T) {
			forEachLayout(t, func(t *testing.T, newMap mapCtor) {
				const n = 6
				m := newMap(12, WithHash[int, int](constHash[int](uintptr(h))))
				require.EqualValues(t, 16, m.Cap())
				expected := make([]string, 16)
				for k := 0; k < n; k++ {
					m.Put(k, k)
					expected[(h+k)%16] = fmt.Sprint(k)
				}
				require.Equal(t, expected, slotKeys(m))

				// Removing the key in the home slot moves every other key of
				// the cluster back by one, leaving [h, h+n-1) occupied and
				// h+n-1 free.
				require.True(t, m.Delete(0))
				expected = make([]string, 16)
				for k := 1; k < n; k++ {
					expected[(h+k-1)%16] = fmt.Sprint(k)
				}
				if diff := cmp.Diff(expected, slotKeys(m)); diff != "" {
					t.Fatalf("unexpected slots (-want +got):\n%s", diff)
				}
				require.NoError(t, m.Check())
			})
		})
	}
}

func TestDeleteFuncRemoveHook(t *testing.T) {
	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		// A hook which only reads the map is fine.
		var m *Map[int, int]
		var hooks int
		m = newMap(0, WithRemoveHook[int, int](func() {
			hooks++
			require.NoError(t, m.Check())
		}))
		for i := 0; i < 20; i++ {
			m.Put(i, i)
		}
		require.EqualValues(t, 10, m.DeleteFunc(func(k, v int) bool { return k < 10 }))
		require.EqualValues(t, 10, hooks)
		require.EqualValues(t, 10, m.Len())
	})

	forEachLayout(t, func(t *testing.T, newMap mapCtor) {
		// A hook which inserts entries, growing the map under the iteration,
		// is detected.
		var m *Map[int, int]
		var next int
		m = newMap(0, WithRemoveHook[int, int](func() {
			next++
			m.Put(1000+next, 0)
			m.Put(2000+next, 0)
		}))
		for i := 0; i < 6; i++ {
			m.Put(i, i)
		}
		require.EqualValues(t, 8, m.Cap())

		requirePanicsWith(t, ErrConcurrentModification, func() {
			m.DeleteFunc(func(k, v int) bool { return k < 6 })
		})

		// The iteration stopped after the first removal, and every operation
		// that completed left the map consistent.
		require.EqualValues(t, 1, next)
		require.EqualValues(t, 7, m.Len())
		require.EqualValues(t, 16, m.Cap())
		require.NoError(t, m.Check())
		var original int
		for i := 0; i < 6; i++ {
			if m.Has(i) {
				original++
			}
		}
		require.EqualValues(t, 5, original)
		require.True(t, m.Has(1001))
		require.True(t, m.Has(2001))
	})
}
