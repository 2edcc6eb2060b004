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
	"math/bits"
)

const (
	// minCapacity is the smallest number of logical slots a table is
	// allocated with.
	minCapacity = 8

	// The maximum load is maxLoadNum/maxLoadDen of the capacity. The load
	// must stay below 1: a free slot is what terminates both lookups and the
	// removal scan.
	maxLoadNum = 3
	maxLoadDen = 4
)

// probe holds the index arithmetic for a table with a power-of-two number of
// logical slots. All arithmetic is done with the mask; an index is never
// reduced with % or division.
//
// Indexes handed around by the table are always logical slot indexes. Only a
// slotStore converts them to physical cell indexes, using cellIndex.
type probe struct {
	mask uintptr
}

func makeProbe(capacity uintptr) probe {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("capacity %d is not a power of two", capacity))
	}
	return probe{mask: capacity - 1}
}

func (p probe) capacity() uintptr {
	return p.mask + 1
}

// home returns the home slot for hash value h.
func (p probe) home(h uintptr) uintptr {
	return h & p.mask
}

// next returns the slot following i in probe order, wrapping at the end of
// the table.
func (p probe) next(i uintptr) uintptr {
	return (i + 1) & p.mask
}

// prev returns the slot preceding i in probe order.
func (p probe) prev(i uintptr) uintptr {
	return (i - 1) & p.mask
}

// distance returns the number of probe steps from the home slot of hash h to
// slot i. h does not need to be masked beforehand.
func (p probe) distance(h, i uintptr) uintptr {
	return (i - h) & p.mask
}

// cellIndex converts logical slot i into the index of its first physical cell
// for a layout that uses width cells per slot.
func cellIndex(i, width uintptr) uintptr {
	return i * width
}

// cellCount returns the number of physical cells backing capacity logical
// slots.
func cellCount(capacity, width uintptr) uintptr {
	return capacity * width
}

// growthLimit returns the number of entries a table with the given capacity
// may hold before it has to grow.
func growthLimit(capacity uintptr) int {
	return int(capacity * maxLoadNum / maxLoadDen)
}

// targetCapacity returns the smallest power of two, no smaller than
// minCapacity, whose growth limit accommodates n entries.
func targetCapacity(n int) uintptr {
	capacity := uintptr(minCapacity)
	if n <= growthLimit(capacity) {
		return capacity
	}
	// Smallest power of two >= n*den/num, rounded up.
	need := (uint(n)*maxLoadDen + maxLoadNum - 1) / maxLoadNum
	capacity = uintptr(1) << bits.Len(need-1)
	for growthLimit(capacity) < n {
		capacity <<= 1
	}
	return capacity
}
