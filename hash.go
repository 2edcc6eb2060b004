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
	"hash/maphash"

	"golang.org/x/exp/rand"
)

// hashFn computes the hash of a key. The table uses the low bits of the
// result as the key's home slot, so the bits must be well distributed.
type hashFn[K comparable] func(key *K, seed uintptr) uintptr

// defaultHash returns a hash function for K backed by hash/maphash, which
// uses the same algorithm as the builtin map. The maphash seed is fixed for
// the returned function; the per-map seed is not needed by it.
func defaultHash[K comparable]() hashFn[K] {
	s := maphash.MakeSeed()
	return func(key *K, _ uintptr) uintptr {
		return uintptr(maphash.Comparable(s, *key))
	}
}

// newSeed returns a random seed handed to user-provided hash functions.
func newSeed() uintptr {
	return uintptr(rand.Uint64())
}
