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

import "github.com/cockroachdb/errors"

// ErrConcurrentModification is reported when a table detects that it was
// structurally modified by another operation interleaved with the current
// one. Detection is best-effort: tables are not goroutine-safe, and most
// concurrent misuse goes unnoticed and corrupts the table.
var ErrConcurrentModification = errors.New("lhash: concurrent modification")

// ErrReservedKey is reported when a key equal to the free sentinel of a
// primitive or parallel layout is inserted.
var ErrReservedKey = errors.New("lhash: key is reserved as the free sentinel")

// modGuard tracks structural modifications of a table.
//
// count is incremented once per structural modification (insertion of a new
// key, removal, clear) and is compared by iterators to detect modification
// during iteration. writing is set for the duration of a mutating operation;
// a mutation that finds it already set was interleaved with another one.
type modGuard struct {
	count   uint64
	writing bool
}

// begin marks the start of a mutating operation.
func (g *modGuard) begin(op string) error {
	if g.writing {
		return errors.Wrapf(ErrConcurrentModification, "%s during another write", op)
	}
	g.writing = true
	return nil
}

// end marks the end of a mutating operation started with begin.
func (g *modGuard) end() {
	g.writing = false
}

// bump records one structural modification.
func (g *modGuard) bump() {
	g.count++
}

// check reports ErrConcurrentModification if the table was structurally
// modified since the iterator that captured expected was created.
func (g *modGuard) check(expected uint64) error {
	if g.count != expected {
		return errors.Wrapf(ErrConcurrentModification,
			"modified during iteration (mod count %d, expected %d)", g.count, expected)
	}
	return nil
}
