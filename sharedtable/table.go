// Copyright 2025 Google LLC
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

// Package sharedtable implements the fixed-capacity, memory-mapped,
// open-addressed hash table described in spec §4.1. subgraph, snapshot, and
// statcache are all instances of Table with different value layouts.
package sharedtable

import (
	"fmt"
	"os"

	"github.com/waitless-dev/waitless/whash"
	"golang.org/x/sys/unix"
)

// Table is a fixed-capacity, memory-mapped, open-addressed hash table
// backed by a file. Each slot is (key: 32-byte Hash, value: ValueSize
// bytes). A slot whose key is whash.Zero is empty; per spec §4.1 invariant
// (a), a real data hash must never collide with Zero.
//
// Table itself provides no concurrency safety beyond the single
// file-based advisory lock taken by Lock/Unlock: callers must hold that
// lock around every Lookup/Iterate call, per spec §4.1 invariant (b).
type Table struct {
	Name      string
	ValueSize int
	Capacity  int

	f    *os.File
	data []byte // mmap'd region, len == Capacity*entrySize
}

func entrySize(valueSize int) int { return whash.Size + valueSize }

// Create initializes a new table file at path with the given capacity and
// per-slot value size, per spec: "if file is zero-length, truncate to
// capacity × (hash+value). No in-band header; key=Zero is the empty
// sentinel." It is an error for path to already exist.
func Create(path, name string, capacity, valueSize int) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sharedtable: create %s: %w", path, err)
	}

	size := int64(capacity) * int64(entrySize(valueSize))
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sharedtable: truncate %s: %w", path, err)
	}

	return mapOpenFile(f, name, capacity, valueSize)
}

// Open maps an existing table file. Capacity is derived from the file
// size; it is an error if the size is not a whole multiple of the entry
// size, per spec: "require size % entry == 0, fail otherwise."
func Open(path, name string, valueSize int) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sharedtable: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sharedtable: stat %s: %w", path, err)
	}

	es := entrySize(valueSize)
	if fi.Size()%int64(es) != 0 {
		f.Close()
		return nil, fmt.Errorf("sharedtable: %s: size %d not a multiple of entry size %d", path, fi.Size(), es)
	}

	capacity := int(fi.Size() / int64(es))
	return mapOpenFile(f, name, capacity, valueSize)
}

// OpenOrCreate opens path if it exists and is non-empty, otherwise creates
// it with the given default capacity. This is the entry point used by
// subgraph.Open and statcache.Open for the persistent tables.
func OpenOrCreate(path, name string, defaultCapacity, valueSize int) (*Table, error) {
	fi, err := os.Stat(path)
	if err == nil && fi.Size() > 0 {
		return Open(path, name, valueSize)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("sharedtable: stat %s: %w", path, err)
	}
	// Either missing or zero-length: (re)create it.
	_ = os.Remove(path)
	return Create(path, name, defaultCapacity, valueSize)
}

func mapOpenFile(f *os.File, name string, capacity, valueSize int) (*Table, error) {
	size := int64(capacity) * int64(entrySize(valueSize))
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("sharedtable: %s: zero capacity", name)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sharedtable: mmap %s: %w", name, err)
	}

	return &Table{
		Name:      name,
		ValueSize: valueSize,
		Capacity:  capacity,
		f:         f,
		data:      data,
	}, nil
}

// Close unmaps and closes the backing file. It does not remove the file.
func (t *Table) Close() error {
	if err := unix.Munmap(t.data); err != nil {
		return fmt.Errorf("sharedtable: munmap %s: %w", t.Name, err)
	}
	return t.f.Close()
}

// Lock takes the table's single advisory file lock. Per spec §4.1: "the
// specified discipline is a single mutex ... a correct implementation uses
// a real cross-process mutex -- e.g., a file-based advisory lock."
func (t *Table) Lock() {
	if err := unix.Flock(int(t.f.Fd()), unix.LOCK_EX); err != nil {
		panic(fmt.Sprintf("sharedtable: flock %s: %v", t.Name, err))
	}
}

// Unlock releases the lock taken by Lock.
func (t *Table) Unlock() {
	if err := unix.Flock(int(t.f.Fd()), unix.LOCK_UN); err != nil {
		panic(fmt.Sprintf("sharedtable: funlock %s: %v", t.Name, err))
	}
}

func (t *Table) slot(i int) (key []byte, value []byte) {
	es := entrySize(t.ValueSize)
	off := i * es
	return t.data[off : off+whash.Size], t.data[off+whash.Size : off+es]
}

func keyOf(b []byte) whash.Hash {
	var h whash.Hash
	copy(h[:], b)
	return h
}

func index(key whash.Hash, capacity int) int {
	// Low bytes of key modulo capacity, per spec §4.1.
	v := uint64(key[0]) | uint64(key[1])<<8 | uint64(key[2])<<16 | uint64(key[3])<<24 |
		uint64(key[4])<<32 | uint64(key[5])<<40 | uint64(key[6])<<48 | uint64(key[7])<<56
	return int(v % uint64(capacity))
}

// FullError is the value Lookup panics with (fatal per spec §4.1/§7) when a table is
// probed end-to-end without finding a matching or empty slot.
type FullError struct{ Table string }

func (e *FullError) Error() string {
	return fmt.Sprintf("sharedtable: %s: table full (fill-factor overflow)", e.Table)
}

// Lookup probes linearly from index(key) until it finds a slot whose key
// equals key (existed=true) or an empty slot (existed=false). If the slot
// is empty and create is false, ok is false and the caller should treat
// the key as missing. If create is true, an empty slot is claimed for key
// and its value is zero-initialized. Must be called under Lock.
//
// The returned value slice aliases the table's mapped memory; mutations
// through it are visible to every process mapping the same file as soon
// as Unlock is called (a flock release is also a standard memory/cache
// barrier for mmap'd file-backed pages on Linux).
func (t *Table) Lookup(key whash.Hash, create bool) (value []byte, existed bool, ok bool) {
	if key.IsZero() {
		panic("sharedtable: Lookup: key must not be Zero")
	}

	start := index(key, t.Capacity)
	for probe := 0; probe < t.Capacity; probe++ {
		i := (start + probe) % t.Capacity
		k, v := t.slot(i)
		sk := keyOf(k)
		if sk == key {
			return v, true, true
		}
		if sk.IsZero() {
			if !create {
				return nil, false, false
			}
			copy(k, key[:])
			for j := range v {
				v[j] = 0
			}
			return v, false, true
		}
	}
	panic(&FullError{Table: t.Name})
}

// Iterate visits every non-empty slot in table order, calling f(key,
// value) for each. It stops early if f returns true. Must be called under
// Lock.
func (t *Table) Iterate(f func(key whash.Hash, value []byte) bool) {
	for i := 0; i < t.Capacity; i++ {
		k, v := t.slot(i)
		sk := keyOf(k)
		if sk.IsZero() {
			continue
		}
		if f(sk, v) {
			return
		}
	}
}

// Path exposes the backing file's path for callers that need to unlink it
// at run end (e.g. the per-run snapshot and process tables).
func (t *Table) Path() string {
	return t.f.Name()
}
