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

// Package subgraph implements the persistent, content-addressed DAG of
// process actions described in spec §4.5. It is the authoritative record:
// every successful action of every descendant process produces exactly one
// new subgraph node, or a hit on an existing equal node.
package subgraph

import (
	"fmt"

	"github.com/waitless-dev/waitless/sharedtable"
	"github.com/waitless-dev/waitless/whash"
)

// Kind is the tag half of a subgraph node's (kind, data) pair.
type Kind uint32

const (
	Stat Kind = iota + 1
	Read
	Write
	Fork
	Exec
	Wait
	Exit
)

func (k Kind) String() string {
	switch k {
	case Stat:
		return "Stat"
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Fork:
		return "Fork"
	case Exec:
		return "Exec"
	case Wait:
		return "Wait"
	case Exit:
		return "Exit"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// value layout: 4 bytes kind (little-endian) + 32 bytes data hash.
const valueSize = 4 + whash.Size

// Subgraph wraps a sharedtable.Table whose values are (kind, data) pairs.
type Subgraph struct {
	t *sharedtable.Table
}

// DefaultCapacity is the default number of subgraph slots, per spec §6.
const DefaultCapacity = 1 << 10

// Open opens or creates the persistent subgraph table at path.
func Open(path string, capacity int) (*Subgraph, error) {
	t, err := sharedtable.OpenOrCreate(path, "subgraph", capacity, valueSize)
	if err != nil {
		return nil, fmt.Errorf("subgraph: %w", err)
	}
	return &Subgraph{t: t}, nil
}

func (s *Subgraph) Close() error { return s.t.Close() }

// Name computes hash(concat(parents)), per spec §4.5. Purely functional.
func Name(parents ...whash.Hash) whash.Hash {
	return whash.ConcatHashes(parents...)
}

func encode(kind Kind, data whash.Hash) []byte {
	b := make([]byte, valueSize)
	b[0] = byte(kind)
	b[1] = byte(kind >> 8)
	b[2] = byte(kind >> 16)
	b[3] = byte(kind >> 24)
	copy(b[4:], data[:])
	return b
}

func decode(b []byte) (Kind, whash.Hash) {
	kind := Kind(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	var data whash.Hash
	copy(data[:], b[4:])
	return kind, data
}

// NondeterminismError is fatal per spec §7(1): the same node name was
// observed with two different (kind, data) pairs within, or across, runs.
type NondeterminismError struct {
	Name                 whash.Hash
	OldKind, NewKind      Kind
	OldData, NewData      whash.Hash
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf(
		"subgraph: nondeterminism detected at node %s: old=(%s, %s) new=(%s, %s)",
		e.Name, e.OldKind, e.OldData, e.NewKind, e.NewData)
}

// Insert installs (kind, data) under name if name is new, or verifies that
// the existing (kind, data) under name matches exactly. A mismatch is a
// NondeterminismError: "given a name, (kind, data) is unique -- any attempt
// to write a different (kind, data) under an existing name is a
// nondeterminism fault and halts the run."
func (s *Subgraph) Insert(name whash.Hash, kind Kind, data whash.Hash) error {
	s.t.Lock()
	defer s.t.Unlock()

	v, existed, ok := s.t.Lookup(name, true)
	if !ok {
		// create was true, so this cannot happen; guard anyway.
		return fmt.Errorf("subgraph: Lookup(create=true) returned !ok")
	}
	if !existed {
		copy(v, encode(kind, data))
		return nil
	}

	oldKind, oldData := decode(v)
	if oldKind != kind || oldData != data {
		return &NondeterminismError{
			Name:    name,
			OldKind: oldKind, NewKind: kind,
			OldData: oldData, NewData: data,
		}
	}
	return nil
}

// Lookup returns the (kind, data) stored under name, if any.
func (s *Subgraph) Lookup(name whash.Hash) (kind Kind, data whash.Hash, found bool) {
	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(name, false)
	if !existed {
		return 0, whash.Hash{}, false
	}
	k, d := decode(v)
	return k, d, true
}

// Node is a decoded subgraph node, as passed to Iterate's callback.
type Node struct {
	Name whash.Hash
	Kind Kind
	Data whash.Hash
}

// Iterate visits every node in the subgraph, used by the CLI `--dump`
// command.
func (s *Subgraph) Iterate(f func(Node) bool) {
	s.t.Lock()
	defer s.t.Unlock()

	s.t.Iterate(func(key whash.Hash, value []byte) bool {
		k, d := decode(value)
		return f(Node{Name: key, Kind: k, Data: d})
	})
}

// WriteData packs a Write node's payload: hash of the 2-tuple
// (path-hash, content-hash), per spec §3.
func WriteData(pathHash, contentHash whash.Hash) whash.Hash {
	return whash.ConcatHashes(pathHash, contentHash)
}
