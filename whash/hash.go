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

// Package whash implements the single cryptographic leaf that every other
// waitless component builds on: a fixed-width, 256-bit collision-resistant
// hash value with two reserved sentinels.
package whash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the width in bytes of a Hash. The design assumes 256-bit
// collision resistance; blake2b-256 is the concrete primitive.
const Size = 32

// Hash is a fixed-width content hash. The zero value is Zero.
type Hash [Size]byte

// Zero denotes "the nonexistent file" or "child side of a fork".
var Zero = Hash{}

// AllOnes denotes "exists but contents not yet pinned" or "parent side of
// a fork".
var AllOnes = func() Hash {
	var h Hash
	for i := range h {
		h[i] = 0xff
	}
	return h
}()

// IsZero reports whether h is the reserved Zero sentinel.
func (h Hash) IsZero() bool { return h == Zero }

// IsAllOnes reports whether h is the reserved AllOnes sentinel.
func (h Hash) IsAllOnes() bool { return h == AllOnes }

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Of hashes a single byte slice.
func Of(b []byte) Hash {
	return blake2b.Sum256(b)
}

// OfString hashes a string without an intermediate allocation beyond the
// conversion itself.
func OfString(s string) Hash {
	return Of([]byte(s))
}

// Concat hashes the concatenation of parts in order. Used by subgraph.Name,
// where a node's name is the hash of the concatenation of its parent names.
func Concat(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we never pass
		// one; a failure here means the stdlib/blake2b contract changed.
		panic(fmt.Sprintf("whash: blake2b.New256: %v", err))
	}
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash.Write never returns an error
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ConcatHashes hashes the concatenation of a list of hashes, in order. This
// is subgraph.Name's exact operation: hash(concat(parents)).
func ConcatHashes(hashes ...Hash) Hash {
	parts := make([][]byte, len(hashes))
	for i, hh := range hashes {
		b := hh
		parts[i] = b[:]
	}
	return Concat(parts...)
}

// PackStatus packs a low-byte process exit status into a hash-sized value,
// per spec: "status code packed into a hash-sized value (low byte carries
// status)".
func PackStatus(status int) Hash {
	var h Hash
	h[0] = byte(status)
	return h
}

// UnpackStatus extracts the low-byte status packed by PackStatus.
func UnpackStatus(h Hash) int {
	return int(h[0])
}

// PackUint32 packs a little-endian uint32 into the low 4 bytes of a hash;
// the remaining bytes are zero.
func PackUint32(v uint32) Hash {
	var h Hash
	binary.LittleEndian.PutUint32(h[:4], v)
	return h
}

// FromBytes copies b (which must be exactly Size bytes) into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("whash: FromBytes: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}
