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

// Package inversemap implements the content-addressed preimage store
// described in spec §4.2: a map from hash(p) back to p, analogous to the
// object store under .git, used to recover human-readable paths and
// debug information from the hashes recorded in the subgraph. Entries are
// written exactly once per hash value (content-addressing guarantees a
// second writer of the same hash would write the same bytes), so a
// concurrent O_CREAT|O_EXCL race is resolved by treating EEXIST as
// success rather than as a conflict.
package inversemap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/waitless-dev/waitless/whash"
)

// InverseMap is a directory-backed, content-addressed blob store.
type InverseMap struct {
	dir string // <run-dir>/inverse
}

// Open returns an InverseMap rooted at filepath.Join(runDir, "inverse"),
// creating the root directory if necessary.
func Open(runDir string) (*InverseMap, error) {
	dir := filepath.Join(runDir, "inverse")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("inversemap: mkdir %s: %w", dir, err)
	}
	return &InverseMap{dir: dir}, nil
}

// pathFor returns <dir>/<first-byte-hex>/<full-hex>, sharding entries two
// hex digits deep so that a single directory never holds more than 256
// fan-out's worth of siblings.
func (m *InverseMap) pathFor(h whash.Hash) (shard, full string) {
	hexName := hex.EncodeToString(h[:])
	shard = filepath.Join(m.dir, hexName[:2])
	full = filepath.Join(shard, hexName)
	return shard, full
}

// Remember writes data under key hash.Of(data) (the caller is expected to
// have computed h as exactly that, per spec §4.2; Remember does not
// recompute it). If an entry already exists for h, Remember is a no-op:
// content-addressing guarantees it already holds the same bytes.
func (m *InverseMap) Remember(h whash.Hash, data []byte) error {
	shard, full := m.pathFor(h)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if mkErr := os.MkdirAll(shard, 0o755); mkErr != nil {
				return fmt.Errorf("inversemap: mkdir %s: %w", shard, mkErr)
			}
			f, err = os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				if errors.Is(err, os.ErrExist) {
					return nil
				}
				return fmt.Errorf("inversemap: create %s: %w", full, err)
			}
		} else {
			return fmt.Errorf("inversemap: create %s: %w", full, err)
		}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("inversemap: write %s: %w", full, err)
	}
	return nil
}

// RememberString is Remember for a string preimage, e.g. a path.
func (m *InverseMap) RememberString(h whash.Hash, s string) error {
	return m.Remember(h, []byte(s))
}

// Lookup returns the preimage stored under h, or an error satisfying
// os.IsNotExist if none has been recorded.
func (m *InverseMap) Lookup(h whash.Hash) ([]byte, error) {
	_, full := m.pathFor(h)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("inversemap: read %s: %w", full, err)
	}
	return data, nil
}

// LookupString is Lookup for a string preimage.
func (m *InverseMap) LookupString(h whash.Hash) (string, error) {
	data, err := m.Lookup(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
