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

// Package snapshot implements the per-run file-state table described in
// spec §4.3: what this run has observed, so far, about each path -- the
// {stat, read, written, writing} flags plus a content hash -- so the
// dispatcher can tell a clobbering write from a benign re-read and a
// concurrent writer-vs-reader race from ordinary reuse. It is reset
// (recreated) once per run.
package snapshot

import (
	"fmt"

	"github.com/waitless-dev/waitless/inversemap"
	"github.com/waitless-dev/waitless/sharedtable"
	"github.com/waitless-dev/waitless/statcache"
	"github.com/waitless-dev/waitless/whash"
)

// Flags are the four independent booleans carried per path, packed into
// the low bits of the entry's flag byte. The stat flag is orthogonal to
// the others and may be set from the initial state; once read or stat is
// set, a write is refused.
type Flags uint8

const (
	Stat Flags = 1 << iota
	Read
	Written
	Writing
)

func (f Flags) Stat() bool    { return f&Stat != 0 }
func (f Flags) Read() bool    { return f&Read != 0 }
func (f Flags) Written() bool { return f&Written != 0 }
func (f Flags) Writing() bool { return f&Writing != 0 }

// value layout: 1 byte flags + 32 bytes content hash.
const valueSize = 1 + whash.Size

// DefaultCapacity is the default number of snapshot slots for one run,
// per spec §6.
const DefaultCapacity = 1 << 15

// Snapshot wraps a sharedtable.Table scoped to a single run, plus the
// cross-run stat-cache it consults to compute content hashes.
type Snapshot struct {
	t  *sharedtable.Table
	sc *statcache.StatCache
}

// Open creates the per-run snapshot table at path. Per spec §4.3 the
// table is exclusive to one run, so it is always freshly created, never
// reused from a prior run's leftovers.
func Open(path string, capacity int, sc *statcache.StatCache) (*Snapshot, error) {
	t, err := sharedtable.Create(path, "snapshot", capacity, valueSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{t: t, sc: sc}, nil
}

// Close unmaps the table. Callers are responsible for removing the
// backing file at run end.
func (s *Snapshot) Close() error { return s.t.Close() }

// Path returns the backing file's path, so the engine can unlink it once
// the run completes.
func (s *Snapshot) Path() string { return s.t.Path() }

func decode(b []byte) (Flags, whash.Hash) {
	var h whash.Hash
	copy(h[:], b[1:])
	return Flags(b[0]), h
}

func setHash(b []byte, h whash.Hash) { copy(b[1:], h[:]) }
func setFlags(b []byte, f Flags)     { b[0] = byte(f) }

// ExistenceConflictError is fatal: this run observed a path to both
// exist and not exist.
type ExistenceConflictError struct {
	PathHash whash.Hash
}

func (e *ExistenceConflictError) Error() string {
	return fmt.Sprintf("snapshot: path %s: existence disagreement within one run", e.PathHash)
}

// ContentConflictError is fatal: this run observed two different real
// content hashes for the same path -- the file changed during the run.
type ContentConflictError struct {
	PathHash         whash.Hash
	OldHash, NewHash whash.Hash
}

func (e *ContentConflictError) Error() string {
	return fmt.Sprintf("snapshot: path %s: content changed from %s to %s during the run", e.PathHash, e.OldHash, e.NewHash)
}

// reconcile applies spec §4.3's update transition table to a pair of
// content hashes already known to differ.
func reconcile(cur, next whash.Hash) (whash.Hash, error) {
	if cur.IsZero() != next.IsZero() {
		return whash.Hash{}, &ExistenceConflictError{}
	}
	if cur.IsAllOnes() && !next.IsAllOnes() {
		return next, nil // promote
	}
	if !cur.IsAllOnes() && next.IsAllOnes() {
		return cur, nil // keep: existence-only observation never downgrades
	}
	return whash.Hash{}, &ContentConflictError{OldHash: cur, NewHash: next}
}

// reconcileHash writes contentHash into v (an entry already looked up
// under s.t's lock for pathHash), reconciling it against whatever hash
// v already held if existed is true.
func reconcileHash(v []byte, pathHash whash.Hash, existed bool, contentHash whash.Hash) (whash.Hash, error) {
	if !existed {
		setHash(v, contentHash)
		return contentHash, nil
	}

	_, cur := decode(v)
	if cur == contentHash {
		return cur, nil
	}
	resolved, err := reconcile(cur, contentHash)
	if err != nil {
		switch e := err.(type) {
		case *ExistenceConflictError:
			e.PathHash = pathHash
		case *ContentConflictError:
			e.PathHash = pathHash
		}
		return whash.Hash{}, err
	}
	setHash(v, resolved)
	return resolved, nil
}

// Update computes path's content hash via the stat-cache (hashing the
// file when doHash is true and its contents are unknown or stale;
// otherwise whash.Zero if nonexistent or whash.AllOnes for an
// existence-only observation), then reconciles it against any value
// already recorded for pathHash this run.
func (s *Snapshot) Update(path string, pathHash whash.Hash, doHash bool) (whash.Hash, error) {
	contentHash, err := s.sc.Update(path, pathHash, doHash)
	if err != nil {
		return whash.Hash{}, err
	}

	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(pathHash, true)
	return reconcileHash(v, pathHash, existed, contentHash)
}

// UpdateAndMark performs Update's content-hash computation and a
// snapshot-flag transition as a single atomic critical section: per
// spec §4.3, the lock is intentionally held across both the hash
// update and the flag check/set, so a concurrent OpenWrite on the same
// path can't be ordered between them. The stored hash is reconciled
// first, and an error from that reconciliation is returned as is. If
// failIfWriting is true and the path is currently mid-write, it then
// returns *WriteConflictError instead of setting mark; otherwise mark
// is OR'd into the path's stored flags before the lock releases.
func (s *Snapshot) UpdateAndMark(path string, pathHash whash.Hash, doHash bool, failIfWriting bool, mark Flags) (whash.Hash, error) {
	contentHash, err := s.sc.Update(path, pathHash, doHash)
	if err != nil {
		return whash.Hash{}, err
	}

	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(pathHash, true)
	curFlags, _ := decode(v)
	resolved, err := reconcileHash(v, pathHash, existed, contentHash)
	if err != nil {
		return whash.Hash{}, err
	}
	if failIfWriting && curFlags.Writing() {
		return whash.Hash{}, &WriteConflictError{PathHash: pathHash, Flags: curFlags}
	}
	setFlags(v, curFlags|mark)
	return resolved, nil
}

// Flags returns the flags currently recorded for pathHash.
func (s *Snapshot) Flags(pathHash whash.Hash) (Flags, bool) {
	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(pathHash, false)
	if !existed {
		return 0, false
	}
	f, _ := decode(v)
	return f, true
}

func (s *Snapshot) setFlag(pathHash whash.Hash, bit Flags) {
	s.t.Lock()
	defer s.t.Unlock()
	v, _, _ := s.t.Lookup(pathHash, true)
	f, _ := decode(v)
	setFlags(v, f|bit)
}

// MarkRead records that pathHash has been read.
func (s *Snapshot) MarkRead(pathHash whash.Hash) { s.setFlag(pathHash, Read) }

// WriteConflictError is fatal: open_write observed that pathHash has
// already been read, stat'd, written, or is currently being written.
type WriteConflictError struct {
	PathHash whash.Hash
	Flags    Flags
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("snapshot: can't write path %s: conflicting flags %04b already set", e.PathHash, e.Flags)
}

// OpenWrite marks pathHash as having a write in flight. It is fatal if
// any of {read, stat, written, writing} was already set for this path,
// per spec §4.3's writer-exclusion rule.
func (s *Snapshot) OpenWrite(pathHash whash.Hash) error {
	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(pathHash, true)
	if existed {
		f, _ := decode(v)
		if f&(Read|Stat|Written|Writing) != 0 {
			return &WriteConflictError{PathHash: pathHash, Flags: f}
		}
	}
	f, _ := decode(v)
	setFlags(v, f|Writing)
	return nil
}

// CloseWrite records the result of a write begun with OpenWrite: the
// resulting content hash becomes known-good, and the writing flag
// clears in favor of written.
func (s *Snapshot) CloseWrite(pathHash whash.Hash, contentHash whash.Hash) error {
	s.t.Lock()
	defer s.t.Unlock()

	v, existed, _ := s.t.Lookup(pathHash, false)
	if !existed {
		return fmt.Errorf("snapshot: CloseWrite(%s) without a matching OpenWrite", pathHash)
	}
	f, _ := decode(v)
	setHash(v, contentHash)
	setFlags(v, (f&^Writing)|Written)
	return nil
}

// UnterminatedWriteError is fatal: Verify found a path left in the
// writing state at run end, meaning a close_write was never observed
// for a matching open_write.
type UnterminatedWriteError struct {
	PathHash whash.Hash
}

func (e *UnterminatedWriteError) Error() string {
	return fmt.Sprintf("snapshot: path %s: write never closed by run end", e.PathHash)
}

// Verify is called once at the end of a run. It is fatal if any path was
// left in the writing state. For every other path, it recomputes the
// content hash via the stat-cache (recovering the path string from im)
// and returns a warning string, rather than failing the run, if the hash
// no longer matches: per spec §4.3, this only detects a file touched by
// something outside the run's own process tree.
func (s *Snapshot) Verify(im *inversemap.InverseMap) ([]string, error) {
	type observed struct {
		pathHash whash.Hash
		hash     whash.Hash
	}
	var toCheck []observed
	var unterminated *UnterminatedWriteError

	s.t.Lock()
	s.t.Iterate(func(key whash.Hash, value []byte) bool {
		f, h := decode(value)
		if f.Writing() {
			unterminated = &UnterminatedWriteError{PathHash: key}
			return true
		}
		toCheck = append(toCheck, observed{pathHash: key, hash: h})
		return false
	})
	s.t.Unlock()

	if unterminated != nil {
		return nil, unterminated
	}

	var warnings []string
	for _, o := range toCheck {
		if o.hash.IsZero() || o.hash.IsAllOnes() {
			continue
		}
		path, err := im.LookupString(o.pathHash)
		if err != nil {
			continue
		}
		fresh, err := s.sc.Update(path, o.pathHash, true)
		if err != nil {
			continue
		}
		if fresh != o.hash {
			warnings = append(warnings, fmt.Sprintf("snapshot: %s changed during the run (from %s to %s)", path, o.hash, fresh))
		}
	}
	return warnings, nil
}
