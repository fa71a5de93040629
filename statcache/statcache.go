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

// Package statcache implements the cross-run memoization of
// (path-hash -> content-hash) described in spec §4.4. It is the component
// that lets an unchanged source file avoid being re-hashed on every run.
package statcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/waitless-dev/waitless/metrics"
	"github.com/waitless-dev/waitless/sharedtable"
	"github.com/waitless-dev/waitless/whash"
	"golang.org/x/crypto/blake2b"
)

// value layout: ino(8) + mtimeSec(8) + mtimeNsec(8) + size(8) + hash(32) = 64 bytes.
const valueSize = 8 + 8 + 8 + 8 + whash.Size

// DefaultCapacity is the default number of stat-cache slots, per spec §6.
const DefaultCapacity = 1 << 15

// StatCache wraps a sharedtable.Table whose values are stat-cache entries.
type StatCache struct {
	t *sharedtable.Table
	m *metrics.Metrics
}

// Open opens or creates the persistent stat-cache table at path. m
// records each Update/UpdateFD lookup as a hit, miss, or stale entry
// via m.StatCacheLookups.
func Open(path string, capacity int, m *metrics.Metrics) (*StatCache, error) {
	t, err := sharedtable.OpenOrCreate(path, "stat_cache", capacity, valueSize)
	if err != nil {
		return nil, fmt.Errorf("statcache: %w", err)
	}
	return &StatCache{t: t, m: m}, nil
}

func (c *StatCache) Close() error { return c.t.Close() }

// recordLookup counts one Update/UpdateFD lookup under result (one of
// metrics.StatCacheHit/Miss/Stale).
func (c *StatCache) recordLookup(result string) {
	c.m.StatCacheLookups.WithLabelValues(result).Inc()
}

type entry struct {
	ino         uint64
	mtimeSec    int64
	mtimeNsec   int64
	size        int64
	contentHash whash.Hash
}

func decode(b []byte) entry {
	return entry{
		ino:       binary.LittleEndian.Uint64(b[0:8]),
		mtimeSec:  int64(binary.LittleEndian.Uint64(b[8:16])),
		mtimeNsec: int64(binary.LittleEndian.Uint64(b[16:24])),
		size:      int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func write(b []byte, e entry) {
	binary.LittleEndian.PutUint64(b[0:8], e.ino)
	binary.LittleEndian.PutUint64(b[8:16], uint64(e.mtimeSec))
	binary.LittleEndian.PutUint64(b[16:24], uint64(e.mtimeNsec))
	binary.LittleEndian.PutUint64(b[24:32], uint64(e.size))
	copy(b[32:], e.contentHash[:])
}

func readContentHash(b []byte) whash.Hash {
	var h whash.Hash
	copy(h[:], b[32:])
	return h
}

func statOf(fi os.FileInfo) entry {
	st := fi.Sys().(*syscall.Stat_t)
	return entry{
		ino:       st.Ino,
		mtimeSec:  int64(st.Mtim.Sec),
		mtimeNsec: int64(st.Mtim.Nsec),
		size:      fi.Size(),
	}
}

func hashFile(path string) (whash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return whash.Hash{}, err
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (whash.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return whash.Hash{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return whash.Hash{}, err
	}
	var out whash.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Update lstats path, and returns its content hash. It returns whash.Zero
// if the path does not exist (ENOENT/ENOTDIR). Otherwise, under the cache
// lock, it looks up the entry for pathHash; if missing, or any of
// (mtime, size, inode) differ from the cached entry, or doHash is true and
// the stored hash is whash.AllOnes, it refreshes the stat fields and either
// hashes the file (doHash) or stores whash.AllOnes.
//
// Per spec §4.4, the cache lock is held for the full duration of hashing:
// a pragmatic choice that bounds correctness over throughput.
func (c *StatCache) Update(path string, pathHash whash.Hash, doHash bool) (whash.Hash, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return whash.Zero, nil
		}
		return whash.Hash{}, fmt.Errorf("statcache: lstat %s: %w", path, err)
	}
	fresh := statOf(fi)

	c.t.Lock()
	defer c.t.Unlock()

	v, existed, _ := c.t.Lookup(pathHash, true)
	if !existed {
		c.recordLookup(metrics.StatCacheMiss)
		fresh.contentHash = whash.AllOnes
		if doHash {
			h, err := hashFile(path)
			if err != nil {
				return whash.Hash{}, fmt.Errorf("statcache: hash %s: %w", path, err)
			}
			fresh.contentHash = h
		}
		write(v, fresh)
		return fresh.contentHash, nil
	}

	cur := decode(v)
	cur.contentHash = readContentHash(v)
	stale := cur.ino != fresh.ino || cur.mtimeSec != fresh.mtimeSec ||
		cur.mtimeNsec != fresh.mtimeNsec || cur.size != fresh.size
	needHash := doHash && cur.contentHash.IsAllOnes()

	if !stale && !needHash {
		c.recordLookup(metrics.StatCacheHit)
		return cur.contentHash, nil
	}
	c.recordLookup(metrics.StatCacheStale)

	fresh.contentHash = whash.AllOnes
	if doHash {
		h, err := hashFile(path)
		if err != nil {
			return whash.Hash{}, fmt.Errorf("statcache: hash %s: %w", path, err)
		}
		fresh.contentHash = h
	} else if !stale {
		// Only the "need hash" condition triggered and we were not asked to
		// hash: keep the existing AllOnes marker unless the caller wants a
		// real hash.
		fresh.contentHash = cur.contentHash
	}
	write(v, fresh)
	return fresh.contentHash, nil
}

// UpdateFD fstats the already-open descriptor fd and, if its metadata is
// stale relative to the cached entry (or the stored hash is not yet
// known), seeks fd to 0 and hashes through it. Used at close-write to hash
// newly produced files without a second open, per spec §4.4.
func (c *StatCache) UpdateFD(f *os.File, pathHash whash.Hash) (whash.Hash, error) {
	fi, err := f.Stat()
	if err != nil {
		return whash.Hash{}, fmt.Errorf("statcache: fstat: %w", err)
	}
	fresh := statOf(fi)

	c.t.Lock()
	defer c.t.Unlock()

	v, existed, _ := c.t.Lookup(pathHash, true)
	if existed {
		cur := decode(v)
		cur.contentHash = readContentHash(v)
		if cur.ino == fresh.ino && cur.mtimeSec == fresh.mtimeSec &&
			cur.mtimeNsec == fresh.mtimeNsec && cur.size == fresh.size &&
			!cur.contentHash.IsAllOnes() {
			c.recordLookup(metrics.StatCacheHit)
			return cur.contentHash, nil
		}
	}
	if existed {
		c.recordLookup(metrics.StatCacheStale)
	} else {
		c.recordLookup(metrics.StatCacheMiss)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return whash.Hash{}, fmt.Errorf("statcache: seek: %w", err)
	}
	h, err := hashReader(f)
	if err != nil {
		return whash.Hash{}, fmt.Errorf("statcache: hash fd: %w", err)
	}
	fresh.contentHash = h
	write(v, fresh)
	return h, nil
}
