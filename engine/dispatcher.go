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

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/waitless-dev/waitless/logger"
	"github.com/waitless-dev/waitless/pathutil"
	"github.com/waitless-dev/waitless/proctable"
	"github.com/waitless-dev/waitless/snapshot"
	"github.com/waitless-dev/waitless/subgraph"
	"github.com/waitless-dev/waitless/whash"
)

// timeAction starts an ActionDuration observation for the named action;
// the caller defers the returned func at the top of each dispatcher
// entry point so every exit path (including early returns on error) is
// timed.
func (e *Engine) timeAction(action string) func() {
	timer := prometheus.NewTimer(e.Metrics.ActionDuration.WithLabelValues(action))
	return func() { timer.ObserveDuration() }
}

// mintNode performs the "mint a new node, which consumes the current
// frontier and replaces it with the new node's name" half of the
// protocol shared by every action in spec §4.6. P must already be
// locked.
func (e *Engine) mintNode(p *proctable.Handle, kind subgraph.Kind, data whash.Hash) (whash.Hash, error) {
	name := subgraph.Name(p.Frontier()...)
	if err := e.Subgraph.Insert(name, kind, data); err != nil {
		return whash.Hash{}, e.fatal(err)
	}
	p.ResetFrontier(name)
	e.Metrics.SubgraphInserts.WithLabelValues(kind.String()).Inc()
	return name, nil
}

// rememberPath hashes path and records the mapping in the inverse map
// so Snapshot.Verify can recover it later.
func (e *Engine) rememberPath(path string) whash.Hash {
	h := whash.OfString(path)
	if err := e.InverseMap.RememberString(h, path); err != nil {
		logger.Warnf("engine: remembering path %q: %v", path, err)
	}
	return h
}

func isObjectFile(path string) bool {
	return strings.HasSuffix(path, ".o")
}

// detectObjectEscapeFlag inspects argv the way the original's
// exec-time argv[0]-basename check does: an assembler, or a compiler
// invoked with -c, both pre-stat their own `.o` output before writing
// it, which would otherwise deadlock the read-before-write ordering.
func detectObjectEscapeFlag(argv []string) uint32 {
	if len(argv) == 0 {
		return 0
	}
	base := filepath.Base(argv[0])
	switch {
	case base == "as":
		return proctable.FlagObjectEscape
	case strings.Contains(base, "cc") || strings.Contains(base, "gcc") || strings.Contains(base, "clang"):
		for _, a := range argv[1:] {
			if a == "-c" {
				return proctable.FlagObjectEscape
			}
		}
	}
	return 0
}

// LStat implements spec §4.6's lstat(path) protocol. It returns
// whether path exists.
func (e *Engine) LStat(pid int64, cwd, path string) (bool, error) {
	defer e.timeAction("lstat")()

	self, err := e.ProcTable.Find(pid)
	if err != nil {
		return false, err
	}
	self.Lock()
	escape := self.Flags()&proctable.FlagObjectEscape != 0
	self.Unlock()

	canonical := pathutil.Canonicalize(cwd, path)
	if escape && isObjectFile(canonical) {
		return false, nil
	}
	pathHash := e.rememberPath(canonical)

	p, err := e.ProcTable.LockMaster(pid)
	if err != nil {
		return false, err
	}
	defer p.Unlock()

	if _, err := e.mintNode(p, subgraph.Stat, pathHash); err != nil {
		return false, err
	}
	existsHash, err := e.Snapshot.UpdateAndMark(canonical, pathHash, false, false, snapshot.Stat)
	if err != nil {
		return false, e.fatal(err)
	}
	if err := p.AddParent(existsHash); err != nil {
		return false, e.fatal(err)
	}
	return !existsHash.IsZero(), nil
}

// ProtocolViolationError is fatal per spec §7(2): an action observed
// an illegal state transition for a path or file descriptor.
type ProtocolViolationError struct {
	Msg string
}

func (e *ProtocolViolationError) Error() string { return "engine: protocol violation: " + e.Msg }

// OpenRead implements spec §4.6's open_read(path, path_hash) protocol.
// fd is the real descriptor number the intercepted open() returned,
// recorded in the calling process's own fd table. It returns whether
// path exists.
func (e *Engine) OpenRead(pid int64, cwd, path string, fd int) (bool, error) {
	defer e.timeAction("open_read")()

	canonical := pathutil.Canonicalize(cwd, path)
	pathHash := e.rememberPath(canonical)

	p, err := e.ProcTable.LockMaster(pid)
	if err != nil {
		return false, err
	}
	defer p.Unlock()

	if _, err := e.mintNode(p, subgraph.Read, pathHash); err != nil {
		return false, err
	}
	contentHash, err := e.Snapshot.UpdateAndMark(canonical, pathHash, true, true, snapshot.Read)
	if err != nil {
		var wc *snapshot.WriteConflictError
		if errors.As(err, &wc) {
			return false, e.fatal(&ProtocolViolationError{Msg: "open_read on a path currently being written"})
		}
		return false, e.fatal(err)
	}
	if err := p.AddParent(contentHash); err != nil {
		return false, e.fatal(err)
	}

	self, err := e.ProcTable.Find(pid)
	if err != nil {
		return false, err
	}
	self.Lock()
	openErr := self.OpenFD(fd, 0, pathHash)
	self.Unlock()
	if openErr != nil {
		return false, e.fatal(openErr)
	}
	return !contentHash.IsZero(), nil
}

// CloseRead implements spec §4.6's close_read(fd): a deliberate no-op
// beyond fd bookkeeping, per §9's recorded Open Question -- the
// dependency was already pinned at open_read.
func (e *Engine) CloseRead(pid int64, fd int) error {
	defer e.timeAction("close_read")()

	self, err := e.ProcTable.Find(pid)
	if err != nil {
		return err
	}
	self.Lock()
	defer self.Unlock()
	return self.CloseFD(fd)
}

// OpenWrite implements spec §4.6's open_write(path, path_hash)
// protocol: fatal if path has already been read, stat'd, written, or
// is currently being written this run.
func (e *Engine) OpenWrite(pid int64, cwd, path string, fd int) error {
	defer e.timeAction("open_write")()

	canonical := pathutil.Canonicalize(cwd, path)
	pathHash := e.rememberPath(canonical)

	if err := e.Snapshot.OpenWrite(pathHash); err != nil {
		e.Metrics.WriteConflicts.Inc()
		return e.fatal(err)
	}

	self, err := e.ProcTable.Find(pid)
	if err != nil {
		return err
	}
	self.Lock()
	defer self.Unlock()
	if err := self.OpenFD(fd, proctable.FlagWrite, pathHash); err != nil {
		return e.fatal(err)
	}
	return nil
}

// CloseWrite implements spec §4.6's close_write(fd) protocol: hash the
// finished file through the stat-cache via the still-open descriptor,
// record the result in the snapshot, and insert the Write node.
func (e *Engine) CloseWrite(pid int64, fd int, f *os.File) error {
	defer e.timeAction("close_write")()

	self, err := e.ProcTable.Find(pid)
	if err != nil {
		return err
	}
	self.Lock()
	info, ok := self.FindFD(fd)
	if ok {
		err = self.CloseFD(fd)
	}
	self.Unlock()
	if !ok {
		return e.fatal(&ProtocolViolationError{Msg: "close_write on an fd with no matching open_write"})
	}
	if err != nil {
		return e.fatal(err)
	}
	pathHash := info.PathHash

	contentHash, err := e.StatCache.UpdateFD(f, pathHash)
	if err != nil {
		return e.fatal(err)
	}
	if err := e.Snapshot.CloseWrite(pathHash, contentHash); err != nil {
		return e.fatal(err)
	}

	p, err := e.ProcTable.LockMaster(pid)
	if err != nil {
		return err
	}
	defer p.Unlock()

	writeData := subgraph.WriteData(pathHash, contentHash)
	_, err = e.mintNode(p, subgraph.Write, writeData)
	return err
}

// Fork implements spec §4.6's fork protocol: a Fork node is always
// inserted with data=Zero (see §9's recorded Open Question on the
// original's degenerate both-branches-Zero behavior); the child/parent
// distinction is carried entirely by how each side's frontier is
// extended afterward.
func (e *Engine) Fork(parentPID, childPID int64) error {
	defer e.timeAction("fork")()

	self, master, err := e.ProcTable.LockSelfAndMaster(parentPID)
	if err != nil {
		return err
	}
	defer proctable.UnlockSelfAndMaster(self, master)

	linked := self.HasOpenPipe()

	forkName, err := e.mintNode(master, subgraph.Fork, whash.Zero)
	if err != nil {
		return err
	}

	child, err := e.ProcTable.NewProcess(childPID)
	if err != nil {
		return e.fatal(err)
	}
	defer child.Unlock()

	if linked {
		child.SetMaster(master.PID())
	} else {
		if err := child.SeedFrontier(forkName, whash.Zero); err != nil {
			return e.fatal(err)
		}
	}

	child.CloneFDsFrom(self)
	child.DropCloexecFDs()

	if !linked {
		if err := master.AddParent(whash.AllOnes); err != nil {
			return e.fatal(err)
		}
	}
	return nil
}

// Exec implements spec §4.6's execve(path, argv, envp) protocol.
func (e *Engine) Exec(pid int64, path string, argv, envp []string, cwd string) error {
	defer e.timeAction("exec")()

	self, master, err := e.ProcTable.LockSelfAndMaster(pid)
	if err != nil {
		return err
	}
	defer proctable.UnlockSelfAndMaster(self, master)

	linked := master != self

	blob := packExecBlob(path, argv, envp, cwd, linked)
	execHash := whash.Of(blob)
	if err := e.InverseMap.Remember(execHash, blob); err != nil {
		logger.Warnf("engine: remembering exec blob: %v", err)
	}

	if _, err := e.mintNode(master, subgraph.Exec, execHash); err != nil {
		return err
	}

	programHash, err := e.Snapshot.UpdateAndMark(path, whash.OfString(path), true, true, snapshot.Read)
	if err != nil {
		var wc *snapshot.WriteConflictError
		if errors.As(err, &wc) {
			return e.fatal(&ProtocolViolationError{Msg: "execve against a path currently being written"})
		}
		return e.fatal(err)
	}

	if !linked {
		if err := master.SeedFrontier(execHash, programHash); err != nil {
			return e.fatal(err)
		}
	}

	self.SetFlags(detectObjectEscapeFlag(argv))
	return nil
}

// Exit implements spec §4.6's exit(status) protocol: every still-open
// fd is closed through the regular close path (so a pending write's
// hash gets recorded), then an Exit node is inserted with the status
// packed into its data.
func (e *Engine) Exit(pid int64, status int, openFiles map[int]*os.File) error {
	defer e.timeAction("exit")()

	for fd, f := range openFiles {
		info, ok := func() (proctable.FDInfo, bool) {
			self, err := e.ProcTable.Find(pid)
			if err != nil {
				return proctable.FDInfo{}, false
			}
			self.Lock()
			defer self.Unlock()
			return self.FindFD(fd)
		}()
		if !ok {
			continue
		}
		if info.Flags&proctable.FlagWrite != 0 {
			if err := e.CloseWrite(pid, fd, f); err != nil {
				return err
			}
		} else if err := e.CloseRead(pid, fd); err != nil {
			return err
		}
	}

	p, err := e.ProcTable.LockMaster(pid)
	if err != nil {
		return err
	}
	defer p.Unlock()

	_, err = e.mintNode(p, subgraph.Exit, whash.PackStatus(status))
	if err != nil {
		return err
	}
	e.Metrics.ProcessesTracked.Inc()
	return nil
}
