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

// Package proctable implements the shared-memory process table described
// in spec §4.7: one slot per process taking part in the current run,
// holding that process's pending parent frontier, its pipe-master
// linkage, and a map of its open file descriptors. It is mapped by every
// process in the run's tree, so every field is guarded by a per-slot
// spinlock (see shmlock) rather than a language-level mutex.
package proctable

import (
	"fmt"
	"os"

	"github.com/waitless-dev/waitless/shmlock"
	"github.com/waitless-dev/waitless/whash"
	"golang.org/x/sys/unix"
)

const (
	// MaxProcesses bounds the number of processes one run can track
	// concurrently, mirroring the original implementation's fixed
	// MAX_PIDS process table.
	MaxProcesses = 256

	// MaxFDs mirrors the original implementation's MAX_FDS: file
	// descriptor numbers at or above this are rejected outright.
	MaxFDs = 256

	// MaxFrontier bounds the pending parent frontier kept per process.
	// The original C implementation fixed this at 2 (just enough for a
	// pipe-linked pair); this implementation generalizes it to 8 to
	// tolerate a process accumulating several independent actions
	// before any of them is folded into a subgraph node. See DESIGN.md
	// for why this is a deliberate widening rather than an invariant.
	MaxFrontier = 8
)

const (
	lockSize        = 4
	fdEntrySize     = 4 + 4 + whash.Size // count, flags, path hash
	slotFDSectionSz = MaxFDs * fdEntrySize
	slotSize        = 8 /*pid*/ + lockSize + 8 /*master*/ + 4 /*processFlags*/ + 4 /*numParents*/ + MaxFrontier*whash.Size + slotFDSectionSz
	headerSize      = lockSize + 8 // table lock + killall flag, padded
)

// Per-process flag bits, set from argv[0] and argv at exec time. These
// drive the ".o"-file lstat escape hatch described in spec §4.6.
const (
	FlagObjectEscape uint32 = 1 << 0
)

// fd_info flag bits, mirroring fd_map.h.
const (
	FlagPipe    = 1 << 28 // WO_PIPE
	FlagFopen   = 1 << 29 // WO_FOPEN
	FlagWrite   = 1 << 0  // O_WRONLY, kept distinct from the syscall flag space
	FlagCloexec = 1 << 30 // consolidates the original's separate per-fd cloexec array into the flags word
)

// ProcTable is the shared-memory process table for one run.
type ProcTable struct {
	f    *os.File
	data []byte

	// identity is in-process-only bookkeeping, absent from the mmap'd
	// region other processes in the run also map; see registry.go.
	identity *identityRegistry
}

// Create makes a fresh, empty process table file at path and maps it.
func Create(path string) (*ProcTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("proctable: create %s: %w", path, err)
	}
	size := int64(headerSize + MaxProcesses*slotSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("proctable: truncate %s: %w", path, err)
	}
	return mapFile(f)
}

// Open maps an existing process table file, created previously by a
// sibling process in the same run via Create.
func Open(path string) (*ProcTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("proctable: open %s: %w", path, err)
	}
	return mapFile(f)
}

func mapFile(f *os.File) (*ProcTable, error) {
	size := headerSize + MaxProcesses*slotSize
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("proctable: mmap: %w", err)
	}
	return &ProcTable{f: f, data: data, identity: newIdentityRegistry()}, nil
}

// Close unmaps the table. Callers remove the backing file at run end.
func (pt *ProcTable) Close() error {
	if err := unix.Munmap(pt.data); err != nil {
		return fmt.Errorf("proctable: munmap: %w", err)
	}
	return pt.f.Close()
}

// Path returns the backing file's path.
func (pt *ProcTable) Path() string { return pt.f.Name() }

func (pt *ProcTable) headerLock() *shmlock.Spinlock {
	return shmlock.At(pt.data[0:lockSize])
}

func (pt *ProcTable) killed() bool {
	return pt.data[lockSize] != 0
}

func (pt *ProcTable) setKilled() {
	pt.data[lockSize] = 1
}

func (pt *ProcTable) slot(i int) []byte {
	off := headerSize + i*slotSize
	return pt.data[off : off+slotSize]
}

func pidOf(slot []byte) int64     { return int64(leUint64(slot[0:8])) }
func setPid(slot []byte, pid int64) { putLeUint64(slot[0:8], uint64(pid)) }

func lockOf(slot []byte) *shmlock.Spinlock { return shmlock.At(slot[8 : 8+lockSize]) }

func masterOf(slot []byte) int64 { return int64(leUint64(slot[8+lockSize : 16+lockSize])) }
func setMaster(slot []byte, pid int64) {
	putLeUint64(slot[8+lockSize:16+lockSize], uint64(pid))
}

func processFlagsOff() int { return 16 + lockSize }
func processFlagsOf(slot []byte) uint32 {
	return leUint32(slot[processFlagsOff() : processFlagsOff()+4])
}
func setProcessFlags(slot []byte, f uint32) {
	putLeUint32(slot[processFlagsOff():processFlagsOff()+4], f)
}

func numParentsOff() int { return processFlagsOff() + 4 }
func numParents(slot []byte) int {
	return int(leUint32(slot[numParentsOff() : numParentsOff()+4]))
}
func setNumParents(slot []byte, n int) {
	putLeUint32(slot[numParentsOff():numParentsOff()+4], uint32(n))
}

func parentsOff() int { return numParentsOff() + 4 }
func parentAt(slot []byte, i int) whash.Hash {
	off := parentsOff() + i*whash.Size
	var h whash.Hash
	copy(h[:], slot[off:off+whash.Size])
	return h
}
func setParentAt(slot []byte, i int, h whash.Hash) {
	off := parentsOff() + i*whash.Size
	copy(slot[off:off+whash.Size], h[:])
}

func fdSectionOff() int { return parentsOff() + MaxFrontier*whash.Size }
func fdEntry(slot []byte, fd int) []byte {
	off := fdSectionOff() + fd*fdEntrySize
	return slot[off : off+fdEntrySize]
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
func putLeUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// Handle is a locked or lockable reference to one process's slot.
type Handle struct {
	pt  *ProcTable
	idx int
}

// PID returns the OS process ID this handle refers to.
func (h *Handle) PID() int64 { return pidOf(h.pt.slot(h.idx)) }

// Lock takes this process's per-slot spinlock.
func (h *Handle) Lock() { lockOf(h.pt.slot(h.idx)).Lock() }

// Unlock releases this process's per-slot spinlock.
func (h *Handle) Unlock() { lockOf(h.pt.slot(h.idx)).Unlock() }

// TooManyProcessesError is fatal: the run spawned more concurrent
// processes than MaxProcesses.
type TooManyProcessesError struct{}

func (e *TooManyProcessesError) Error() string {
	return fmt.Sprintf("proctable: more than %d processes in one run", MaxProcesses)
}

// KilledError is returned by NewProcess once the table has been marked
// for teardown (see KillAll): no further processes may register.
type KilledError struct{}

func (e *KilledError) Error() string { return "proctable: table is being torn down" }

// NewProcess claims a fresh slot for pid and returns it locked: the
// caller must Unlock once done with initialization, mirroring the
// "entry is returned locked" contract of the process this is grounded
// on.
func (pt *ProcTable) NewProcess(pid int64) (*Handle, error) {
	lk := pt.headerLock()
	lk.Lock()
	defer lk.Unlock()

	if pt.killed() {
		return nil, &KilledError{}
	}

	for i := 0; i < MaxProcesses; i++ {
		s := pt.slot(i)
		if pidOf(s) == pid {
			return nil, fmt.Errorf("proctable: entry for pid %d already exists", pid)
		}
	}
	for i := 0; i < MaxProcesses; i++ {
		s := pt.slot(i)
		if pidOf(s) == 0 {
			setPid(s, pid)
			pt.identity.remember(pid)
			h := &Handle{pt: pt, idx: i}
			h.Lock()
			return h, nil
		}
	}
	return nil, &TooManyProcessesError{}
}

// VerifyIdentity reports whether pid is still the same OS process it
// was when it registered via NewProcess, per spec §5's requirement
// that the cancellation routine not signal a pid the kernel has since
// recycled for something else. Forgets pid's fingerprint either way,
// since a pid is only ever re-verified once, immediately before
// signaling.
func (pt *ProcTable) VerifyIdentity(pid int64) bool {
	return pt.identity.verifyAndForget(pid)
}

// NotFoundError is returned by Find when no slot exists for a pid.
type NotFoundError struct{ PID int64 }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("proctable: no entry for pid %d", e.PID)
}

// Find locates the existing slot for pid without locking it.
func (pt *ProcTable) Find(pid int64) (*Handle, error) {
	for i := 0; i < MaxProcesses; i++ {
		if pidOf(pt.slot(i)) == pid {
			return &Handle{pt: pt, idx: i}, nil
		}
	}
	return nil, &NotFoundError{PID: pid}
}

// SetMaster records that this process's subgraph actions should be
// folded into masterPid's frontier instead of its own (pipe linkage).
// Must be called while h is locked.
func (h *Handle) SetMaster(masterPID int64) {
	setMaster(h.pt.slot(h.idx), masterPID)
}

// Master returns the pid this process is linked to, or 0 if it is its
// own master. Must be called while h is locked.
func (h *Handle) Master() int64 {
	return masterOf(h.pt.slot(h.idx))
}

// LockMaster resolves pid to its master process (itself, if unlinked)
// and returns that process locked. This mirrors lock_master_process:
// resolution is a single hop, never a chain.
func (pt *ProcTable) LockMaster(pid int64) (*Handle, error) {
	self, err := pt.Find(pid)
	if err != nil {
		return nil, err
	}
	self.Lock()
	master := self.Master()
	self.Unlock()

	if master == 0 {
		h, err := pt.Find(pid)
		if err != nil {
			return nil, err
		}
		h.Lock()
		return h, nil
	}
	h, err := pt.Find(master)
	if err != nil {
		return nil, fmt.Errorf("proctable: pid %d linked to missing master %d: %w", pid, master, err)
	}
	h.Lock()
	return h, nil
}

// Flags returns this process's per-exec flag bits. Must be called
// while h is locked.
func (h *Handle) Flags() uint32 { return processFlagsOf(h.pt.slot(h.idx)) }

// SetFlags overwrites this process's per-exec flag bits, set from
// argv[0]/argv at exec time. Must be called while h is locked.
func (h *Handle) SetFlags(f uint32) { setProcessFlags(h.pt.slot(h.idx), f) }

// LockSelfAndMaster locks pid's own slot and, if pid is pipe-linked to
// a different master, that master's slot too -- always self first,
// then master, per spec §5's lock-ordering rule for preventing
// inversion. If pid is its own master, master == self and is locked
// only once.
func (pt *ProcTable) LockSelfAndMaster(pid int64) (self, master *Handle, err error) {
	self, err = pt.Find(pid)
	if err != nil {
		return nil, nil, err
	}
	self.Lock()

	masterPid := self.Master()
	if masterPid == 0 {
		return self, self, nil
	}
	master, err = pt.Find(masterPid)
	if err != nil {
		self.Unlock()
		return nil, nil, fmt.Errorf("proctable: pid %d linked to missing master %d: %w", pid, masterPid, err)
	}
	master.Lock()
	return self, master, nil
}

// UnlockSelfAndMaster releases the locks taken by LockSelfAndMaster, in
// reverse order.
func UnlockSelfAndMaster(self, master *Handle) {
	if master != self {
		master.Unlock()
	}
	self.Unlock()
}

// FrontierFullError is fatal: a process tried to accumulate more
// pending parent hashes than MaxFrontier allows before any action
// folded them into a subgraph node.
type FrontierFullError struct{ PID int64 }

func (e *FrontierFullError) Error() string {
	return fmt.Sprintf("proctable: pid %d exceeded MaxFrontier=%d pending parents", e.PID, MaxFrontier)
}

// Frontier returns the process's current pending parent hashes. Must be
// called while h is locked.
func (h *Handle) Frontier() []whash.Hash {
	s := h.pt.slot(h.idx)
	n := numParents(s)
	out := make([]whash.Hash, n)
	for i := 0; i < n; i++ {
		out[i] = parentAt(s, i)
	}
	return out
}

// AddParent appends a new pending parent hash to the frontier. Must be
// called while h is locked.
func (h *Handle) AddParent(parent whash.Hash) error {
	s := h.pt.slot(h.idx)
	n := numParents(s)
	if n == MaxFrontier {
		return &FrontierFullError{PID: pidOf(s)}
	}
	setParentAt(s, n, parent)
	setNumParents(s, n+1)
	return nil
}

// ResetFrontier replaces the pending parent frontier with a single
// hash: the name of the node just minted from the prior frontier. This
// is the "replace the frontier with the new node's name" half of the
// mint-node protocol described in spec §4.6.
func (h *Handle) ResetFrontier(name whash.Hash) {
	s := h.pt.slot(h.idx)
	setParentAt(s, 0, name)
	setNumParents(s, 1)
}

// SeedFrontier initializes a freshly-created process's frontier, used
// when forking an unlinked child: it inherits the fork node's name plus
// a whash.Zero sentinel, per spec §4.6's fork semantics.
func (h *Handle) SeedFrontier(parents ...whash.Hash) error {
	if len(parents) > MaxFrontier {
		return &FrontierFullError{PID: pidOf(h.pt.slot(h.idx))}
	}
	s := h.pt.slot(h.idx)
	for i, p := range parents {
		setParentAt(s, i, p)
	}
	setNumParents(s, len(parents))
	return nil
}

// InvalidFDError is fatal: a file descriptor number fell outside
// [0, MaxFDs), mirroring the original's check_fd.
type InvalidFDError struct{ FD int }

func (e *InvalidFDError) Error() string {
	return fmt.Sprintf("proctable: invalid fd %d", e.FD)
}

func checkFD(fd int) error {
	if fd < 0 || fd >= MaxFDs {
		return &InvalidFDError{FD: fd}
	}
	return nil
}

// OpenFD records that fd was opened against pathHash with the given
// flags. Must be called while h is locked.
func (h *Handle) OpenFD(fd int, flags uint32, pathHash whash.Hash) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	e := fdEntry(h.pt.slot(h.idx), fd)
	if leUint32(e[0:4]) != 0 {
		return fmt.Errorf("proctable: fd %d is already open", fd)
	}
	putLeUint32(e[0:4], 1)
	putLeUint32(e[4:8], flags)
	copy(e[8:8+whash.Size], pathHash[:])
	return nil
}

// FDInfo is a decoded file-descriptor table entry.
type FDInfo struct {
	Count    uint32
	Flags    uint32
	PathHash whash.Hash
}

// FindFD returns the info for fd, or ok=false if it is not open. Must be
// called while h is locked.
func (h *Handle) FindFD(fd int) (FDInfo, bool) {
	if checkFD(fd) != nil {
		return FDInfo{}, false
	}
	e := fdEntry(h.pt.slot(h.idx), fd)
	count := leUint32(e[0:4])
	if count == 0 {
		return FDInfo{}, false
	}
	var ph whash.Hash
	copy(ph[:], e[8:8+whash.Size])
	return FDInfo{Count: count, Flags: leUint32(e[4:8]), PathHash: ph}, true
}

// DupFD records fd2 as a dup of fd, bumping the shared entry's use
// count. A no-op if fd is not open. Must be called while h is locked.
func (h *Handle) DupFD(fd, fd2 int) error {
	if fd == fd2 {
		return nil
	}
	if err := checkFD(fd); err != nil {
		return err
	}
	if err := checkFD(fd2); err != nil {
		return err
	}
	s := h.pt.slot(h.idx)
	src := fdEntry(s, fd)
	if leUint32(src[0:4]) == 0 {
		return nil
	}
	dst := fdEntry(s, fd2)
	if leUint32(dst[0:4]) != 0 {
		return fmt.Errorf("proctable: dup2(%d, %d): %d is already open", fd, fd2, fd2)
	}
	copy(dst, src)
	putLeUint32(src[0:4], leUint32(src[0:4])+1)
	putLeUint32(dst[0:4], leUint32(dst[0:4])+1)
	return nil
}

// CloseFD drops fd. A no-op if it is not open. Must be called while h
// is locked.
func (h *Handle) CloseFD(fd int) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	e := fdEntry(h.pt.slot(h.idx), fd)
	count := leUint32(e[0:4])
	if count == 0 {
		return nil
	}
	if count == 1 {
		for i := range e {
			e[i] = 0
		}
	} else {
		putLeUint32(e[0:4], count-1)
	}
	return nil
}

// HasOpenPipe reports whether any open fd carries FlagPipe -- the
// `linked` test at fork time. Must be called while h is locked.
func (h *Handle) HasOpenPipe() bool {
	s := h.pt.slot(h.idx)
	for fd := 0; fd < MaxFDs; fd++ {
		e := fdEntry(s, fd)
		if leUint32(e[0:4]) != 0 && leUint32(e[4:8])&FlagPipe != 0 {
			return true
		}
	}
	return false
}

// DropCloexecFDs zeroes every fd entry carrying FlagCloexec. Called on
// a fork child right after CloneFDsFrom, per spec §4.6. Must be called
// while h is locked.
func (h *Handle) DropCloexecFDs() {
	s := h.pt.slot(h.idx)
	for fd := 0; fd < MaxFDs; fd++ {
		e := fdEntry(s, fd)
		if leUint32(e[0:4]) != 0 && leUint32(e[4:8])&FlagCloexec != 0 {
			for i := range e {
				e[i] = 0
			}
		}
	}
}

// CloneFDsFrom copies the complete fd table from parent into h, used
// right after a fork to give the child the same view of open
// descriptors as its parent at the moment of the call, per spec §4.6.
// Both handles must already be locked by the caller.
func (h *Handle) CloneFDsFrom(parent *Handle) {
	dst := h.pt.slot(h.idx)
	src := parent.pt.slot(parent.idx)
	copy(dst[fdSectionOff():], src[fdSectionOff():])
}

// KillAll marks the table as torn down (blocking further NewProcess
// calls) and returns the pids of every still-registered process other
// than self, for the caller to signal.
func (pt *ProcTable) KillAll(self int64) []int64 {
	lk := pt.headerLock()
	lk.Lock()
	pt.setKilled()
	lk.Unlock()

	var pids []int64
	for i := 0; i < MaxProcesses; i++ {
		pid := pidOf(pt.slot(i))
		if pid != 0 && pid != self {
			pids = append(pids, pid)
		}
	}
	return pids
}
