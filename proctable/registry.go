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

package proctable

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"github.com/shirou/gopsutil/v3/process"
)

// identityRegistry is in-process-only bookkeeping, never written to the
// mmap'd shared table: it remembers the OS start-time fingerprint each
// locally-registered pid had at NewProcess time, so a caller about to
// SIGKILL a pid read out of the table can refuse if the kernel has
// since recycled that number for an unrelated process. Guarded the way
// the file and directory inodes this package is grounded on guard
// their own mutable state: a mutex paired with a checkInvariants
// callback that panics on corrupt state instead of silently
// continuing.
type identityRegistry struct {
	Mu syncutil.InvariantMutex

	// GUARDED_BY(Mu)
	fingerprints map[int64]string
}

func newIdentityRegistry() *identityRegistry {
	r := &identityRegistry{fingerprints: make(map[int64]string)}
	r.Mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *identityRegistry) checkInvariants() {
	for pid, fp := range r.fingerprints {
		if pid <= 0 {
			panic(fmt.Sprintf("proctable: identity registry holds non-positive pid %d", pid))
		}
		if fp == "" {
			panic(fmt.Sprintf("proctable: identity registry has empty fingerprint for pid %d", pid))
		}
	}
}

// fingerprintOf returns pid's process start time, which the kernel
// does not reuse for a different process sharing the same pid number.
// Returns "" if the pid can't currently be inspected.
func fingerprintOf(pid int64) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	ct, err := p.CreateTime()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d", ct)
}

// remember records pid's current start-time fingerprint. Called once
// at registration time, while the pid is known-fresh because NewProcess
// just claimed its slot.
func (r *identityRegistry) remember(pid int64) {
	fp := fingerprintOf(pid)
	if fp == "" {
		return
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.fingerprints[pid] = fp
}

// verifyAndForget reports whether pid is still the same OS process it
// was at registration time -- not merely alive, but not a reused pid
// number wearing a different process -- and drops its bookkeeping
// either way. Meant to be called immediately before signaling a
// registered descendant, the way a process scanner double-checks
// before acting on a cached pid.
func (r *identityRegistry) verifyAndForget(pid int64) bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	want, ok := r.fingerprints[pid]
	delete(r.fingerprints, pid)
	if !ok {
		return true
	}
	return fingerprintOf(pid) == want
}
