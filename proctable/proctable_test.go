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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waitless-dev/waitless/whash"
)

func newTestTable(t *testing.T) *ProcTable {
	t.Helper()
	dir := t.TempDir()
	pt, err := Create(filepath.Join(dir, "process"))
	require.NoError(t, err)
	t.Cleanup(func() { pt.Close() })
	return pt
}

func TestNewProcess_ReturnsLockedAndFindable(t *testing.T) {
	pt := newTestTable(t)

	h, err := pt.NewProcess(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.PID())
	h.Unlock()

	found, err := pt.Find(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), found.PID())
}

func TestNewProcess_DuplicatePIDErrors(t *testing.T) {
	pt := newTestTable(t)

	h, err := pt.NewProcess(100)
	require.NoError(t, err)
	h.Unlock()

	_, err = pt.NewProcess(100)
	require.Error(t, err)
}

func TestFind_MissingPIDErrors(t *testing.T) {
	pt := newTestTable(t)
	_, err := pt.Find(999)
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestFrontier_AddAndReset(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	a := whash.OfString("a")
	b := whash.OfString("b")
	require.NoError(t, h.AddParent(a))
	require.NoError(t, h.AddParent(b))
	assert.Equal(t, []whash.Hash{a, b}, h.Frontier())

	name := whash.OfString("minted")
	h.ResetFrontier(name)
	assert.Equal(t, []whash.Hash{name}, h.Frontier())
}

func TestFrontier_OverflowIsFatal(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	for i := 0; i < MaxFrontier; i++ {
		require.NoError(t, h.AddParent(whash.OfString("x")))
	}
	err = h.AddParent(whash.OfString("overflow"))
	require.Error(t, err)
	var ff *FrontierFullError
	require.ErrorAs(t, err, &ff)
}

func TestMaster_LinkageResolvesOneHop(t *testing.T) {
	pt := newTestTable(t)

	parent, err := pt.NewProcess(1)
	require.NoError(t, err)
	parent.Unlock()

	child, err := pt.NewProcess(2)
	require.NoError(t, err)
	child.SetMaster(1)
	child.Unlock()

	master, err := pt.LockMaster(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), master.PID())
	master.Unlock()
}

func TestFD_OpenFindCloseRoundTrip(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	ph := whash.OfString("/some/path")
	require.NoError(t, h.OpenFD(3, FlagWrite, ph))

	info, ok := h.FindFD(3)
	require.True(t, ok)
	assert.Equal(t, ph, info.PathHash)
	assert.Equal(t, uint32(1), info.Count)

	require.NoError(t, h.CloseFD(3))
	_, ok = h.FindFD(3)
	assert.False(t, ok)
}

func TestFD_DupSharesEntry(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	ph := whash.OfString("/some/path")
	require.NoError(t, h.OpenFD(3, FlagPipe, ph))
	require.NoError(t, h.DupFD(3, 4))

	info3, ok3 := h.FindFD(3)
	info4, ok4 := h.FindFD(4)
	require.True(t, ok3)
	require.True(t, ok4)
	assert.Equal(t, info3.PathHash, info4.PathHash)
	assert.EqualValues(t, 2, info3.Count)
}

func TestFD_InvalidFDRejected(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	err = h.OpenFD(MaxFDs, 0, whash.OfString("p"))
	require.Error(t, err)
	var ie *InvalidFDError
	require.ErrorAs(t, err, &ie)
}

func TestCloneFDsFrom_CopiesParentTable(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.NewProcess(1)
	require.NoError(t, err)
	ph := whash.OfString("/path")
	require.NoError(t, parent.OpenFD(5, FlagWrite, ph))

	child, err := pt.NewProcess(2)
	require.NoError(t, err)
	child.CloneFDsFrom(parent)
	parent.Unlock()
	defer child.Unlock()

	info, ok := child.FindFD(5)
	require.True(t, ok)
	assert.Equal(t, ph, info.PathHash)
}

func TestHasOpenPipe_DetectsPipeFD(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	assert.False(t, h.HasOpenPipe())
	require.NoError(t, h.OpenFD(3, FlagPipe, whash.OfString("p")))
	assert.True(t, h.HasOpenPipe())
}

func TestDropCloexecFDs_ZeroesOnlyFlaggedEntries(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	require.NoError(t, h.OpenFD(3, FlagWrite|FlagCloexec, whash.OfString("a")))
	require.NoError(t, h.OpenFD(4, FlagWrite, whash.OfString("b")))

	h.DropCloexecFDs()

	_, ok3 := h.FindFD(3)
	assert.False(t, ok3)
	_, ok4 := h.FindFD(4)
	assert.True(t, ok4)
}

func TestFlags_RoundTrips(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	defer h.Unlock()

	assert.Equal(t, uint32(0), h.Flags())
	h.SetFlags(FlagObjectEscape)
	assert.Equal(t, FlagObjectEscape, h.Flags())
}

func TestLockSelfAndMaster_UnlinkedCollapsesToOneHandle(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	h.Unlock()

	self, master, err := pt.LockSelfAndMaster(1)
	require.NoError(t, err)
	assert.Same(t, self, master)
	UnlockSelfAndMaster(self, master)
}

func TestLockSelfAndMaster_LinkedLocksBoth(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.NewProcess(1)
	require.NoError(t, err)
	parent.Unlock()

	child, err := pt.NewProcess(2)
	require.NoError(t, err)
	child.SetMaster(1)
	child.Unlock()

	self, master, err := pt.LockSelfAndMaster(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), self.PID())
	assert.Equal(t, int64(1), master.PID())
	UnlockSelfAndMaster(self, master)
}

func TestKillAll_BlocksFurtherRegistration(t *testing.T) {
	pt := newTestTable(t)
	h, err := pt.NewProcess(1)
	require.NoError(t, err)
	h.Unlock()

	pids := pt.KillAll(1)
	assert.Empty(t, pids)

	_, err = pt.NewProcess(2)
	require.Error(t, err)
	var ke *KilledError
	require.ErrorAs(t, err, &ke)
}
