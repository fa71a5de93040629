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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waitless-dev/waitless/config"
	"github.com/waitless-dev/waitless/subgraph"
	"github.com/waitless-dev/waitless/whash"
)

func TestLStat_ReportsExistence(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)
	dir := t.TempDir()

	exists, err := e.LStat(1, dir, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	exists, err = e.LStat(1, dir, path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLStat_RecordsActionDuration(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)

	_, err := e.LStat(1, t.TempDir(), "missing")
	require.NoError(t, err)

	families, err := e.Metrics.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if fam.GetName() != "waitless_dispatcher_action_duration_seconds" {
			continue
		}
		for _, mm := range fam.GetMetric() {
			for _, l := range mm.GetLabel() {
				if l.GetName() == "action" && l.GetValue() == "lstat" {
					found = true
					assert.Equal(t, uint64(1), mm.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	assert.True(t, found, "expected an lstat sample in waitless_dispatcher_action_duration_seconds")
}

// Scenario 1: read then write the same file is fatal.
func TestOpenRead_ThenOpenWrite_SamePathIsFatal(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	_, err := e.OpenRead(1, dir, path, 3)
	require.NoError(t, err)
	require.NoError(t, e.CloseRead(1, 3))

	err = e.OpenWrite(1, dir, path, 4)
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

// Scenario 2: write then read the same file (across processes) yields
// exactly one Write node and one Read node.
func TestWriteThenRead_ProducesOneWriteAndOneReadNode(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	registerProcess(t, e, 1)
	require.NoError(t, e.OpenWrite(1, dir, path, 3))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("x\n")
	require.NoError(t, err)
	require.NoError(t, e.CloseWrite(1, 3, f))
	require.NoError(t, f.Close())

	require.NoError(t, e.Fork(1, 2))
	exists, err := e.OpenRead(2, dir, path, 3)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, e.CloseRead(2, 3))

	var writes, reads int
	e.Subgraph.Iterate(func(n subgraph.Node) bool {
		switch n.Kind {
		case subgraph.Write:
			writes++
		case subgraph.Read:
			reads++
		}
		return false
	})
	assert.Equal(t, 1, writes)
	assert.Equal(t, 1, reads)
}

// Scenario 3: two runs with identical commands produce identical
// subgraph (name, kind, data) sets.
func runOnceForDeterminismCheck(t *testing.T, cfg *config.Config, dir, path, missing string) map[string]string {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)

	registerProcess(t, e, 1)
	_, err = e.LStat(1, dir, missing)
	require.NoError(t, err)

	require.NoError(t, e.OpenWrite(1, dir, path, 3))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("hi\n")
	require.NoError(t, err)
	require.NoError(t, e.CloseWrite(1, 3, f))
	require.NoError(t, f.Close())

	out := map[string]string{}
	e.Subgraph.Iterate(func(n subgraph.Node) bool {
		out[n.Name.String()] = fmt.Sprintf("%s:%s", n.Kind, n.Data)
		return false
	})

	e.Cleanup(1)
	return out
}

func TestTwoIdenticalRuns_ProduceIdenticalSubgraphs(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "f")
	missing := filepath.Join(workDir, "missing")
	cfg := newTestConfig(t, t.TempDir())

	first := runOnceForDeterminismCheck(t, cfg, workDir, path, missing)
	second := runOnceForDeterminismCheck(t, cfg, workDir, path, missing)
	assert.Equal(t, first, second)
}

// Scenario 5: fork without pipes produces a Fork node whose two
// branches diverge via Zero (child) vs AllOnes (parent).
func TestFork_UnlinkedSeedsChildWithForkNameAndZero(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)

	require.NoError(t, e.Fork(1, 2))

	parent, err := e.ProcTable.Find(1)
	require.NoError(t, err)
	parent.Lock()
	parentFrontier := parent.Frontier()
	parent.Unlock()
	require.Len(t, parentFrontier, 2)
	forkName := parentFrontier[0]
	assert.True(t, parentFrontier[1].IsAllOnes())

	child, err := e.ProcTable.Find(2)
	require.NoError(t, err)
	child.Lock()
	childFrontier := child.Frontier()
	child.Unlock()
	assert.Equal(t, []whash.Hash{forkName, whash.Zero}, childFrontier)
}

func TestFork_LinkedChildSharesParentsMaster(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)

	parent, err := e.ProcTable.Find(1)
	require.NoError(t, err)
	parent.Lock()
	require.NoError(t, parent.OpenFD(3, 0x10000000 /* proctable.FlagPipe */, whash.OfString("pipe")))
	parent.Unlock()

	require.NoError(t, e.Fork(1, 2))

	child, err := e.ProcTable.Find(2)
	require.NoError(t, err)
	child.Lock()
	master := child.Master()
	child.Unlock()
	assert.Equal(t, int64(1), master)
}

// Scenario 6: nondeterminism detection -- the same frontier producing
// two different (kind, data) pairs is fatal.
func TestMintNode_ConflictingDataUnderSameFrontierIsFatal(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)
	registerProcess(t, e, 2)

	seed := whash.OfString("seed")

	p1, err := e.ProcTable.Find(1)
	require.NoError(t, err)
	p1.Lock()
	require.NoError(t, p1.SeedFrontier(seed))
	_, err = e.mintNode(p1, subgraph.Read, whash.OfString("v1"))
	p1.Unlock()
	require.NoError(t, err)

	p2, err := e.ProcTable.Find(2)
	require.NoError(t, err)
	p2.Lock()
	require.NoError(t, p2.SeedFrontier(seed))
	_, err = e.mintNode(p2, subgraph.Read, whash.OfString("v2"))
	p2.Unlock()
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)

	families, gatherErr := e.Metrics.Registry.Gather()
	require.NoError(t, gatherErr)
	var found bool
	for _, fam := range families {
		if fam.GetName() == "waitless_subgraph_nondeterminism_faults_total" {
			found = true
			assert.Equal(t, 1.0, fam.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected waitless_subgraph_nondeterminism_faults_total family")
}
