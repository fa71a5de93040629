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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_WritesRunManifest(t *testing.T) {
	e := newTestEngine(t)

	m, ok := readManifest(e.Config.Dir)
	require.True(t, ok)
	assert.Equal(t, int64(os.Getpid()), m.DriverPID)
	assert.Equal(t, e.Config.SnapshotFilePath(), m.SnapshotPath)
	assert.Equal(t, e.Config.ProcessFilePath(), m.ProcessPath)
}

func TestCleanup_RemovesManifest(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)

	e.Cleanup(1)

	_, ok := readManifest(e.Config.Dir)
	assert.False(t, ok)
}

func TestRecoverStaleRun_NoManifestIsNoop(t *testing.T) {
	RecoverStaleRun(t.TempDir())
}

// TestRecoverStaleRun_RemovesStaleFilesAndManifest hand-writes a
// manifest naming an implausible driver pid rather than going through
// a real engine.Open, so RecoverStaleRun's file cleanup can be
// exercised without risking a SIGKILL aimed at the test binary's own
// pid.
func TestRecoverStaleRun_RemovesStaleFilesAndManifest(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshot.stale")
	procPath := filepath.Join(dir, "process.stale")
	require.NoError(t, os.WriteFile(snapPath, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(procPath, []byte("x"), 0o600))

	m := manifest{DriverPID: 1 << 30, SnapshotPath: snapPath, ProcessPath: procPath}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath(dir), data, 0o600))

	RecoverStaleRun(dir)

	_, err = os.Stat(snapPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(procPath)
	assert.True(t, os.IsNotExist(err))
	_, ok := readManifest(dir)
	assert.False(t, ok)
}
