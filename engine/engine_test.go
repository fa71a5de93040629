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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waitless-dev/waitless/config"
)

func newTestConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	return &config.Config{
		Dir: dir,
		Capacities: config.CapacitiesConfig{
			Subgraph:     64,
			StatCache:    64,
			Snapshot:     64,
			ProcessTable: 8,
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := newTestConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func registerProcess(t *testing.T, e *Engine, pid int64) {
	t.Helper()
	h, err := e.ProcTable.NewProcess(pid)
	require.NoError(t, err)
	h.Unlock()
}

func TestOpen_CreatesRunDirectoryLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	cfg := newTestConfig(t, dir)

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	for _, p := range []string{cfg.SubgraphPath(), cfg.StatCachePath(), cfg.SnapshotFilePath(), cfg.ProcessFilePath()} {
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr, p)
	}
}

func TestCleanup_RemovesPerRunFilesOnly(t *testing.T) {
	e := newTestEngine(t)
	registerProcess(t, e, 1)

	warnings := e.Cleanup(1)
	assert.Empty(t, warnings)

	_, err := os.Stat(e.Config.SnapshotFilePath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(e.Config.ProcessFilePath())
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(e.Config.SubgraphPath())
	assert.NoError(t, err, "persistent subgraph must survive cleanup")
}
