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
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/waitless-dev/waitless/config"
)

// manifest is the small per-run record that survives a driver crash:
// enough for a later `waitless --clean` to find and discard a stale
// run's per-run files without disturbing the persistent subgraph and
// stat-cache, which live at fixed, well-known paths under Dir and need
// no manifest entry of their own.
type manifest struct {
	DriverPID    int64  `json:"driver_pid"`
	SnapshotPath string `json:"snapshot_path"`
	ProcessPath  string `json:"process_path"`
}

func manifestPath(dir string) string { return filepath.Join(dir, "run.json") }

// writeManifest atomically replaces run.json, so a reader never
// observes a half-written manifest -- the live-mapped snapshot and
// process tables themselves are never renamed this way, since they
// must stay at a stable path for the lifetime of the mapping.
func writeManifest(cfg *config.Config) error {
	m := manifest{
		DriverPID:    int64(os.Getpid()),
		SnapshotPath: cfg.SnapshotFilePath(),
		ProcessPath:  cfg.ProcessFilePath(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(manifestPath(cfg.Dir), data, 0o600)
}

func readManifest(dir string) (manifest, bool) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return manifest{}, false
	}
	var m manifest
	if json.Unmarshal(data, &m) != nil {
		return manifest{}, false
	}
	return m, true
}

func removeManifest(dir string) {
	os.Remove(manifestPath(dir))
}

// RecoverStaleRun inspects dir for a run.json left behind by a driver
// that exited without running Cleanup (killed by SIGKILL, or crashed
// outright): if the recorded driver pid is still alive, it is killed
// so the killall gate it would otherwise still be holding open gets
// torn down, then the per-run snapshot/process-table files it named
// are unlinked. A no-op if no manifest is present. Meant to run ahead
// of `waitless --clean`, before the run directory itself is removed.
func RecoverStaleRun(dir string) {
	m, ok := readManifest(dir)
	if !ok {
		return
	}
	if err := syscall.Kill(int(m.DriverPID), 0); err == nil {
		_ = syscall.Kill(int(m.DriverPID), syscall.SIGKILL)
	}
	if m.SnapshotPath != "" {
		os.Remove(m.SnapshotPath)
	}
	if m.ProcessPath != "" {
		os.Remove(m.ProcessPath)
	}
	removeManifest(dir)
}
