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

// Package engine bundles the subgraph, snapshot, stat-cache, inverse
// map, and process table into a single value constructed once per run,
// per spec §9's recommendation to replace the original's file-scope
// globals with an explicit value threaded through the dispatcher. Its
// Dispatcher methods (see dispatcher.go) are the translation layer
// described in spec §4.6: every observed syscall becomes one fixed
// protocol of subgraph/snapshot/stat-cache/process-table mutations.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/waitless-dev/waitless/clock"
	"github.com/waitless-dev/waitless/config"
	"github.com/waitless-dev/waitless/inversemap"
	"github.com/waitless-dev/waitless/logger"
	"github.com/waitless-dev/waitless/metrics"
	"github.com/waitless-dev/waitless/proctable"
	"github.com/waitless-dev/waitless/snapshot"
	"github.com/waitless-dev/waitless/statcache"
	"github.com/waitless-dev/waitless/subgraph"
	"golang.org/x/sync/errgroup"
)

// Engine holds every piece of shared state one run touches.
type Engine struct {
	Config *config.Config

	Subgraph   *subgraph.Subgraph
	Snapshot   *snapshot.Snapshot
	StatCache  *statcache.StatCache
	InverseMap *inversemap.InverseMap
	ProcTable  *proctable.ProcTable
	Metrics    *metrics.Metrics
}

// Open creates the run directory if missing, opens the two persistent
// tables (subgraph, stat-cache) and the inverse map, and creates the
// two per-run tables (snapshot, process), per the external-interfaces
// layout in spec §6.
func Open(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", cfg.Dir, err)
	}

	// A child inheriting an already-open run via WAITLESS_SNAPSHOT/
	// WAITLESS_PROCESS supplies these already; a fresh top-level run
	// mints new "snapshot.<rand>"/"process.<rand>" names so concurrent
	// runs sharing Dir never collide on their per-run tables.
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(cfg.Dir, config.NewSnapshotFileName())
	}
	if cfg.ProcessTablePath == "" {
		cfg.ProcessTablePath = filepath.Join(cfg.Dir, config.NewProcessFileName())
	}

	m := metrics.New()

	sg, err := subgraph.Open(cfg.SubgraphPath(), cfg.Capacities.Subgraph)
	if err != nil {
		return nil, err
	}
	sc, err := statcache.Open(cfg.StatCachePath(), cfg.Capacities.StatCache, m)
	if err != nil {
		sg.Close()
		return nil, err
	}
	im, err := inversemap.Open(cfg.Dir)
	if err != nil {
		sg.Close()
		sc.Close()
		return nil, err
	}
	snap, err := snapshot.Open(cfg.SnapshotFilePath(), cfg.Capacities.Snapshot, sc)
	if err != nil {
		sg.Close()
		sc.Close()
		return nil, err
	}
	pt, err := proctable.Create(cfg.ProcessFilePath())
	if err != nil {
		sg.Close()
		sc.Close()
		snap.Close()
		return nil, err
	}

	if err := writeManifest(cfg); err != nil {
		sg.Close()
		sc.Close()
		snap.Close()
		pt.Close()
		return nil, fmt.Errorf("engine: writing run manifest: %w", err)
	}

	return &Engine{
		Config:     cfg,
		Subgraph:   sg,
		Snapshot:   snap,
		StatCache:  sc,
		InverseMap: im,
		ProcTable:  pt,
		Metrics:    m,
	}, nil
}

// Close unmaps every table without removing any files, for a driver
// that wants to inspect the run directory afterward (e.g. --dump).
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range []func() error{e.Subgraph.Close, e.StatCache.Close, e.Snapshot.Close, e.ProcTable.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cleanup implements the cancellation routine from spec §5: flip the
// killall gate, SIGKILL every registered descendant, run snapshot
// verification, then unlink the per-run snapshot and process-table
// files (the persistent subgraph and stat-cache survive the run).
func (e *Engine) Cleanup(selfPID int64) []string {
	victims := e.ProcTable.KillAll(selfPID)

	var g errgroup.Group
	for _, pid := range victims {
		pid := pid
		g.Go(func() error {
			if !e.ProcTable.VerifyIdentity(pid) {
				logger.Warnf("engine: pid %d was reused since registration, not signaling", pid)
				return nil
			}
			if err := syscall.Kill(int(pid), syscall.SIGKILL); err != nil {
				return nil
			}
			for _, w := range waitForDeath(clock.RealClock{}, []int64{pid}, 200*time.Millisecond) {
				logger.Warnf("%s", w)
			}
			return nil
		})
	}
	_ = g.Wait()

	warnings, err := e.Snapshot.Verify(e.InverseMap)
	if err != nil {
		logger.Errorf("engine: snapshot verify failed: %v", err)
	}
	for _, w := range warnings {
		logger.Warnf("%s", w)
	}

	e.Close()
	os.Remove(e.Snapshot.Path())
	os.Remove(e.ProcTable.Path())
	removeManifest(e.Config.Dir)
	return warnings
}

// waitForDeath polls each killed pid with gopsutil -- not our direct
// child, so we can't wait(2) it -- until deadline, reporting any that
// are still alive afterward. Cleanup is best-effort per spec §5; a
// surviving process is logged, not fatal. clk is injected so tests can
// drive the deadline without an actual wall-clock wait.
func waitForDeath(clk clock.Clock, pids []int64, deadline time.Duration) []string {
	const pollInterval = 10 * time.Millisecond
	remaining := make(map[int64]bool, len(pids))
	for _, pid := range pids {
		remaining[pid] = true
	}

	deadlineAt := clk.Now().Add(deadline)
	for len(remaining) > 0 && clk.Now().Before(deadlineAt) {
		for pid := range remaining {
			p, err := process.NewProcess(int32(pid))
			if err != nil {
				delete(remaining, pid)
				continue
			}
			if running, _ := p.IsRunning(); !running {
				delete(remaining, pid)
			}
		}
		if len(remaining) > 0 {
			<-clk.After(pollInterval)
		}
	}

	var warnings []string
	for pid := range remaining {
		warnings = append(warnings, fmt.Sprintf("engine: pid %d survived SIGKILL during cleanup", pid))
	}
	return warnings
}
