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

// Package metrics exposes the counters and histograms that matter for
// a run: how many nodes the subgraph grew to, how often the stat-cache
// paid for a full re-hash, and how often a run was killed for a
// nondeterminism fault. Everything registers against a private
// registry rather than the global one, so a test run's counters never
// leak into another's.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "waitless"

// Metrics bundles every counter/histogram one run cares about, all
// registered together against a single *prometheus.Registry.
type Metrics struct {
	Registry *prometheus.Registry

	SubgraphInserts      *prometheus.CounterVec
	NondeterminismFaults prometheus.Counter
	StatCacheLookups     *prometheus.CounterVec
	ProcessesTracked     prometheus.Counter
	WriteConflicts       prometheus.Counter
	ActionDuration       *prometheus.HistogramVec
}

// New builds a fresh Metrics bundle registered against its own
// registry, following the teacher's pattern of constructing a
// CounterVec/Registry pair and calling MustRegister rather than
// reaching for the global promauto defaults.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SubgraphInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "inserts_total",
			Help:      "Nodes inserted into the subgraph, by action kind.",
		}, []string{"kind"}),
		NondeterminismFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "nondeterminism_faults_total",
			Help:      "Fatal nondeterminism faults detected: a name claimed two different (kind, data) pairs.",
		}),
		StatCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stat_cache",
			Name:      "lookups_total",
			Help:      "Stat-cache lookups, partitioned by whether the cached hash could be reused.",
		}, []string{"result"}),
		ProcessesTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process_table",
			Name:      "processes_total",
			Help:      "Processes registered in the process table over the run's lifetime.",
		}),
		WriteConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "write_conflicts_total",
			Help:      "Fatal write conflicts: a path was opened for write after being read, stat'd, or already written this run.",
		}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "action_duration_seconds",
			Help:      "Time spent handling one dispatched action, by action kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.SubgraphInserts,
		m.NondeterminismFaults,
		m.StatCacheLookups,
		m.ProcessesTracked,
		m.WriteConflicts,
		m.ActionDuration,
	)
	return m
}

// StatCache lookup result labels, for StatCacheLookups.
const (
	StatCacheHit   = "hit"
	StatCacheMiss  = "miss"
	StatCacheStale = "stale"
)
