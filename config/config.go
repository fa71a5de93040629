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

// Package config defines waitless's Config struct and the flag/env
// wiring that populates it, following the same pflag+viper pattern as
// the mount tool this project descends from: flags are bound to viper
// keys, and WAITLESS_-prefixed environment variables -- the same ones
// libwaitless.so reads directly -- override unset flags.
package config

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Run directory table names, per the external-interfaces layout: every
// path below is relative to Config.Dir unless already absolute.
const (
	DefaultSubgraphFile     = "subgraph"
	DefaultStatCacheFile    = "stat_cache"
	DefaultSnapshotFile     = "snapshot"
	DefaultProcessTableFile = "process"
)

// Default table capacities, per the external-interfaces layout.
const (
	DefaultSubgraphCapacity     = 1 << 10
	DefaultStatCacheCapacity    = 1 << 15
	DefaultSnapshotCapacity     = 1 << 15
	DefaultProcessTableCapacity = 256
)

// Logging severities, mirroring logger's own level set.
const (
	Trace   string = "TRACE"
	Debug   string = "DEBUG"
	Info    string = "INFO"
	Warning string = "WARNING"
	Error   string = "ERROR"
)

// Config holds everything a waitless run needs, assembled from CLI
// flags, WAITLESS_* environment variables, and defaults, in that order
// of precedence.
type Config struct {
	// Dir is the run directory holding the subgraph, stat-cache,
	// snapshot, and process tables, plus the inverse map. Corresponds
	// to WAITLESS_DIR.
	Dir string `yaml:"dir"`

	// SnapshotPath and ProcessTablePath override the default locations
	// derived from Dir, matching WAITLESS_SNAPSHOT and WAITLESS_PROCESS:
	// the original lets a child process inherit an already-open run's
	// paths directly, without re-deriving them from Dir.
	SnapshotPath     string `yaml:"snapshot-path"`
	ProcessTablePath string `yaml:"process-table-path"`

	Verbose bool `yaml:"verbose"`
	Clean   bool `yaml:"clean"`
	Dump    bool `yaml:"dump"`

	Logging    LoggingConfig    `yaml:"logging"`
	Capacities CapacitiesConfig `yaml:"capacities"`
}

type LoggingConfig struct {
	Severity string `yaml:"severity"`
	// LogFile, if set, is rotated with lumberjack and written to
	// asynchronously; otherwise logs go to stderr.
	LogFile string `yaml:"log-file"`
	Format  string `yaml:"format"`
}

type CapacitiesConfig struct {
	Subgraph     int `yaml:"subgraph"`
	StatCache    int `yaml:"stat-cache"`
	Snapshot     int `yaml:"snapshot"`
	ProcessTable int `yaml:"process-table"`
}

// SubgraphPath, StatCachePath, SnapshotFilePath, ProcessFilePath return the paths of
// the run's tables, honoring the SnapshotPath/ProcessTablePath
// overrides where set.
func (c *Config) SubgraphPath() string  { return filepath.Join(c.Dir, DefaultSubgraphFile) }
func (c *Config) StatCachePath() string { return filepath.Join(c.Dir, DefaultStatCacheFile) }

func (c *Config) SnapshotFilePath() string {
	if c.SnapshotPath != "" {
		return c.SnapshotPath
	}
	return filepath.Join(c.Dir, DefaultSnapshotFile)
}

func (c *Config) ProcessFilePath() string {
	if c.ProcessTablePath != "" {
		return c.ProcessTablePath
	}
	return filepath.Join(c.Dir, DefaultProcessTableFile)
}

// NewSnapshotFileName and NewProcessFileName generate the per-run
// "snapshot.<rand>" / "process.<rand>" filenames named in the
// external-interfaces layout, so that two runs sharing the same Dir
// never collide on their per-run tables.
func NewSnapshotFileName() string { return DefaultSnapshotFile + "." + uuid.NewString() }
func NewProcessFileName() string  { return DefaultProcessTableFile + "." + uuid.NewString() }

// BindFlags registers waitless's flags on flagSet and binds each to its
// viper key, following cfg.BindFlags's pattern of one StringP/BoolP/
// IntP call per setting plus an error-checked viper.BindPFlag.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("config-file", "", "", "Path to a YAML config file providing defaults below flags and environment.")

	flagSet.BoolP("clean", "c", false, "Remove the run directory and exit.")
	if err = viper.BindPFlag("clean", flagSet.Lookup("clean")); err != nil {
		return err
	}

	flagSet.BoolP("verbose", "v", false, "Log at TRACE severity.")
	if err = viper.BindPFlag("verbose", flagSet.Lookup("verbose")); err != nil {
		return err
	}

	flagSet.BoolP("dump", "d", false, "Dump the subgraph built by the run instead of executing anything.")
	if err = viper.BindPFlag("dump", flagSet.Lookup("dump")); err != nil {
		return err
	}

	flagSet.StringP("dir", "", "", "Run directory holding the subgraph, stat-cache, snapshot, and process tables.")
	if err = viper.BindPFlag("dir", flagSet.Lookup("dir")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file, rotated with lumberjack. Defaults to stderr.")
	if err = viper.BindPFlag("logging.log-file", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log encoding: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	return nil
}

// BindEnv wires the WAITLESS_-prefixed environment variables that
// libwaitless.so also reads directly, so a waitless-launched child
// inherits the same run context without re-deriving it.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("WAITLESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"dir":                "DIR",
		"snapshot-path":      "SNAPSHOT",
		"process-table-path": "PROCESS",
		"verbose":            "VERBOSE",
	} {
		if err := v.BindEnv(key, "WAITLESS_"+env); err != nil {
			return err
		}
	}
	return nil
}
