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

package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load assembles a Config from flagSet (already parsed), an optional
// --config-file, and the WAITLESS_* environment, falling back to
// defaults for anything unset, then validates the result. Precedence,
// highest first: flags, environment, config file, defaults.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	base, err := loadConfigFile(flagSet)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flagSet); err != nil {
		return nil, err
	}

	logging := base.Logging
	if v.IsSet("log-file") {
		logging.LogFile = v.GetString("log-file")
	}
	if v.IsSet("log-format") && v.GetString("log-format") != "" {
		logging.Format = v.GetString("log-format")
	}
	if v.GetBool("verbose") {
		logging.Severity = Trace
	}

	dir := v.GetString("dir")
	if dir == "" {
		dir = base.Dir
	}
	if dir == "" {
		dir = DefaultDir()
	}

	cfg := &Config{
		Dir:              dir,
		SnapshotPath:     firstNonEmpty(v.GetString("snapshot-path"), base.SnapshotPath),
		ProcessTablePath: firstNonEmpty(v.GetString("process-table-path"), base.ProcessTablePath),
		Verbose:          v.GetBool("verbose") || base.Verbose,
		Clean:            v.GetBool("clean"),
		Dump:             v.GetBool("dump"),
		Logging:          logging,
		Capacities:       GetDefaultCapacities(),
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadConfigFile reads the optional --config-file into a Config,
// mirroring the teacher's own `waitless --config-file` support: flags
// and environment still take precedence over anything set here.
func loadConfigFile(flagSet *pflag.FlagSet) (Config, error) {
	base := Config{Logging: GetDefaultLoggingConfig()}

	path, err := flagSet.GetString("config-file")
	if err != nil || path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("config: parsing config file %s: %w", path, err)
	}
	return base, nil
}
