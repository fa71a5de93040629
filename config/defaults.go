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
	"os"
	"path/filepath"
)

// GetDefaultLoggingConfig returns the logging configuration to use
// before a run's own Config has been assembled, mirroring
// cfg.GetDefaultLoggingConfig.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: Info,
		Format:   "text",
	}
}

func GetDefaultCapacities() CapacitiesConfig {
	return CapacitiesConfig{
		Subgraph:     DefaultSubgraphCapacity,
		StatCache:    DefaultStatCacheCapacity,
		Snapshot:     DefaultSnapshotCapacity,
		ProcessTable: DefaultProcessTableCapacity,
	}
}

// DefaultDir returns the run directory to use when neither a flag nor
// WAITLESS_DIR supplies one, per the external-interfaces default.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".waitless")
	}
	return filepath.Join(home, ".waitless")
}
