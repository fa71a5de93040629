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

import "fmt"

func isValidSeverity(s string) bool {
	switch s {
	case Trace, Debug, Info, Warning, Error:
		return true
	default:
		return false
	}
}

func isValidFormat(f string) bool {
	return f == "text" || f == "json"
}

func isValidCapacities(c *CapacitiesConfig) error {
	if c.Subgraph <= 0 {
		return fmt.Errorf("capacities.subgraph must be positive")
	}
	if c.StatCache <= 0 {
		return fmt.Errorf("capacities.stat-cache must be positive")
	}
	if c.Snapshot <= 0 {
		return fmt.Errorf("capacities.snapshot must be positive")
	}
	if c.ProcessTable <= 0 {
		return fmt.Errorf("capacities.process-table must be positive")
	}
	return nil
}

// ValidateConfig returns a non-nil error if config is invalid.
func ValidateConfig(config *Config) error {
	if config.Dir == "" {
		return fmt.Errorf("dir must not be empty")
	}
	if config.Logging.Severity != "" && !isValidSeverity(config.Logging.Severity) {
		return fmt.Errorf("logging.severity %q is not one of TRACE, DEBUG, INFO, WARNING, ERROR", config.Logging.Severity)
	}
	if config.Logging.Format != "" && !isValidFormat(config.Logging.Format) {
		return fmt.Errorf("logging.format %q is not one of text, json", config.Logging.Format)
	}
	if err := isValidCapacities(&config.Capacities); err != nil {
		return fmt.Errorf("error parsing capacities config: %w", err)
	}
	return nil
}
