// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/waitless-dev/waitless/config"
)

var rootCmd = &cobra.Command{
	Use:   "waitless [flags] -- cmd [args...]",
	Short: "Run a command tree under observation and record its dependency graph",
	Long: `waitless runs an arbitrary command tree under observation. It records
a content-addressed dependency graph of every file read, file write, stat,
fork, exec, and exit performed by every descendant process, so that a future
run of the same command against an unchanged graph can be skipped.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		return runBuild(cfg, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "waitless:", err)
		os.Exit(1)
	}
}

func init() {
	if err := config.BindFlags(rootCmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, "waitless: binding flags:", err)
		os.Exit(1)
	}
}
