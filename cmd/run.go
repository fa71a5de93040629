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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/waitless-dev/waitless/config"
	"github.com/waitless-dev/waitless/engine"
	"github.com/waitless-dev/waitless/logger"
	"github.com/waitless-dev/waitless/subgraph"
	"gopkg.in/yaml.v3"
)

// runBuild implements the documented external CLI (spec.md §6):
// waitless [-c|--clean] [-v|--verbose] [-d|--dump] [-h|--help] [cmd args...].
func runBuild(cfg *config.Config, args []string) error {
	closer, err := logger.Init(logger.Options{
		LogFile: cfg.Logging.LogFile,
		Format:  logger.Format(cfg.Logging.Format),
		Verbose: cfg.Verbose,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer closer.Close()

	if cfg.Clean {
		engine.RecoverStaleRun(cfg.Dir)
		return os.RemoveAll(cfg.Dir)
	}

	e, err := engine.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening run: %w", err)
	}

	if cfg.Dump {
		dumpSubgraph(e)
		return e.Close()
	}

	if len(args) == 0 {
		e.Close()
		return fmt.Errorf("no command given; run `waitless --help`")
	}

	return runChild(e, args)
}

// dumpNode is the YAML-rendered form of a decoded subgraph.Node: hashes
// print as their hex String() form rather than as raw byte arrays.
type dumpNode struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Data string `yaml:"data"`
}

// dumpSubgraph renders every node in the subgraph as a YAML sequence,
// the dependency-graph analogue of the original's debug dump mode.
func dumpSubgraph(e *engine.Engine) {
	var nodes []dumpNode
	e.Subgraph.Iterate(func(n subgraph.Node) bool {
		nodes = append(nodes, dumpNode{
			Name: n.Name.String(),
			Kind: n.Kind.String(),
			Data: n.Data.String(),
		})
		return false
	})

	out, err := yaml.Marshal(nodes)
	if err != nil {
		logger.Errorf("dump: rendering subgraph as yaml: %v", err)
		return
	}
	os.Stdout.Write(out)
}

// runChild execs the top-level command as process 1 of the run,
// forwarding the run's table locations through WAITLESS_-prefixed
// environment variables for the preload shim to pick up (spec.md §6),
// waits for it to finish, and runs the cancellation routine (spec.md
// §5) on interrupt or when the command exits unsuccessfully.
func runChild(e *engine.Engine, args []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"WAITLESS_DIR="+e.Config.Dir,
		"WAITLESS_SNAPSHOT="+e.Config.SnapshotFilePath(),
		"WAITLESS_PROCESS="+e.Config.ProcessFilePath(),
	)

	if err := cmd.Start(); err != nil {
		e.Close()
		return fmt.Errorf("starting %s: %w", args[0], err)
	}

	pid := int64(cmd.Process.Pid)
	h, err := e.ProcTable.NewProcess(pid)
	if err != nil {
		_ = cmd.Process.Kill()
		e.Close()
		return fmt.Errorf("registering top-level process: %w", err)
	}
	h.Unlock()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-sigCh:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		<-waitErr
		for _, w := range e.Cleanup(pid) {
			logger.Warnf("waitless: cleanup: %s", w)
		}
		return fmt.Errorf("interrupted")
	case err := <-waitErr:
		if err != nil {
			for _, w := range e.Cleanup(pid) {
				logger.Warnf("waitless: cleanup: %s", w)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				os.Exit(exitErr.ExitCode())
			}
			return err
		}
		return e.Close()
	}
}
