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
	goerrors "github.com/go-errors/errors"
	"github.com/waitless-dev/waitless/logger"
	"github.com/waitless-dev/waitless/subgraph"
	"gopkg.in/yaml.v3"
)

// FatalError wraps any condition the dispatcher treats as fatal per
// spec §7 -- nondeterminism, a protocol violation, resource exhaustion,
// or an unsupported feature -- with a captured stack trace, so the
// cleanup hook can log exactly where in the dispatch chain the run
// aborted.
type FatalError struct {
	err *goerrors.Error
}

// fatal wraps err as a FatalError with a captured stack trace. When err
// is a *subgraph.NondeterminismError it also logs the fault as
// structured YAML and counts it in Metrics.NondeterminismFaults, since
// a nondeterminism fault is the one error class SPEC_FULL.md's metrics
// promise tracks by name.
func (e *Engine) fatal(err error) error {
	if err == nil {
		return nil
	}
	if nd, ok := err.(*subgraph.NondeterminismError); ok {
		e.Metrics.NondeterminismFaults.Inc()
		logNondeterminismFault(nd)
	}
	return &FatalError{err: goerrors.Wrap(err, 1)}
}

// nondeterminismReport is the YAML-rendered form of a
// subgraph.NondeterminismError, logged the moment the dispatcher
// detects the fault (spec §7(1)), since the cancellation routine is
// about to tear the run down and stdout may already be redirected
// elsewhere by the command being built.
type nondeterminismReport struct {
	Node    string `yaml:"node"`
	OldKind string `yaml:"old_kind"`
	OldData string `yaml:"old_data"`
	NewKind string `yaml:"new_kind"`
	NewData string `yaml:"new_data"`
}

func logNondeterminismFault(nd *subgraph.NondeterminismError) {
	report := nondeterminismReport{
		Node:    nd.Name.String(),
		OldKind: nd.OldKind.String(),
		OldData: nd.OldData.String(),
		NewKind: nd.NewKind.String(),
		NewData: nd.NewData.String(),
	}
	out, err := yaml.Marshal(report)
	if err != nil {
		logger.Errorf("engine: rendering nondeterminism fault: %v", err)
		return
	}
	logger.Errorf("engine: nondeterminism fault:\n%s", out)
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err.Err }

// UnsupportedFeatureError is fatal per spec §7(5): an intercepted call
// used a flag combination this implementation deliberately does not
// model, to avoid silently mis-tracking it.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return "engine: unsupported feature: " + e.Feature
}

// UnexpectedErrnoError is fatal per spec §7(4): a syscall failed with
// an errno outside the small enumerated set this operation expects.
type UnexpectedErrnoError struct {
	Op  string
	Err error
}

func (e *UnexpectedErrnoError) Error() string {
	return "engine: " + e.Op + ": unexpected errno: " + e.Err.Error()
}

func (e *UnexpectedErrnoError) Unwrap() error { return e.Err }
