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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/waitless-dev/waitless/clock"
)

// A negative deadline puts deadlineAt in the past before the first loop
// check ever runs, so a SimulatedClock started at a fixed instant can
// exercise the "still alive past deadline" branch with zero real waiting
// and zero goroutines: the loop body never gets a chance to scan, and
// every pid is reported as a survivor immediately.
func TestWaitForDeath_DeadlineAlreadyPassed_WarnsForEveryPid(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	self := int64(os.Getpid())

	warnings := waitForDeath(clk, []int64{self}, -1*time.Millisecond)

	assert.Len(t, warnings, 1)
}

// A pid gopsutil can't find exits the scan on its first pass regardless
// of deadline, so this never touches clk.After and stays deterministic.
func TestWaitForDeath_UnknownPid_NoWarning(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))

	warnings := waitForDeath(clk, []int64{1 << 30}, 200*time.Millisecond)

	assert.Empty(t, warnings)
}
