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

package clock

import (
	"sync"
	"time"
)

// pendingAfter is one outstanding After call waiting for SimulatedClock's
// time to reach targetTime.
type pendingAfter struct {
	targetTime time.Time
	ch         chan time.Time
}

// SimulatedClock is a Clock whose time only moves when Advance is
// called, letting tests exercise a deadline without actually waiting
// for it.
type SimulatedClock struct {
	mu sync.RWMutex

	now     time.Time
	pending []*pendingAfter
}

var _ Clock = &SimulatedClock{}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the simulated clock forward by d, firing any After
// channels whose target time has now been reached.
func (c *SimulatedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	var remaining []*pendingAfter
	for _, p := range c.pending {
		if !c.now.Before(p.targetTime) {
			p.ch <- p.targetTime
		} else {
			remaining = append(remaining, p)
		}
	}
	c.pending = remaining
}

func (c *SimulatedClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	target := c.now.Add(d)
	if !target.After(c.now) {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &pendingAfter{targetTime: target, ch: ch})
	return ch
}
