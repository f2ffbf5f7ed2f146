/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package nitz

import (
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/prefs"
)

const (
	// DefaultTimeoutInterval is how long we wait for the rest of an announcement
	DefaultTimeoutInterval = 5 * time.Second
	// MaxTimeoutInterval bounds the interval preference
	MaxTimeoutInterval = 300 * time.Second
	// DefaultBootstrapDelay lets a late announcement arrive after startup
	DefaultBootstrapDelay = 20 * time.Second
)

// State of the timeout cycle
type State int

// Cycle states
const (
	Idle State = iota
	Bootstrapping
	AwaitingNitz
	TimedOut
	Settled
)

var stateNames = map[State]string{
	Idle:          "idle",
	Bootstrapping: "bootstrapping",
	AwaitingNitz:  "awaiting-nitz",
	TimedOut:      "timed-out",
	Settled:       "settled",
}

func (s State) String() string {
	return stateNames[s]
}

// Cycle is the bounded timer that runs the timeout pipeline when announcements stop short
type Cycle struct {
	sched     loop.Scheduler
	store     prefs.Store
	onTimeout func()

	timer      loop.Timer
	extensions int
	state      State
	history    []State
}

// NewCycle returns an idle cycle calling onTimeout when it runs out
func NewCycle(sched loop.Scheduler, store prefs.Store, onTimeout func()) *Cycle {
	return &Cycle{
		sched:     sched,
		store:     store,
		onTimeout: onTimeout,
		history:   []State{Idle},
	}
}

// Interval reads the timeout interval preference, 1..300 seconds
func (c *Cycle) Interval() time.Duration {
	v, _ := c.store.Get(prefs.NITZHandlerTimeout)
	secs, err := strconv.ParseUint(v, 10, 32)
	d := time.Duration(secs) * time.Second
	if err != nil || d == 0 || d > MaxTimeoutInterval {
		return DefaultTimeoutInterval
	}
	return d
}

func (c *Cycle) setState(s State) {
	if c.state == s {
		return
	}
	log.Debugf("timeout cycle %s -> %s", c.state, s)
	c.state = s
	c.history = append(c.history, s)
}

// Bootstrap arms the first cycle after delay, followed by one regular interval
func (c *Cycle) Bootstrap(delay time.Duration) {
	if c.Running() {
		c.extend()
		return
	}
	c.extensions = 1
	c.arm(delay)
	c.setState(Bootstrapping)
}

// Start arms a cycle. A running cycle keeps at most the one extension it was armed with,
// so announcements arriving inside the interval never postpone the timeout.
func (c *Cycle) Start() {
	if c.Running() {
		c.extend()
		return
	}
	c.extensions = 0
	c.arm(c.Interval())
	c.setState(AwaitingNitz)
}

func (c *Cycle) extend() {
	if c.extensions > 0 {
		c.extensions = 1
	}
	log.Debugf("timeout cycle running, %d extra interval left", c.extensions)
}

func (c *Cycle) arm(d time.Duration) {
	log.Debugf("timeout cycle of %v started", d)
	c.timer = c.sched.AfterFunc(d, c.fire)
}

func (c *Cycle) fire() {
	c.timer = nil
	if c.extensions > 0 {
		c.extensions--
		c.arm(c.Interval())
		c.setState(AwaitingNitz)
		return
	}
	c.setState(TimedOut)
	c.onTimeout()
	// the timeout pipeline may have started a new cycle
	if !c.Running() {
		c.setState(Settled)
	}
}

// Cancel stops a pending timer. It never fails.
func (c *Cycle) Cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.extensions = 0
}

// Settle cancels the cycle and marks it done
func (c *Cycle) Settle() {
	c.Cancel()
	c.setState(Settled)
}

// Running reports whether a timer is armed
func (c *Cycle) Running() bool {
	return c.timer != nil
}

// State returns the current state
func (c *Cycle) State() State {
	return c.state
}

// History returns every state the cycle went through
func (c *Cycle) History() []State {
	return append([]State(nil), c.history...)
}
