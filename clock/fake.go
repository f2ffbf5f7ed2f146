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

package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/facebook/timeprefs/loop"
)

// Fake is a manually driven Clock and loop.Scheduler
type Fake struct {
	mu      sync.Mutex
	wall    time.Time
	stamp   time.Duration
	steps   []time.Duration
	timers  []*fakeTimer
	seq     int
	StepErr error
}

type fakeTimer struct {
	at      time.Duration
	seq     int
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.stopped = true
}

// NewFake returns Fake clock starting at wall time with stamp of one hour since boot
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall, stamp: time.Hour}
}

// Now returns current wall time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Stamp returns monotonic time
func (f *Fake) Stamp() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stamp
}

// Step moves wall time, monotonic time stays
func (f *Fake) Step(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StepErr != nil {
		return f.StepErr
	}
	f.wall = f.wall.Add(d)
	f.steps = append(f.steps, d)
	return nil
}

// Steps returns all successful steps
func (f *Fake) Steps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.steps...)
}

// AfterFunc arms fn to run once logical time advanced by d
func (f *Fake) AfterFunc(d time.Duration, fn func()) loop.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{at: f.stamp + d, seq: f.seq, f: fn}
	f.timers = append(f.timers, t)
	return t
}

// Pending returns the number of armed timers
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Next returns time left until the earliest armed timer
func (f *Fake) Next() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.earliest()
	if t == nil {
		return 0, false
	}
	return t.at - f.stamp, true
}

func (f *Fake) earliest() *fakeTimer {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at == live[j].at {
			return live[i].seq < live[j].seq
		}
		return live[i].at < live[j].at
	})
	return live[0]
}

// Advance moves both wall and monotonic time by d, running due timers in order
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.stamp + d
	for {
		t := f.earliest()
		if t == nil || t.at > target {
			break
		}
		f.wall = f.wall.Add(t.at - f.stamp)
		f.stamp = t.at
		t.stopped = true
		f.mu.Unlock()
		t.f()
		f.mu.Lock()
	}
	f.wall = f.wall.Add(target - f.stamp)
	f.stamp = target
	f.mu.Unlock()
}
