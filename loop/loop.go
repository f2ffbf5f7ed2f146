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

/*
Package loop implements a single-threaded event loop.

Every state transition of the daemon (requests, timer expirations,
subscription pushes) runs to completion as a closure on one goroutine,
so handlers are atomic with respect to each other.
*/
package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is how many pending events the loop buffers
const DefaultQueueSize = 128

// ErrStopped is returned when an event is submitted to a loop that is not running anymore
var ErrStopped = errors.New("event loop is stopped")

// Timer is a handle to a deferred callback
type Timer interface {
	// Stop cancels the callback. It is idempotent and safe to call after the callback fired.
	Stop()
}

// Scheduler arms deferred callbacks
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Loop runs posted events one at a time
type Loop struct {
	queue chan func()
	done  chan struct{}
}

// New returns a new Loop with a queue of given size
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-l.queue:
			f()
		}
	}
}

// Post enqueues f. Events posted after the loop stopped are dropped.
func (l *Loop) Post(f func()) {
	select {
	case l.queue <- f:
	case <-l.done:
	}
}

// Do runs f on the loop and waits for it to complete
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case l.queue <- func() {
		defer close(finished)
		f()
	}:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() {
	lt.stopped.Store(true)
	lt.t.Stop()
}

// AfterFunc schedules f to run on the loop after d.
// A timer stopped after its expiry was queued still never runs f.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			lt.stopped.Store(true)
			f()
		})
	})
	return lt
}
