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
	"fmt"
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// clock status
	AdjStatus uint32 = 0x0010
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
)

// Clock is the wall clock the daemon steers
type Clock interface {
	// Now returns current wall time
	Now() time.Time
	// Stamp returns monotonic time since boot, it never jumps on Step
	Stamp() time.Duration
	// Step moves wall time by d
	Step(d time.Duration) error
}

// Abs returns the absolute value of x
func Abs[T constraints.Signed | constraints.Float](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

// Step steps clock by given step
func Step(clockid int32, step time.Duration) (state int, err error) {
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	sec := time.Duration(float64(sign) * (float64(step) / float64(time.Second)))
	nsec := time.Duration(sign) * (step % time.Second)
	setTime(tx, sec, nsec)
	/*
	 * The value of a timeval is the sum of its fields, but the
	 * field tv_usec must always be non-negative.
	 */
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	return unix.ClockAdjtime(clockid, tx)
}

// SetSync sets clock status to TIME_OK
func SetSync(clockid int32) error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := unix.ClockAdjtime(clockid, tx)

	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}

// SysClock is CLOCK_REALTIME of the host
type SysClock struct{}

// Now returns current wall time
func (SysClock) Now() time.Time {
	return time.Now()
}

// Stamp reads CLOCK_MONOTONIC
func (SysClock) Stamp() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

// Step steps CLOCK_REALTIME. Zero step is a no-op.
func (SysClock) Step(d time.Duration) error {
	if d == 0 {
		return nil
	}
	if _, err := Step(unix.CLOCK_REALTIME, d); err != nil {
		return fmt.Errorf("failed to step realtime clock by %v: %w", d, err)
	}
	return SetSync(unix.CLOCK_REALTIME)
}

// Unmanaged reads the host clock but never steps it.
// Steps are accounted as an offset so the daemon still behaves as if the clock moved.
type Unmanaged struct {
	SysClock
	offset time.Duration
}

// Now returns host time plus accumulated steps
func (u *Unmanaged) Now() time.Time {
	return u.SysClock.Now().Add(u.offset)
}

// Step accumulates d
func (u *Unmanaged) Step(d time.Duration) error {
	u.offset += d
	return nil
}
