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
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/prefs"
)

// WakeupKey identifies the periodic NTP wakeup
const WakeupKey = "sysservice_ntp_periodic"

// periodic wakeup bounds
const (
	MinWakeupInterval     = 300 * time.Second
	MaxWakeupInterval     = 86400 * time.Second
	DefaultWakeupInterval = 86399 * time.Second
)

// Waker delivers a callback after a delay even across suspend
type Waker interface {
	Set(key string, in time.Duration, f func()) error
	Clear(key string)
}

// WakeupInterval reads the periodic wakeup preference
func WakeupInterval(s prefs.Store) time.Duration {
	v, _ := s.Get(prefs.AutoNTPInterval)
	secs, err := strconv.ParseUint(v, 10, 32)
	d := time.Duration(secs) * time.Second
	if err != nil || d < MinWakeupInterval || d > MaxWakeupInterval {
		return DefaultWakeupInterval
	}
	return d
}

// FormatInterval renders d as HH:MM:SS
func FormatInterval(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

// ScheduleWakeup arms the periodic NTP wakeup when automatic time is on
func ScheduleWakeup(w Waker, s prefs.Store, setting Setting, f func()) bool {
	if !setting.Time {
		w.Clear(WakeupKey)
		return false
	}
	in := WakeupInterval(s)
	if err := w.Set(WakeupKey, in, f); err != nil {
		log.Warningf("failed to schedule %s: %v", WakeupKey, err)
		return false
	}
	log.Debugf("scheduling %s in %s", WakeupKey, FormatInterval(in))
	return true
}

// LoopWaker implements Waker on a loop scheduler
type LoopWaker struct {
	sched  loop.Scheduler
	timers map[string]loop.Timer
}

// NewLoopWaker returns a LoopWaker
func NewLoopWaker(sched loop.Scheduler) *LoopWaker {
	return &LoopWaker{sched: sched, timers: map[string]loop.Timer{}}
}

// Set replaces any wakeup under key
func (w *LoopWaker) Set(key string, in time.Duration, f func()) error {
	w.Clear(key)
	w.timers[key] = w.sched.AfterFunc(in, func() {
		delete(w.timers, key)
		f()
	})
	return nil
}

// Clear cancels the wakeup under key
func (w *LoopWaker) Clear(key string) {
	if t, ok := w.timers[key]; ok {
		t.Stop()
		delete(w.timers, key)
	}
}

// Armed reports whether key is pending
func (w *LoopWaker) Armed(key string) bool {
	_, ok := w.timers[key]
	return ok
}
