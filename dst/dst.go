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

// Package dst arms a timer for the next offset change of the active zone.
package dst

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/tzdb"
)

// Scheduler re-applies the active zone at its DST boundaries.
// It is owned by the event loop and not safe for concurrent use.
type Scheduler struct {
	sched  loop.Scheduler
	clock  clock.Clock
	db     *tzdb.DB
	onFire func(z *tzdb.Zone)

	zone   *tzdb.Zone
	timer  loop.Timer
	next   time.Time
	rearms int
}

// New returns a disarmed Scheduler calling onFire at each boundary
func New(sched loop.Scheduler, c clock.Clock, db *tzdb.DB, onFire func(z *tzdb.Zone)) *Scheduler {
	return &Scheduler{sched: sched, clock: c, db: db, onFire: onFire}
}

// Rearm arms for the next boundary of z. Committing the armed zone again changes nothing.
func (s *Scheduler) Rearm(z *tzdb.Zone) {
	if s.zone != nil && z != nil && s.zone.Name == z.Name && s.timer != nil {
		log.Debugf("dst timer for %s already armed", z.Name)
		return
	}
	s.zone = z
	s.Refresh()
}

// Refresh recomputes the boundary of the active zone, used after the system clock moved
func (s *Scheduler) Refresh() {
	s.Disarm()
	if s.zone == nil {
		return
	}
	s.rearms++
	loc := s.db.Location(s.zone)
	next, ok := tzdb.NextTransition(loc, s.clock.Now())
	if !ok {
		log.Infof("zone %s has no dst rule, dst timer disarmed", s.zone.Name)
		return
	}
	s.arm(next)
}

func (s *Scheduler) arm(at time.Time) {
	s.next = at
	in := at.Sub(s.clock.Now())
	log.Infof("dst timer for %s armed at %s (in %v)", s.zone.Name, at.UTC().Format(time.RFC3339), in)
	s.timer = s.sched.AfterFunc(in, s.fire)
}

func (s *Scheduler) fire() {
	s.timer = nil
	if now := s.clock.Now(); now.Before(s.next) {
		log.Debugf("dst timer woke %v early", s.next.Sub(now))
		s.arm(s.next)
		return
	}
	z := s.zone
	log.Infof("dst boundary of %s reached", z.Name)
	s.onFire(z)
	// the callback may have committed another zone
	if s.timer == nil && s.zone == z {
		s.Refresh()
	}
}

// Disarm cancels the timer. It never fails.
func (s *Scheduler) Disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}

// Next returns the armed boundary
func (s *Scheduler) Next() (time.Time, bool) {
	return s.next, s.timer != nil
}

// Rearms counts boundary computations
func (s *Scheduler) Rearms() int {
	return s.rearms
}
