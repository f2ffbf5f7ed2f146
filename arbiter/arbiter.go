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
Package arbiter decides which time source may step the system clock.

Sources are ranked by a priority table, earlier entries win. A lower
priority source is only accepted once the drift period since the last
accepted update has passed.
*/
package arbiter

import (
	"math"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/prefs"
)

// Lowest marks the current source as replaceable by anything
const Lowest = math.MinInt

// NoticeableStep is the smallest step logged at info level
const NoticeableStep = time.Second

// Observer is called after the system clock was set
type Observer func(delta time.Duration, source string)

// Config holds the collaborators of an Arbiter
type Config struct {
	Clock clock.Clock
	Store prefs.Store
	// NTPAllowed gates proposals tagged ntp, nil allows them
	NTPAllowed func() bool
}

type altSource struct {
	priority   int
	delta      time.Duration
	observedAt time.Duration
}

type sourceStats struct {
	offsets     *welford.Stats
	count       int64
	lastDelta   time.Duration
	lastApplied time.Time
}

// Record describes one time source
type Record struct {
	Tag         string        `json:"source"`
	Priority    int           `json:"priority"`
	Current     bool          `json:"current"`
	Applied     int64         `json:"applied"`
	LastDelta   time.Duration `json:"lastDelta"`
	MeanOffset  float64       `json:"meanOffset"`
	StdevOffset float64       `json:"stddevOffset"`
	LastApplied time.Time     `json:"lastApplied,omitempty"`
}

// Arbiter arbitrates time proposals. It is owned by the event loop and not safe for concurrent use.
type Arbiter struct {
	clock      clock.Clock
	store      prefs.Store
	ntpAllowed func() bool

	sources    []string
	priorities map[string]int
	drift      time.Duration

	manual    bool
	companion bool

	current         string
	currentPriority int
	nextSync        time.Duration

	alt *altSource

	seen      []string
	stats     map[string]*sourceStats
	observers []Observer
}

// New returns an Arbiter with the priority table and drift period read from prefs
func New(cfg Config) *Arbiter {
	a := &Arbiter{
		clock:           cfg.Clock,
		store:           cfg.Store,
		ntpAllowed:      cfg.NTPAllowed,
		companion:       true,
		current:         TagFactory,
		currentPriority: Lowest,
		stats:           map[string]*sourceStats{},
	}
	a.SetSources(LoadSources(cfg.Store))
	a.drift = LoadDriftPeriod(cfg.Store)
	return a
}

// SetSources replaces the priority table, highest priority first
func (a *Arbiter) SetSources(sources []string) {
	a.sources = append([]string(nil), sources...)
	a.priorities = make(map[string]int, len(sources))
	for i, tag := range a.sources {
		a.priorities[tag] = len(a.sources) - i
	}
	log.Debugf("time source priorities: %v", a.priorities)
}

// Sources returns the priority table, highest priority first
func (a *Arbiter) Sources() []string {
	return append([]string(nil), a.sources...)
}

// Priority returns the table priority of tag. Tags outside the table rank with manual at 0.
func (a *Arbiter) Priority(tag string) int {
	return a.priorities[tag]
}

// SetDriftPeriod changes source aging, DriftDisabled turns it off
func (a *Arbiter) SetDriftPeriod(d time.Duration) {
	a.drift = d
}

// DriftPeriod returns the source aging period
func (a *Arbiter) DriftPeriod() time.Duration {
	return a.drift
}

// Subscribe adds an observer of applied changes
func (a *Arbiter) Subscribe(o Observer) {
	a.observers = append(a.observers, o)
}

// Current returns the tag and priority of the source that last set the clock
func (a *Arbiter) Current() (string, int) {
	return a.current, a.currentPriority
}

// NextSync returns the stamp after which lower priority sources are accepted again
func (a *Arbiter) NextSync() time.Duration {
	return a.nextSync
}

// Manual reports whether manual time is in use
func (a *Arbiter) Manual() bool {
	return a.manual
}

// SetManual switches manual mode. The current source becomes replaceable either way.
func (a *Arbiter) SetManual(manual bool) {
	a.manual = manual
	a.ResetPriority()
}

// ResetPriority lets the next proposal win regardless of priority
func (a *Arbiter) ResetPriority() {
	a.currentPriority = Lowest
}

// SetCompanionAvailable records the companion clock state.
// An unavailable companion clock applies a saved alternative source.
func (a *Arbiter) SetCompanionAvailable(available bool) {
	a.companion = available
	if !available {
		a.applyAlternative()
	}
}

// CompanionAvailable reports the companion clock state
func (a *Arbiter) CompanionAvailable() bool {
	return a.companion
}

// HasAlternative reports whether an alternative source is saved
func (a *Arbiter) HasAlternative() bool {
	return a.alt != nil
}

// Propose offers delta to the system clock from source tag, observed at stamp observedAt.
// It returns whether the delta was applied.
func (a *Arbiter) Propose(tag string, priority int, delta, observedAt time.Duration) bool {
	if tag == TagMicom {
		// the companion clock holds time synchronised with the last source
		last, ok := a.store.Get(prefs.LastSystemTimeSource)
		if !ok || last == "" || last == TagMicom {
			last = TagFactory
		}
		log.Debugf("micom time replayed as %s", last)
		return a.Propose(last, a.Priority(last), delta, observedAt)
	}

	effective := priority
	if a.manual {
		if tag != TagManual {
			a.saveAlternative(priority, delta, observedAt)
			if !a.companion {
				log.Infof("manual mode without companion clock, applying saved %s time", tag)
				return a.applyAlternative()
			}
			log.Infof("manual mode, ignoring %s time", tag)
			return false
		}
		effective = math.MaxInt
	} else if tag == TagNTP && a.ntpAllowed != nil && !a.ntpAllowed() {
		log.Warning("ntp time is not allowed, ignoring")
		return false
	}

	if effective < a.currentPriority && (a.drift == DriftDisabled || a.clock.Stamp() < a.nextSync) {
		log.Infof("ignoring %s time, priority %d below current %d", tag, priority, a.currentPriority)
		return false
	}
	log.Infof("applying %s time, delta %v, priority %d, current %d", tag, delta, priority, a.currentPriority)
	if !a.apply(tag, delta) {
		return false
	}
	a.currentPriority = priority
	a.nextSync = observedAt + a.drift
	return true
}

// saveAlternative keeps the highest priority proposal made in manual mode.
func (a *Arbiter) saveAlternative(priority int, delta, observedAt time.Duration) {
	if a.alt != nil && priority <= a.alt.priority {
		return
	}
	log.Debugf("saving alternative source, priority %d, delta %v", priority, delta)
	a.alt = &altSource{priority: priority, delta: delta, observedAt: observedAt}
}

// applyAlternative applies the saved proposal once, when the companion clock is unavailable
// and the factory source still owns the clock, then clears it.
func (a *Arbiter) applyAlternative() bool {
	if a.alt == nil || a.current != TagFactory {
		return false
	}
	alt := a.alt
	a.alt = nil
	if !a.apply(a.current, alt.delta) {
		return false
	}
	a.nextSync = alt.observedAt + a.drift
	return true
}

func (a *Arbiter) apply(tag string, delta time.Duration) bool {
	if delta != 0 {
		if err := a.clock.Step(delta); err != nil {
			log.Errorf("failed to step system clock by %v: %v", delta, err)
			return false
		}
		if clock.Abs(delta) >= NoticeableStep {
			log.Infof("system clock stepped by %v from %s", delta, tag)
		} else {
			log.Debugf("system clock stepped by %v from %s", delta, tag)
		}
	}
	if a.current != tag {
		a.current = tag
		if err := a.store.Set(prefs.LastSystemTimeSource, tag); err != nil {
			log.Errorf("failed to persist last time source: %v", err)
		}
	}
	a.record(tag, delta)
	for _, o := range a.observers {
		o(delta, tag)
	}
	return true
}

func (a *Arbiter) record(tag string, delta time.Duration) {
	s, ok := a.stats[tag]
	if !ok {
		s = &sourceStats{offsets: welford.New()}
		a.stats[tag] = s
		a.seen = append(a.seen, tag)
	}
	s.offsets.Add(delta.Seconds())
	s.count++
	s.lastDelta = delta
	s.lastApplied = a.clock.Now()
}

// Records lists the priority table followed by other sources that set the clock
func (a *Arbiter) Records() []Record {
	tags := append([]string(nil), a.sources...)
	for _, tag := range a.seen {
		if _, ok := a.priorities[tag]; !ok {
			tags = append(tags, tag)
		}
	}
	records := make([]Record, 0, len(tags))
	for _, tag := range tags {
		r := Record{Tag: tag, Priority: a.Priority(tag), Current: tag == a.current}
		if s, ok := a.stats[tag]; ok {
			r.Applied = s.count
			r.LastDelta = s.lastDelta
			r.MeanOffset = s.offsets.Mean()
			r.StdevOffset = s.offsets.Stddev()
			r.LastApplied = s.lastApplied
		}
		records = append(records, r)
	}
	return records
}
