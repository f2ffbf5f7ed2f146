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

// Package broadcast keeps the last time received in a broadcast signal.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/tzdb"
)

// DefaultStaleness is how long a sample is served after it was received
const DefaultStaleness = time.Hour

// Timestamp is a monotonic clock reading
type Timestamp struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// Duration converts ts to a clock stamp
func (ts Timestamp) Duration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// StampTimestamp converts a clock stamp
func StampTimestamp(d time.Duration) Timestamp {
	return Timestamp{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

// Delay returns the whole seconds between origin and now, never negative
func Delay(now time.Duration, origin Timestamp) int64 {
	d := int64((now - origin.Duration()) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Effective is the time a client should display
type Effective struct {
	AdjustedUTC    int64 `json:"adjustedUtc"`
	Local          int64 `json:"local"`
	SystemTimeUsed bool  `json:"systemTimeUsed"`
}

type sample struct {
	utcOffset   int64
	localOffset int64
	stamp       time.Duration
}

// Tracker holds one broadcast sample as offsets against the system clock.
// It is owned by the event loop and not safe for concurrent use.
type Tracker struct {
	clock     clock.Clock
	staleness time.Duration
	s         *sample
}

// NewTracker returns an empty tracker, staleness <= 0 selects DefaultStaleness
func NewTracker(c clock.Clock, staleness time.Duration) *Tracker {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Tracker{clock: c, staleness: staleness}
}

// Set stores a sample. With origin, the delivery delay is added to both values.
func (t *Tracker) Set(utc, local int64, origin *Timestamp) bool {
	if utc <= 0 || local <= 0 {
		log.Warningf("rejecting broadcast time utc %d local %d", utc, local)
		return false
	}
	stamp := t.clock.Stamp()
	if origin != nil {
		delay := Delay(stamp, *origin)
		utc += delay
		local += delay
	}
	now := t.clock.Now().Unix()
	t.s = &sample{utcOffset: utc - now, localOffset: local - now, stamp: stamp}
	log.Debugf("broadcast time stored, utc offset %ds, local shift %ds", utc-now, local-utc)
	return true
}

// Get returns the sample projected to now
func (t *Tracker) Get() (utc, local int64, ok bool) {
	if !t.Available() {
		return 0, 0, false
	}
	now := t.clock.Now().Unix()
	return now + t.s.utcOffset, now + t.s.localOffset, true
}

// Available reports whether a fresh sample is stored
func (t *Tracker) Available() bool {
	return t.s != nil && t.clock.Stamp()-t.s.stamp <= t.staleness
}

// Adjust keeps the sample fixed after the system clock moved by delta
func (t *Tracker) Adjust(delta time.Duration) {
	if t.s == nil {
		return
	}
	secs := int64(delta / time.Second)
	t.s.utcOffset -= secs
	t.s.localOffset -= secs
}

// Clear drops the sample
func (t *Tracker) Clear() {
	t.s = nil
}

// Effective derives display time. Without a sample, or in manual mode, the system clock
// is shown in zone loc. Otherwise UTC is derived from the broadcast local time in loc.
func (t *Tracker) Effective(manual bool, loc *time.Location) Effective {
	if !manual {
		if _, local, ok := t.Get(); ok {
			return Effective{AdjustedUTC: tzdb.ToUTC(local, loc), Local: local}
		}
	}
	now := t.clock.Now().Unix()
	return Effective{AdjustedUTC: now, Local: tzdb.ToLocal(now, loc), SystemTimeUsed: true}
}

type snapshot struct {
	UTCOffset   int64 `json:"utcOffset"`
	LocalOffset int64 `json:"localOffset"`
	SavedAt     int64 `json:"savedAt"`
	Age         int64 `json:"age"`
}

// Snapshot serialises the sample, empty when there is none
func (t *Tracker) Snapshot() string {
	if t.s == nil {
		return ""
	}
	b, err := json.Marshal(snapshot{
		UTCOffset:   t.s.utcOffset,
		LocalOffset: t.s.localOffset,
		SavedAt:     t.clock.Now().Unix(),
		Age:         int64((t.clock.Stamp() - t.s.stamp) / time.Second),
	})
	if err != nil {
		log.Errorf("failed to serialise broadcast time: %v", err)
		return ""
	}
	return string(b)
}

// Restore loads a Snapshot. Samples that went stale in between are dropped.
func (t *Tracker) Restore(data string) error {
	if data == "" {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return fmt.Errorf("parsing broadcast snapshot: %w", err)
	}
	age := time.Duration(t.clock.Now().Unix()-s.SavedAt+s.Age) * time.Second
	if age < 0 || age > t.staleness {
		log.Infof("dropping broadcast snapshot aged %v", age)
		return nil
	}
	t.s = &sample{utcOffset: s.UTCOffset, localOffset: s.LocalOffset, stamp: t.clock.Stamp() - age}
	return nil
}
