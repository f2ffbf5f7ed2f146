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

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/nitz"
	"github.com/facebook/timeprefs/prefs"
	"github.com/facebook/timeprefs/tzdb"
)

var errUnknownZone = errors.New("invalid timezone")

// ZoneRef selects a zone by name and optionally city
type ZoneRef struct {
	ZoneID string `json:"ZoneID" validate:"required"`
	City   string `json:"City,omitempty"`
}

// parseZoneRef accepts a zone object or a bare zone name
func parseZoneRef(data []byte) (ZoneRef, error) {
	var ref ZoneRef
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		ref.ZoneID = name
		return ref, nil
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("parsing zone: %w", err)
	}
	return ref, nil
}

// restoreZone selects the persisted zone, the failsafe zone when there is none
func (o *Orchestrator) restoreZone() {
	var z *tzdb.Zone
	if v, ok := o.store.Get(prefs.TimeZone); ok && v != "" {
		ref, err := parseZoneRef([]byte(v))
		if err != nil {
			log.Warningf("ignoring persisted zone: %v", err)
		} else {
			z = o.db.ResolveByName(ref.ZoneID, ref.City)
		}
	}
	if z == nil {
		log.Warning("no valid persisted zone")
	}
	o.CommitZone(z)
}

// commitZone makes z active. Persistence and link failures are reported but the zone stays active.
func (o *Orchestrator) commitZone(z *tzdb.Zone) error {
	if z == nil {
		log.Warningf("no zone resolved, using failsafe %s", tzdb.FailsafeName)
		o.stats.UpdateCounterBy(CounterZoneFailsafe, 1)
		z = tzdb.Failsafe()
	}
	prev := o.zone
	o.zone = z
	o.stats.UpdateCounterBy(CounterZoneCommits, 1)
	if prev == nil || prev.Name != z.Name {
		log.Infof("time zone set to %s", z.Name)
	}

	var errs []error
	b, err := json.Marshal(z)
	if err == nil {
		err = o.store.Set(prefs.TimeZone, string(b))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("saving %s: %w", prefs.TimeZone, err))
	} else {
		o.publishPreference(prefs.TimeZone)
	}
	if prev != nil && prev.Name != z.Name {
		if err := o.store.Set(prefs.LastTimeZone, prev.Name); err != nil {
			errs = append(errs, fmt.Errorf("saving %s: %w", prefs.LastTimeZone, err))
		}
	}
	if o.cfg.ManageLink {
		if err := o.linkZone(z); err != nil {
			errs = append(errs, err)
		}
	}
	o.dst.Rearm(z)
	o.publishTime()
	o.publishEffective()
	return errors.Join(errs...)
}

// ZoneFile returns the zoneinfo file of the active zone
func (o *Orchestrator) ZoneFile() string {
	if o.cfg.ManageLink {
		return o.cfg.LocaltimeLink
	}
	return filepath.Join(o.cfg.ZoneInfoDir, o.zone.Name)
}

// linkZone atomically points the localtime link at the zoneinfo file of z
func (o *Orchestrator) linkZone(z *tzdb.Zone) error {
	target := filepath.Join(o.cfg.ZoneInfoDir, z.Name)
	if _, err := os.Stat(target); err != nil {
		log.Warningf("zoneinfo for %s is missing, linking %s", z.Name, tzdb.FailsafeName)
		target = filepath.Join(o.cfg.ZoneInfoDir, tzdb.FailsafeName)
		if _, err := os.Stat(target); err != nil {
			return fmt.Errorf("failsafe zoneinfo: %w", err)
		}
	}
	if cur, err := os.Readlink(o.cfg.LocaltimeLink); err == nil && cur == target {
		return nil
	}
	tmp := o.cfg.LocaltimeLink + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("linking %s: %w", target, err)
	}
	if err := os.Rename(tmp, o.cfg.LocaltimeLink); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", o.cfg.LocaltimeLink, err)
	}
	log.Debugf("%s now points at %s", o.cfg.LocaltimeLink, target)
	return nil
}

// SetTimeZone commits a zone chosen by the user
func (o *Orchestrator) SetTimeZone(ref ZoneRef) error {
	z := o.db.ResolveByName(ref.ZoneID, ref.City)
	if z == nil {
		return fmt.Errorf("%w: %s", errUnknownZone, ref.ZoneID)
	}
	return o.commitZone(z)
}

// LocalTime is a broken down wall clock time
type LocalTime struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

func localTime(t time.Time) LocalTime {
	return LocalTime{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// SystemTime is the state pushed to system time subscribers
type SystemTime struct {
	UTC              int64     `json:"utc"`
	LocalTime        LocalTime `json:"localtime"`
	Offset           int       `json:"offset"`
	TimeZone         string    `json:"timezone"`
	TZ               string    `json:"TZ"`
	TimeZoneFile     string    `json:"timeZoneFile"`
	SystemTimeSource string    `json:"systemTimeSource"`
	NITZValid        bool      `json:"NITZValid"`
	NITZValidTime    bool      `json:"NITZValidTime"`
	NITZValidZone    bool      `json:"NITZValidZone"`
	IsManual         bool      `json:"isManual"`
}

// SystemTime describes the current system time in the active zone
func (o *Orchestrator) SystemTime() SystemTime {
	now := o.clock.Now().In(o.location())
	abbrev, off := now.Zone()
	source, _ := o.arbiter.Current()
	timeValid, zoneValid := o.machine.Immediate()
	return SystemTime{
		UTC:              now.Unix(),
		LocalTime:        localTime(now),
		Offset:           off / 60,
		TimeZone:         o.zone.Name,
		TZ:               abbrev,
		TimeZoneFile:     o.ZoneFile(),
		SystemTimeSource: source,
		NITZValid:        o.machine.LastValidity() == nitz.ValidityValid,
		NITZValidTime:    timeValid,
		NITZValidZone:    zoneValid,
		IsManual:         o.arbiter.Manual(),
	}
}

// EffectiveReply is the effective broadcast time with its wall clock breakdown
type EffectiveReply struct {
	AdjustedUTC    int64     `json:"adjustedUtc"`
	Local          int64     `json:"local"`
	LocalTime      LocalTime `json:"localtime"`
	SystemTimeUsed bool      `json:"systemTimeUsed"`
}

// EffectiveReply returns EffectiveTime for display
func (o *Orchestrator) EffectiveReply() EffectiveReply {
	e := o.EffectiveTime()
	return EffectiveReply{
		AdjustedUTC:    e.AdjustedUTC,
		Local:          e.Local,
		LocalTime:      localTime(time.Unix(e.Local, 0).UTC()),
		SystemTimeUsed: e.SystemTimeUsed,
	}
}
