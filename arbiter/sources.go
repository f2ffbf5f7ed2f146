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

package arbiter

import (
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/prefs"
)

// Reserved source tags
const (
	TagManual  = "manual"
	TagMicom   = "micom"
	TagFactory = "factory"
	TagNTP     = "ntp"
	TagNITZ    = "nitz"
)

// DefaultSources is the priority table used when none is configured, highest first
var DefaultSources = []string{"ntp", "sdp", "nitz", "broadcast-adjusted", "broadcast"}

// Drift period bounds
const (
	DefaultDriftPeriod = 4 * time.Hour
	// DriftDisabled turns off source aging
	DriftDisabled  time.Duration = -1
	MaxDriftPeriod               = 720 * time.Hour
)

// LoadSources reads the priority table. A missing table is initialised with DefaultSources.
func LoadSources(s prefs.Store) []string {
	v, ok := s.Get(prefs.TimeSources)
	if !ok || v == "" {
		b, _ := json.Marshal(DefaultSources)
		if err := s.Set(prefs.TimeSources, string(b)); err != nil {
			log.Errorf("failed to store default time sources: %v", err)
		}
		log.Infof("no time sources configured, using %v", DefaultSources)
		return append([]string(nil), DefaultSources...)
	}
	var list []string
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		log.Warningf("invalid time sources %q: %v, using %v", v, err, DefaultSources)
		return append([]string(nil), DefaultSources...)
	}
	seen := map[string]bool{}
	unique := make([]string, 0, len(list))
	for _, tag := range list {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		unique = append(unique, tag)
	}
	if len(unique) == 0 {
		return append([]string(nil), DefaultSources...)
	}
	return unique
}

// ParseDriftPeriod parses a number of hours in [-1, 720], -1 disables aging.
// Anything else yields DefaultDriftPeriod.
func ParseDriftPeriod(hours string) time.Duration {
	v, err := strconv.Atoi(hours)
	if err != nil || v < -1 || time.Duration(v)*time.Hour > MaxDriftPeriod {
		log.Infof("invalid time synchronization period %q, using %v", hours, DefaultDriftPeriod)
		return DefaultDriftPeriod
	}
	if v < 0 {
		return DriftDisabled
	}
	return time.Duration(v) * time.Hour
}

// LoadDriftPeriod reads the drift period preference
func LoadDriftPeriod(s prefs.Store) time.Duration {
	v, ok := s.Get(prefs.TimeDriftPeriodHr)
	if !ok {
		return DefaultDriftPeriod
	}
	return ParseDriftPeriod(v)
}
