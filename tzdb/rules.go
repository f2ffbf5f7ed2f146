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

package tzdb

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone rules when the host has no zoneinfo

	"github.com/maypok86/otter/v2"
)

// DateLayout is the input layout of ConvertDate
const DateLayout = "2006-01-02 15:04:05"

const (
	locationCacheSize = 512
	locationTTL       = 24 * time.Hour
)

// ErrUnknownZone is returned when a zone has no rules
var ErrUnknownZone = errors.New("timezone not found")

// Locations caches loaded zone rules
type Locations struct {
	cache *otter.Cache[string, *time.Location]
}

// NewLocations returns an empty cache
func NewLocations() *Locations {
	return &Locations{
		cache: otter.Must(&otter.Options[string, *time.Location]{
			MaximumSize:      locationCacheSize,
			InitialCapacity:  64,
			ExpiryCalculator: otter.ExpiryWriting[string, *time.Location](locationTTL),
		}),
	}
}

// Load returns rules for zone name
func (l *Locations) Load(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownZone, name)
	}
	if loc, ok := l.cache.GetIfPresent(name); ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownZone, name)
	}
	l.cache.Set(name, loc)
	return loc, nil
}

// Size returns the estimated number of cached locations
func (l *Locations) Size() int {
	return l.cache.EstimatedSize()
}

// Location returns rules for zone z, the failsafe zone maps to UTC
func (db *DB) Location(z *Zone) *time.Location {
	if z == nil {
		return time.UTC
	}
	loc, err := db.locations.Load(z.Name)
	if err != nil {
		return time.FixedZone(z.Name, z.Offset*60)
	}
	return loc
}

// YearRule describes DST in one year. Offsets are in seconds, times are unix seconds.
type YearRule struct {
	Year         int   `json:"year"`
	HasDSTChange bool  `json:"hasDstChange"`
	UTCOffset    int64 `json:"utcOffset"`
	DSTOffset    int64 `json:"dstOffset"`
	DSTStart     int64 `json:"dstStart"`
	DSTEnd       int64 `json:"dstEnd"`
}

// RulesForYear walks the zone periods of year
func RulesForYear(loc *time.Location, year int) YearRule {
	r := YearRule{Year: year, UTCOffset: -1, DSTOffset: -1, DSTStart: -1, DSTEnd: -1}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	end := time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
	first := int64(0)
	for t := start; t.Before(end); {
		_, off := t.Zone()
		s, e := t.ZoneBounds()
		if t.Equal(start) {
			first = int64(off)
		}
		if t.IsDST() {
			if !r.HasDSTChange && !s.Before(start) {
				r.HasDSTChange = true
				r.DSTOffset = int64(off)
				r.DSTStart = s.Unix()
				if !e.IsZero() {
					r.DSTEnd = e.Unix()
				}
			}
		} else if r.UTCOffset == -1 {
			r.UTCOffset = int64(off)
		}
		if e.IsZero() || !e.After(t) {
			break
		}
		t = e
	}
	if r.UTCOffset == -1 {
		r.UTCOffset = first
	}
	return r
}

// Rules returns the DST rules of zone name for each year
func (db *DB) Rules(name string, years []int) ([]YearRule, error) {
	loc, err := db.locations.Load(name)
	if err != nil {
		return nil, err
	}
	rules := make([]YearRule, 0, len(years))
	for _, y := range years {
		rules = append(rules, RulesForYear(loc, y))
	}
	return rules, nil
}

// NextTransition returns the first offset change after t, false when the zone has none
func NextTransition(loc *time.Location, t time.Time) (time.Time, bool) {
	_, end := t.In(loc).ZoneBounds()
	if end.IsZero() {
		return time.Time{}, false
	}
	return end, true
}

// ConvertDate reinterprets a DateLayout wall time of zone src in zone dst, ANSI C formatted
func (db *DB) ConvertDate(date, src, dst string) (string, error) {
	srcLoc, err := db.locations.Load(src)
	if err != nil {
		return "", err
	}
	dstLoc, err := db.locations.Load(dst)
	if err != nil {
		return "", err
	}
	t, err := time.ParseInLocation(DateLayout, date, srcLoc)
	if err != nil {
		if len(date) > len(DateLayout) {
			if _, perr := time.ParseInLocation(DateLayout, date[:len(DateLayout)], srcLoc); perr == nil {
				return "", fmt.Errorf("unrecognized characters in date")
			}
		}
		return "", fmt.Errorf("unrecognized date format: '%s'", date)
	}
	return t.In(dstLoc).Format(time.ANSIC), nil
}

// ToUTC treats the wall clock fields of local unix seconds as a wall time in loc
func ToUTC(local int64, loc *time.Location) int64 {
	w := time.Unix(local, 0).UTC()
	return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), 0, loc).Unix()
}

// ToLocal returns unix seconds whose UTC wall clock equals the wall clock of utc in loc
func ToLocal(utc int64, loc *time.Location) int64 {
	_, off := time.Unix(utc, 0).In(loc).Zone()
	return utc + int64(off)
}
