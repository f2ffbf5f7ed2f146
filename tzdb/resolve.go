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
	"strings"

	log "github.com/sirupsen/logrus"
)

// widenSteps are the quarter-hour distances tried by Nearest, in minutes
var widenSteps = []int{15, 30, 45, 60}

// ResolveByOffset never fails: preferred lookup, then generic, then failsafe
func (db *DB) ResolveByOffset(offset, dst, mcc int) *Zone {
	if z := db.LookupOffset(offset, dst, mcc); z != nil {
		return z
	}
	if z := db.GenericZone(offset); z != nil {
		return z
	}
	log.Warningf("no zone for offset %d, using failsafe %s", offset, FailsafeName)
	return failsafe
}

// LookupOffset returns a zone for offset minutes or nil.
// A known mcc narrows candidates to the zones of its country.
func (db *DB) LookupOffset(offset, dst, mcc int) *Zone {
	if mcc != 0 {
		if cc := db.countryForMCC(mcc); cc != "" {
			if z := db.lookupCountry(offset, dst, cc); z != nil {
				return z
			}
		}
	}
	if dst == 0 {
		return db.prefNoDST[offset]
	}
	return db.prefDST[offset]
}

func (db *DB) lookupCountry(offset, dst int, cc string) *Zone {
	var matching []*Zone
	for _, z := range db.byOffset[offset] {
		if z.CountryCode == cc {
			matching = append(matching, z)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	wantDST := dst != 0
	passes := []func(z *Zone) bool{
		func(z *Zone) bool { return z.Preferred && z.DST == wantDST },
		func(z *Zone) bool { return z.DST },
		func(z *Zone) bool { return z.Preferred },
		func(z *Zone) bool { return z.DST == wantDST },
	}
	for _, pass := range passes {
		for _, z := range matching {
			if pass(z) {
				return z
			}
		}
	}
	return matching[0]
}

// Nearest widens the search to neighbouring quarter hours, closest first
func (db *DB) Nearest(offset, dst, mcc int) *Zone {
	for _, step := range widenSteps {
		for _, off := range []int{offset - step, offset + step} {
			if z := db.LookupOffset(off, dst, mcc); z != nil {
				log.Debugf("offset %d widened to %d: %s", offset, off, z.Name)
				return z
			}
		}
	}
	return nil
}

// GenericZone returns the first generic zone with offset or nil
func (db *DB) GenericZone(offset int) *Zone {
	for _, z := range db.generic {
		if z.Offset == offset {
			return z
		}
	}
	return nil
}

func (db *DB) mccEntry(mcc, mnc int) *MCCEntry {
	var anyMNC *MCCEntry
	for i := range db.mcc {
		e := &db.mcc[i]
		if e.MCC != mcc {
			continue
		}
		if e.MNC != nil {
			if *e.MNC == mnc {
				return e
			}
			continue
		}
		if anyMNC == nil {
			anyMNC = e
		}
	}
	return anyMNC
}

func (db *DB) countryForMCC(mcc int) string {
	for _, e := range db.mcc {
		if e.MCC == mcc && e.MNC == nil && e.CountryCode != "" {
			return e.CountryCode
		}
	}
	return ""
}

// ResolveByMCC returns the zone hinted for (mcc, mnc), falling back to any operator of mcc.
// Hints that name no known zone produce a record carrying only country, offset and DST.
func (db *DB) ResolveByMCC(mcc, mnc int) *Zone {
	e := db.mccEntry(mcc, mnc)
	if e == nil {
		return nil
	}
	if e.Zone != "" {
		if z := db.ResolveByName(e.Zone, ""); z != nil {
			return z
		}
	}
	return &Zone{
		Name:        e.Zone,
		CountryCode: e.CountryCode,
		Offset:      e.Offset,
		DST:         e.DST,
	}
}

// ResolveByName finds a zone by name, city must match when given
func (db *DB) ResolveByName(name, city string) *Zone {
	if name == "" {
		return nil
	}
	for _, z := range db.zones {
		if z.Name == name && (city == "" || z.City == city) {
			return z
		}
	}
	for _, z := range db.generic {
		if z.Name == name {
			return z
		}
	}
	if name == FailsafeName {
		return failsafe
	}
	return nil
}

// ZonesForOffset returns zones with offset in definition order
func (db *DB) ZonesForOffset(offset int) []*Zone {
	return db.byOffset[offset]
}

// CountryHasMultipleZones reports whether the zone's country spans more than one offset
func (db *DB) CountryHasMultipleZones(z *Zone) bool {
	if z == nil || z.CountryCode == "" {
		return false
	}
	return len(db.countryOffsets[z.CountryCode]) > 1
}

// ByLocale picks the zone for the country part of a locale such as en-US or en_US
func (db *DB) ByLocale(locale string) *Zone {
	parts := strings.FieldsFunc(locale, func(r rune) bool { return r == '-' || r == '_' })
	if len(parts) < 2 {
		return nil
	}
	cc := strings.ToUpper(parts[len(parts)-1])
	var preferred, first *Zone
	for _, z := range db.zones {
		if z.CountryCode != cc {
			continue
		}
		if z.Default {
			return z
		}
		if first == nil {
			first = z
		}
		if preferred == nil && z.Preferred {
			preferred = z
		}
	}
	if preferred != nil {
		return preferred
	}
	return first
}
