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
Package tzdb is the static database of time zones known to the daemon.

Zones are indexed by UTC offset (in minutes, the unit NITZ uses), by
mobile country and network code, and by name. The database is loaded
once from a YAML definition and never mutated afterwards.
*/
package tzdb

import (
	_ "embed" // zones.yaml
	"fmt"
	"os"

	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// FormatConstraint is the range of definition format versions we understand
const FormatConstraint = ">= 1.0, < 2.0"

// FailsafeName is the zone used when nothing else resolves
const FailsafeName = "Etc/GMT-0"

//go:embed zones.yaml
var defaultDefinition []byte

// Zone is a single time zone record
type Zone struct {
	Name        string `yaml:"id" json:"ZoneID"`
	City        string `yaml:"city,omitempty" json:"City,omitempty"`
	Description string `yaml:"description,omitempty" json:"Description,omitempty"`
	Country     string `yaml:"country,omitempty" json:"Country,omitempty"`
	CountryCode string `yaml:"cc,omitempty" json:"CountryCode,omitempty"`
	DST         bool   `yaml:"dst" json:"supportsDST"`
	// Offset is the standard offset to UTC in minutes
	Offset    int  `yaml:"offset" json:"offsetFromUTC"`
	Preferred bool `yaml:"preferred,omitempty" json:"preferred,omitempty"`
	Default   bool `yaml:"default,omitempty" json:"default,omitempty"`
}

// DSTValue returns DST support as the 0/1 integer carried by NITZ
func (z *Zone) DSTValue() int {
	if z.DST {
		return 1
	}
	return 0
}

// MCCEntry is a mobile country code hint
type MCCEntry struct {
	MCC int `yaml:"mcc" json:"mcc"`
	// MNC is nil when the entry matches any operator in the country
	MNC         *int   `yaml:"mnc,omitempty" json:"mnc,omitempty"`
	Zone        string `yaml:"zone,omitempty" json:"ZoneID,omitempty"`
	CountryCode string `yaml:"cc,omitempty" json:"CountryCode,omitempty"`
	Offset      int    `yaml:"offset" json:"offsetFromUTC"`
	DST         bool   `yaml:"dst" json:"supportsDST"`
}

// Definition is the on-disk layout of the zone definition file
type Definition struct {
	Format  string     `yaml:"format"`
	Zones   []Zone     `yaml:"zones"`
	Generic []Zone     `yaml:"generic"`
	MCC     []MCCEntry `yaml:"mcc"`
}

var failsafe = &Zone{
	Name:        FailsafeName,
	Description: "GMT",
}

// Failsafe returns the compiled-in zone that is always resolvable
func Failsafe() *Zone {
	return failsafe
}

// DB is the zone database. Returned *Zone values are shared and must not be modified.
type DB struct {
	zones   []*Zone
	generic []*Zone
	mcc     []MCCEntry

	byOffset  map[int][]*Zone
	prefDST   map[int]*Zone
	prefNoDST map[int]*Zone
	// distinct offsets per country code
	countryOffsets map[string]map[int]struct{}

	locations *Locations
}

// Default loads the embedded definition
func Default() (*DB, error) {
	return Load(defaultDefinition)
}

// LoadFile loads a definition from path, empty path means the embedded one
func LoadFile(path string) (*DB, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses a YAML definition and builds the indexes
func Load(data []byte) (*DB, error) {
	d := Definition{}
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("parsing zone definition: %w", err)
	}
	if err := checkFormat(d.Format); err != nil {
		return nil, err
	}
	if len(d.Zones) == 0 {
		return nil, fmt.Errorf("zone definition has no zones")
	}
	return build(&d), nil
}

func checkFormat(f string) error {
	v, err := version.NewVersion(f)
	if err != nil {
		return fmt.Errorf("bad zone definition format %q: %w", f, err)
	}
	c, err := version.NewConstraint(FormatConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported zone definition format %s, want %s", v, FormatConstraint)
	}
	return nil
}

// preferredZones collects candidates for one offset while scanning
type preferredZones struct {
	dstPref        *Zone
	nonDSTPref     *Zone
	dstFallback    *Zone
	nonDSTFallback *Zone
}

func build(d *Definition) *DB {
	db := &DB{
		byOffset:       map[int][]*Zone{},
		prefDST:        map[int]*Zone{},
		prefNoDST:      map[int]*Zone{},
		countryOffsets: map[string]map[int]struct{}{},
		mcc:            d.MCC,
		locations:      NewLocations(),
	}
	candidates := map[int]*preferredZones{}
	for i := range d.Zones {
		z := &d.Zones[i]
		db.zones = append(db.zones, z)
		db.byOffset[z.Offset] = append(db.byOffset[z.Offset], z)
		if _, ok := db.countryOffsets[z.CountryCode]; !ok {
			db.countryOffsets[z.CountryCode] = map[int]struct{}{}
		}
		db.countryOffsets[z.CountryCode][z.Offset] = struct{}{}

		p, ok := candidates[z.Offset]
		if !ok {
			p = &preferredZones{}
			candidates[z.Offset] = p
		}
		// later preferred entries win, fallbacks keep the first seen
		switch {
		case z.Preferred && z.DST:
			p.dstPref = z
		case z.Preferred:
			p.nonDSTPref = z
		case z.DST:
			if p.dstFallback == nil {
				p.dstFallback = z
			}
		default:
			if p.nonDSTFallback == nil {
				p.nonDSTFallback = z
			}
		}
	}
	for off, p := range candidates {
		if p.dstPref != nil && p.nonDSTPref == nil {
			db.prefDST[off] = p.dstPref
			db.prefNoDST[off] = p.dstPref
			continue
		}
		db.prefDST[off] = firstZone(p.dstPref, p.dstFallback, p.nonDSTPref, p.nonDSTFallback)
		db.prefNoDST[off] = firstZone(p.nonDSTPref, p.nonDSTFallback, p.dstPref, p.dstFallback)
	}
	for i := range d.Generic {
		db.generic = append(db.generic, &d.Generic[i])
	}
	log.Debugf("loaded %d zones, %d generic zones, %d mcc hints", len(db.zones), len(db.generic), len(db.mcc))
	return db
}

func firstZone(zones ...*Zone) *Zone {
	for _, z := range zones {
		if z != nil {
			return z
		}
	}
	return nil
}

// Zones returns all zones in definition order
func (db *DB) Zones() []*Zone {
	return db.zones
}

// Generic returns generic zones in definition order
func (db *DB) Generic() []*Zone {
	return db.generic
}

// MCC returns the mobile country code hints
func (db *DB) MCC() []MCCEntry {
	return db.mcc
}

// Locations returns the location cache of this database
func (db *DB) Locations() *Locations {
	return db.locations
}
