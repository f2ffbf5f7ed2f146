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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func defaultDB(t *testing.T) *DB {
	db, err := Default()
	require.NoError(t, err)
	return db
}

func TestLoadFormatGate(t *testing.T) {
	_, err := Load([]byte("format: \"2.0\"\nzones:\n  - {id: Europe/London, offset: 0, dst: true}\n"))
	require.ErrorContains(t, err, "unsupported zone definition format")

	_, err = Load([]byte("format: \"banana\"\nzones: []\n"))
	require.Error(t, err)

	_, err = Load([]byte("format: \"1.0\"\nzones: []\n"))
	require.ErrorContains(t, err, "no zones")

	_, err = Load([]byte("format: \"1.0\"\nunknown: 1\nzones:\n  - {id: Europe/London, offset: 0}\n"))
	require.Error(t, err)

	db, err := Load([]byte("format: \"1.0\"\nzones:\n  - {id: Europe/London, offset: 0, dst: true}\n"))
	require.NoError(t, err)
	require.Len(t, db.Zones(), 1)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(p, []byte("format: \"1.1\"\nzones:\n  - {id: Asia/Tokyo, offset: 540, preferred: true}\n"), 0o644))
	db, err := LoadFile(p)
	require.NoError(t, err)
	require.Equal(t, "Asia/Tokyo", db.ResolveByOffset(540, 0, 0).Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	db, err = LoadFile("")
	require.NoError(t, err)
	require.NotEmpty(t, db.Generic())
	require.NotEmpty(t, db.MCC())
}

func TestLookupOffsetPreferredMaps(t *testing.T) {
	db := defaultDB(t)
	tests := []struct {
		offset int
		dst    int
		want   string
	}{
		{-420, 1, "America/Denver"},
		{-420, 0, "America/Phoenix"},
		{600, 1, "Australia/Sydney"},
		{600, 0, "Australia/Brisbane"},
		{120, 0, "Africa/Johannesburg"},
		{120, 1, "Europe/Helsinki"},
		// only a DST preferred zone: used for both maps
		{630, 0, "Australia/Lord_Howe"},
		{630, 1, "Australia/Lord_Howe"},
		// no DST zone at all: DST map falls back to non-DST preferred
		{480, 1, "Asia/Singapore"},
		// DST fallback beats non-DST preferred in the DST map
		{-600, 1, "America/Adak"},
		{-600, 0, "Pacific/Honolulu"},
	}
	for _, tt := range tests {
		z := db.LookupOffset(tt.offset, tt.dst, 0)
		require.NotNil(t, z, "offset %d dst %d", tt.offset, tt.dst)
		require.Equal(t, tt.want, z.Name, "offset %d dst %d", tt.offset, tt.dst)
	}
	require.Nil(t, db.LookupOffset(555, 0, 0))
}

func TestLookupOffsetByCountry(t *testing.T) {
	db := defaultDB(t)
	// China is not preferred at +8 but the mcc pins the country
	require.Equal(t, "Asia/Shanghai", db.LookupOffset(480, 0, 460).Name)
	require.Equal(t, "Asia/Singapore", db.LookupOffset(480, 0, 0).Name)
	// US at -5 with DST
	require.Equal(t, "America/New_York", db.LookupOffset(-300, 1, 310).Name)
	// Canada at -6: no preferred zone, DST supported wins
	require.Equal(t, "America/Winnipeg", db.LookupOffset(-360, 0, 302).Name)
	// unknown mcc falls through to the preferred maps
	require.Equal(t, "Asia/Singapore", db.LookupOffset(480, 0, 999).Name)
	// country has no zone at offset
	require.Equal(t, "Asia/Tokyo", db.LookupOffset(540, 0, 460).Name)
}

func TestResolveByOffsetTotal(t *testing.T) {
	db := defaultDB(t)
	for off := -900; off <= 900; off += 15 {
		for dst := 0; dst <= 1; dst++ {
			require.NotNil(t, db.ResolveByOffset(off, dst, 0))
		}
	}
	require.Equal(t, FailsafeName, db.ResolveByOffset(-900, 0, 0).Name)
	require.Same(t, Failsafe(), db.ResolveByOffset(-900, 0, 0))
	require.Equal(t, "Etc/GMT+12", db.ResolveByOffset(-720, 0, 0).Name)
}

func TestNearest(t *testing.T) {
	db := defaultDB(t)
	// 555 is between Tokyo (540) and Darwin (570), lower side wins
	require.Equal(t, "Asia/Tokyo", db.Nearest(555, 0, 0).Name)
	require.Equal(t, "Australia/Sydney", db.Nearest(615, 1, 0).Name)
	require.Nil(t, db.Nearest(-900, 0, 0))
}

func TestGenericZone(t *testing.T) {
	db := defaultDB(t)
	require.Equal(t, "Etc/GMT-8", db.GenericZone(480).Name)
	require.Nil(t, db.GenericZone(330))
}

func TestResolveByMCC(t *testing.T) {
	db := defaultDB(t)
	require.Equal(t, "Asia/Shanghai", db.ResolveByMCC(460, 0).Name)
	require.Equal(t, "Pacific/Guam", db.ResolveByMCC(310, 140).Name)

	z := db.ResolveByMCC(310, 260)
	require.NotNil(t, z)
	require.Empty(t, z.Name)
	require.Equal(t, "US", z.CountryCode)
	require.Equal(t, -300, z.Offset)
	require.True(t, z.DST)

	require.Nil(t, db.ResolveByMCC(1, 1))
}

func TestResolveByName(t *testing.T) {
	db := defaultDB(t)
	require.Equal(t, "Europe/Paris", db.ResolveByName("Europe/Paris", "").Name)
	require.Equal(t, "Europe/Paris", db.ResolveByName("Europe/Paris", "Paris").Name)
	require.Nil(t, db.ResolveByName("Europe/Paris", "Lyon"))
	require.Equal(t, "Etc/GMT-3", db.ResolveByName("Etc/GMT-3", "").Name)
	require.Equal(t, FailsafeName, db.ResolveByName(FailsafeName, "").Name)
	require.Nil(t, db.ResolveByName("", ""))
	require.Nil(t, db.ResolveByName("Mars/Olympus_Mons", ""))
}

func TestZonesForOffset(t *testing.T) {
	db := defaultDB(t)
	names := []string{}
	for _, z := range db.ZonesForOffset(-300) {
		names = append(names, z.Name)
	}
	require.Equal(t, []string{"America/New_York", "America/Toronto", "America/Bogota", "America/Lima"}, names)
	require.Empty(t, db.ZonesForOffset(1))
}

func TestCountryHasMultipleZones(t *testing.T) {
	db := defaultDB(t)
	require.True(t, db.CountryHasMultipleZones(db.ResolveByName("America/Chicago", "")))
	require.False(t, db.CountryHasMultipleZones(db.ResolveByName("Asia/Shanghai", "")))
	require.False(t, db.CountryHasMultipleZones(Failsafe()))
	require.False(t, db.CountryHasMultipleZones(nil))
}

func TestByLocale(t *testing.T) {
	db := defaultDB(t)
	require.Equal(t, "America/New_York", db.ByLocale("en-US").Name)
	require.Equal(t, "Europe/Berlin", db.ByLocale("de_DE").Name)
	require.Equal(t, "Asia/Shanghai", db.ByLocale("zh-Hans-CN").Name)
	// no default: preferred wins
	require.Equal(t, "Asia/Tokyo", db.ByLocale("ja-jp").Name)
	// neither: first of the country
	require.Equal(t, "America/Lima", db.ByLocale("es-PE").Name)
	require.Nil(t, db.ByLocale("en"))
	require.Nil(t, db.ByLocale("xx-ZZ"))
}

func TestRules(t *testing.T) {
	db := defaultDB(t)
	rules, err := db.Rules("Europe/Helsinki", []int{2012})
	require.NoError(t, err)
	require.Equal(t, []YearRule{{
		Year:         2012,
		HasDSTChange: true,
		UTCOffset:    7200,
		DSTOffset:    10800,
		DSTStart:     1332637200,
		DSTEnd:       1351386000,
	}}, rules)

	rules, err = db.Rules("Europe/Moscow", []int{2012})
	require.NoError(t, err)
	require.Equal(t, YearRule{Year: 2012, UTCOffset: 14400, DSTOffset: -1, DSTStart: -1, DSTEnd: -1}, rules[0])

	_, err = db.Rules("Nowhere/Land", []int{2012})
	require.ErrorIs(t, err, ErrUnknownZone)
}

func TestRulesSouthernHemisphere(t *testing.T) {
	loc, err := NewLocations().Load("Australia/Sydney")
	require.NoError(t, err)
	r := RulesForYear(loc, 2020)
	require.True(t, r.HasDSTChange)
	require.Equal(t, int64(36000), r.UTCOffset)
	require.Equal(t, int64(39600), r.DSTOffset)
	// first Sunday of October 2020, 02:00 AEST
	require.Equal(t, time.Date(2020, 10, 3, 16, 0, 0, 0, time.UTC).Unix(), r.DSTStart)
}

func TestNextTransition(t *testing.T) {
	loc, err := NewLocations().Load("Europe/Helsinki")
	require.NoError(t, err)
	next, ok := NextTransition(loc, time.Unix(1330000000, 0))
	require.True(t, ok)
	require.Equal(t, int64(1332637200), next.Unix())

	next, ok = NextTransition(loc, next)
	require.True(t, ok)
	require.Equal(t, int64(1351386000), next.Unix())

	loc, err = NewLocations().Load("Asia/Shanghai")
	require.NoError(t, err)
	_, ok = NextTransition(loc, time.Unix(1700000000, 0))
	require.False(t, ok)
}

func TestConvertDate(t *testing.T) {
	db := defaultDB(t)
	out, err := db.ConvertDate("1982-12-06 17:25:33", "America/Los_Angeles", "America/New_York")
	require.NoError(t, err)
	require.Equal(t, "Mon Dec  6 20:25:33 1982", out)

	_, err = db.ConvertDate("1982-12-06 17:25:33xyz", "America/Los_Angeles", "America/New_York")
	require.EqualError(t, err, "unrecognized characters in date")

	_, err = db.ConvertDate("06/12/1982", "America/Los_Angeles", "America/New_York")
	require.EqualError(t, err, "unrecognized date format: '06/12/1982'")

	_, err = db.ConvertDate("1982-12-06 17:25:33", "Nowhere/Land", "America/New_York")
	require.EqualError(t, err, "timezone not found: 'Nowhere/Land'")
}

func TestToUTCToLocal(t *testing.T) {
	loc := time.FixedZone("UTC+2", 7200)
	utc := int64(1700000000)
	require.Equal(t, utc+7200, ToLocal(utc, loc))
	require.Equal(t, utc, ToUTC(ToLocal(utc, loc), loc))
}

func TestLocationsCache(t *testing.T) {
	l := NewLocations()
	a, err := l.Load("Europe/Paris")
	require.NoError(t, err)
	b, err := l.Load("Europe/Paris")
	require.NoError(t, err)
	require.Same(t, a, b)
	_, err = l.Load("")
	require.ErrorIs(t, err, ErrUnknownZone)
}

func TestLocationForZone(t *testing.T) {
	db := defaultDB(t)
	require.Equal(t, time.UTC, db.Location(nil))
	loc := db.Location(&Zone{Name: "Nowhere/Land", Offset: 90})
	_, off := time.Unix(0, 0).In(loc).Zone()
	require.Equal(t, 5400, off)
}
