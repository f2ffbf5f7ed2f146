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
	"strings"
	"time"
)

// InvalidOffset marks a message without a zone offset
const InvalidOffset = -1000

// DefaultValidity is how long a message stays usable after it was received
const DefaultValidity = 60 * time.Second

// Parameters is one network time and zone announcement
type Parameters struct {
	// civil time, Mon is 0-11 and Year counts from 1900
	Sec, Min, Hour, MDay, Mon, Year int
	// Offset is the zone offset in minutes
	Offset    int
	DST       int
	MCC       int
	MNC       int
	TimeValid bool
	ZoneValid bool
	DSTValid  bool
	Received  time.Time
}

// Valid is false once the message is older than threshold
func (p *Parameters) Valid(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.Received) <= threshold
}

// FullyValid reports whether time, zone and DST were all announced valid
func (p *Parameters) FullyValid() bool {
	return p.TimeValid && p.ZoneValid && p.DSTValid
}

// UTC converts the civil fields
func (p *Parameters) UTC() (time.Time, error) {
	switch {
	case p.Sec < 0 || p.Sec > 60,
		p.Min < 0 || p.Min > 59,
		p.Hour < 0 || p.Hour > 23,
		p.MDay < 1 || p.MDay > 31,
		p.Mon < 0 || p.Mon > 11,
		p.Year < 70:
		return time.Time{}, fmt.Errorf("civil time %d-%d-%d %d:%d:%d out of range", p.Year, p.Mon, p.MDay, p.Hour, p.Min, p.Sec)
	}
	t := time.Date(p.Year+1900, time.Month(p.Mon+1), p.MDay, p.Hour, p.Min, p.Sec, 0, time.UTC)
	if t.Day() != p.MDay {
		return time.Time{}, fmt.Errorf("day %d does not exist in month %d", p.MDay, p.Mon+1)
	}
	return t, nil
}

// Message is the wire shape of a network time announcement.
// Numbers arrive as decimal strings.
type Message struct {
	Sec       string  `json:"sec"`
	Min       string  `json:"min"`
	Hour      string  `json:"hour"`
	MDay      string  `json:"mday"`
	Mon       string  `json:"mon"`
	Year      string  `json:"year"`
	Offset    *string `json:"offset"`
	MCC       string  `json:"mcc"`
	MNC       string  `json:"mnc"`
	TZValid   bool    `json:"tzvalid"`
	TimeValid bool    `json:"timevalid"`
	DSTValid  bool    `json:"dstvalid"`
	DST       int     `json:"dst"`
	Timestamp string  `json:"timestamp"`
	TilIgnore bool    `json:"tilIgnore"`
}

// Parameters converts m. Messages without a timestamp count as received at now.
func (m *Message) Parameters(now time.Time) (Parameters, Flags) {
	p := Parameters{
		Sec:       leadingInt(m.Sec),
		Min:       leadingInt(m.Min),
		Hour:      leadingInt(m.Hour),
		MDay:      leadingInt(m.MDay),
		Mon:       leadingInt(m.Mon),
		Year:      leadingInt(m.Year),
		Offset:    InvalidOffset,
		DST:       m.DST,
		MCC:       leadingInt(m.MCC),
		MNC:       leadingInt(m.MNC),
		TimeValid: m.TimeValid,
		ZoneValid: m.TZValid,
		DSTValid:  m.DSTValid,
		Received:  now,
	}
	if m.Offset != nil {
		p.Offset = leadingInt(*m.Offset)
	}
	if p.Offset == InvalidOffset {
		p.ZoneValid = false
	}
	if ts := leadingInt(m.Timestamp); ts > 0 {
		p.Received = time.Unix(int64(ts), 0)
	}
	var f Flags
	if m.TilIgnore {
		f |= IgnoreUntilSet
	}
	return p, f
}

// leadingInt parses an optional sign and leading digits, anything else yields 0
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}
