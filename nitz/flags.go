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
	"strings"

	"github.com/facebook/timeprefs/prefs"
)

// Flags is the policy bitmask threaded through the pipeline stages
type Flags uint32

// Policy flags
const (
	AllowNTP Flags = 1 << iota
	AllowMCC
	AllowGenericZone
	ForceGenericZone
	SkipDSTSelect
	IgnoreUntilSet
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{AllowNTP, "ntp"},
	{AllowMCC, "mcc"},
	{AllowGenericZone, "generic"},
	{ForceGenericZone, "force-generic"},
	{SkipDSTSelect, "skip-dst"},
	{IgnoreUntilSet, "ignore-until-set"},
}

// Has reports whether all bits of x are set
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// LoadFlags reads the policy switches from the preferences store
func LoadFlags(s prefs.Store) Flags {
	var f Flags
	if prefs.IsTrue(s, prefs.UseGenericExclusively) {
		f |= ForceGenericZone
	}
	if prefs.IsTrue(s, prefs.AllowGenericTimezones) {
		f |= AllowGenericZone
	}
	if prefs.IsTrue(s, prefs.AllowMCCAssistedTimezones) {
		f |= AllowMCC
	}
	if prefs.IsTrue(s, prefs.AllowNTPTime) {
		f |= AllowNTP
	}
	return f
}

// Setting is the pair of user switches gating automatic time and zone
type Setting struct {
	Time bool
	Zone bool
}

// Disabled reports whether both automatic time and zone are off
func (s Setting) Disabled() bool {
	return !s.Time && !s.Zone
}
