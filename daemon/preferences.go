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
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/arbiter"
	"github.com/facebook/timeprefs/prefs"
)

var (
	errReadOnly      = errors.New("preference is read-only")
	errUnknownPref   = errors.New("unknown preference")
	errInvalidFormat = errors.New("timeFormat must be HH12 or HH24")
)

type prefKind int

const (
	prefBool prefKind = iota
	prefString
	prefJSON
)

type prefDef struct {
	kind     prefKind
	readOnly bool
}

var prefDefs = map[string]prefDef{
	prefs.UseNetworkTime:            {kind: prefBool},
	prefs.UseNetworkTimeZone:        {kind: prefBool},
	prefs.NTPWakeupAlarm:            {kind: prefBool},
	prefs.UseGenericExclusively:     {kind: prefBool},
	prefs.AllowGenericTimezones:     {kind: prefBool},
	prefs.AllowMCCAssistedTimezones: {kind: prefBool},
	prefs.AllowNTPTime:              {kind: prefBool},
	prefs.TimeZone:                  {kind: prefJSON},
	prefs.TimeChangeLaunch:          {kind: prefJSON},
	prefs.TimeSources:               {kind: prefJSON},
	prefs.TimeFormat:                {kind: prefString},
	prefs.TimeDriftPeriodHr:         {kind: prefString},
	prefs.NITZValidity:              {kind: prefString, readOnly: true},
	prefs.LastTimeZone:              {kind: prefString, readOnly: true},
	prefs.LastSystemTimeSource:      {kind: prefString, readOnly: true},
}

// PreferenceValues carries preference values keyed by name
type PreferenceValues struct {
	Values map[string]json.RawMessage `json:"values"`
}

// PreferenceKeys lists the exposed preferences
func PreferenceKeys() []string {
	keys := make([]string, 0, len(prefDefs))
	for k := range prefDefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Preferences returns the JSON values of keys. Unset keys are omitted.
func (o *Orchestrator) Preferences(keys []string) (map[string]json.RawMessage, error) {
	res := map[string]json.RawMessage{}
	for _, k := range keys {
		def, ok := prefDefs[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errUnknownPref, k)
		}
		v, ok := o.store.Get(k)
		if !ok || v == "" {
			continue
		}
		switch def.kind {
		case prefBool:
			res[k] = json.RawMessage(strconv.FormatBool(v == "true"))
		case prefJSON:
			res[k] = json.RawMessage(v)
		default:
			b, _ := json.Marshal(v)
			res[k] = b
		}
	}
	return res, nil
}

// SetPreferences validates and applies values in key order.
// It stops at the first invalid value, earlier keys stay applied.
func (o *Orchestrator) SetPreferences(values map[string]json.RawMessage) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.setPreference(k, values[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		// zone commits publish timeZone themselves
		if k != prefs.TimeZone {
			o.publishPreference(k)
		}
	}
	return nil
}

// publishPreference pushes the stored value of key to preference subscribers
func (o *Orchestrator) publishPreference(key string) {
	if o.prefsHub.Len() == 0 {
		return
	}
	values, err := o.Preferences([]string{key})
	if err != nil || len(values) == 0 {
		return
	}
	log.Debugf("preference %s changed, notifying %d subscribers", key, o.prefsHub.Len())
	o.prefsHub.Publish(PreferenceValues{Values: values})
}

func (o *Orchestrator) setPreference(key string, raw json.RawMessage) error {
	def, ok := prefDefs[key]
	if !ok {
		return errUnknownPref
	}
	if def.readOnly {
		return errReadOnly
	}
	if def.kind == prefBool {
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("expected a boolean: %w", err)
		}
		return o.setBool(key, b)
	}
	switch key {
	case prefs.TimeZone:
		ref, err := parseZoneRef(raw)
		if err != nil {
			return err
		}
		return o.SetTimeZone(ref)
	case prefs.TimeChangeLaunch:
		var list []LaunchEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return err
		}
		for _, e := range list {
			if err := validate.Struct(e); err != nil {
				return err
			}
		}
		return saveLaunchList(o.store, list)
	case prefs.TimeSources:
		var sources []string
		if err := json.Unmarshal(raw, &sources); err != nil {
			return err
		}
		if len(sources) == 0 {
			return fmt.Errorf("empty source list")
		}
		if err := o.store.Set(key, string(raw)); err != nil {
			return err
		}
		o.arbiter.SetSources(arbiter.LoadSources(o.store))
		return nil
	case prefs.TimeFormat:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v != "HH12" && v != "HH24" {
			return errInvalidFormat
		}
		return o.store.Set(key, v)
	case prefs.TimeDriftPeriodHr:
		hours, err := parseHours(raw)
		if err != nil {
			return err
		}
		if hours < -1 || time.Duration(hours)*time.Hour > arbiter.MaxDriftPeriod {
			return fmt.Errorf("drift period %d out of range [-1, %d]", hours, int(arbiter.MaxDriftPeriod/time.Hour))
		}
		v := strconv.Itoa(hours)
		if err := o.store.Set(key, v); err != nil {
			return err
		}
		o.arbiter.SetDriftPeriod(arbiter.ParseDriftPeriod(v))
		return nil
	}
	return errUnknownPref
}

// parseHours accepts a number or a numeric string
func parseHours(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("expected a number of hours: %w", err)
	}
	return strconv.Atoi(s)
}

func (o *Orchestrator) setBool(key string, b bool) error {
	prev := prefs.IsTrue(o.store, key)
	if err := o.store.Set(key, prefs.FormatBool(b)); err != nil {
		return err
	}
	if prev == b {
		return nil
	}
	log.Infof("preference %s changed to %v", key, b)
	switch key {
	case prefs.UseNetworkTime:
		o.arbiter.SetManual(!b)
		o.scheduleWakeup()
		if b {
			o.requestNTP("network time enabled")
			o.machine.Cycle().Start()
		}
		o.publishTime()
	case prefs.UseNetworkTimeZone:
		if b {
			o.machine.Cycle().Start()
		}
	case prefs.NTPWakeupAlarm:
		o.scheduleWakeup()
	}
	return nil
}
