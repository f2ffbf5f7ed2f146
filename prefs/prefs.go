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

// Package prefs is the string key/value store the daemon persists its settings in.
package prefs

import (
	"sort"
	"sync"
)

// Keys used by the time daemon
const (
	UseNetworkTime               = "useNetworkTime"
	UseNetworkTimeZone           = "useNetworkTimeZone"
	TimeZone                     = "timeZone"
	LastTimeZone                 = "lastTimeZone"
	TimeFormat                   = "timeFormat"
	TimeChangeLaunch             = "timeChangeLaunch"
	TimeDriftPeriodHr            = "timeDriftPeriodHr"
	NTPWakeupAlarm               = "ntpWakeupAlarm"
	NITZValidity                 = "nitzValidity"
	TimeSources                  = "timeSources"
	LastSystemTimeSource         = "lastSystemTimeSource"
	LastBroadcastTime            = "lastBroadcastTime"
	UseGenericExclusively        = "timeZonesUseGenericExclusively"
	AllowGenericTimezones        = "AllowGenericTimezones"
	AllowMCCAssistedTimezones    = "AllowMCCAssistedTimezones"
	AllowNTPTime                 = "AllowNTPTime"
	StrictDSTErrors              = ".sysservice-time-strictDstErrors"
	NITZHandlerTimeout           = ".sysservice-time-nitzHandlerTimeout"
	AutoNTPInterval              = ".sysservice-time-autoNtpInterval"
	ReceiveNetworkTimeUpdate     = "receiveNetworkTimeUpdate"
	ReceiveNetworkTimezoneUpdate = "receiveNetworkTimezoneUpdate"
)

// Store persists string values. Writes are last-writer-wins.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// GetDefault returns the value of key or def when it is not set
func GetDefault(s Store, key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// IsTrue reports whether key is set to "true"
func IsTrue(s Store, key string) bool {
	v, _ := s.Get(key)
	return v == "true"
}

// FormatBool returns the stored representation of b
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// MemStore is an in-memory Store
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemStore returns a MemStore holding a copy of initial
func NewMemStore(initial map[string]string) *MemStore {
	m := &MemStore{values: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

// Get returns the value of key
func (m *MemStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key
func (m *MemStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Keys returns all keys, sorted
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
