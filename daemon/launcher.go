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
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/prefs"
)

// Launcher starts an application after the system time changed
type Launcher interface {
	Launch(appID string, params json.RawMessage) error
}

// LogLauncher only records launches
type LogLauncher struct{}

// Launch logs the request
func (LogLauncher) Launch(appID string, params json.RawMessage) error {
	log.Infof("launching %s with %s", appID, string(params))
	return nil
}

// LaunchEntry is one registered time change application
type LaunchEntry struct {
	AppID      string          `json:"appId" validate:"required"`
	Active     bool            `json:"active"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// loadLaunchList reads the registered applications, a broken value reads as empty
func loadLaunchList(s prefs.Store) []LaunchEntry {
	v, ok := s.Get(prefs.TimeChangeLaunch)
	if !ok || v == "" {
		return nil
	}
	var list []LaunchEntry
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		log.Warningf("ignoring malformed %s: %v", prefs.TimeChangeLaunch, err)
		return nil
	}
	return list
}

// upsertLaunch replaces the entry of e.AppID or appends e
func upsertLaunch(list []LaunchEntry, e LaunchEntry) []LaunchEntry {
	for i := range list {
		if list[i].AppID == e.AppID {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func saveLaunchList(s prefs.Store, list []LaunchEntry) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := s.Set(prefs.TimeChangeLaunch, string(b)); err != nil {
		return fmt.Errorf("saving %s: %w", prefs.TimeChangeLaunch, err)
	}
	return nil
}
