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

package prefs

import (
	"fmt"
	"sync"

	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"
)

// IniStore keeps values in the default section of an ini file and saves the file on every write
type IniStore struct {
	mu   sync.Mutex
	path string
	file *ini.File
}

// OpenIni loads path, a missing file starts empty
func OpenIni(path string) (*IniStore, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("loading preferences from %s: %w", path, err)
	}
	log.Debugf("loaded %d preferences from %s", len(f.Section("").Keys()), path)
	return &IniStore{path: path, file: f}, nil
}

// Get returns the value of key
func (s *IniStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.file.Section("").GetKey(key)
	if err != nil {
		return "", false
	}
	return k.String(), true
}

// Set stores value under key and saves the file.
// The in-memory value is kept even if saving fails.
func (s *IniStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Section("").Key(key).SetValue(value)
	if err := s.file.SaveTo(s.path); err != nil {
		return fmt.Errorf("saving preference %s: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys in file order
func (s *IniStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Section("").KeyStrings()
}
