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
	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/prefs"
)

// Validity is the outcome of the last pipeline run
type Validity int

// Validity values
const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	}
	return "unknown"
}

// Persisted validity states shown to the user
const (
	StateValid          = "NITZVALID"
	StateInvalidUserNot = "NITZINVALID_USERNOTSET"
	StateInvalidUserSet = "NITZINVALID_USERSET"
)

// NextState returns the validity state following current
func NextState(current string, nitzValid, userSetTime bool) string {
	switch current {
	case StateValid, "":
		if nitzValid {
			return StateValid
		}
		return StateInvalidUserNot
	case StateInvalidUserNot:
		if userSetTime {
			return StateInvalidUserSet
		}
		if nitzValid {
			return StateValid
		}
		return StateInvalidUserNot
	case StateInvalidUserSet:
		if nitzValid {
			return StateValid
		}
		return StateInvalidUserSet
	}
	return StateValid
}

// TransitionState moves the persisted validity state and returns the previous one
func TransitionState(s prefs.Store, nitzValid, userSetTime bool) string {
	current, _ := s.Get(prefs.NITZValidity)
	next := NextState(current, nitzValid, userSetTime)
	if err := s.Set(prefs.NITZValidity, next); err != nil {
		log.Errorf("failed to persist nitz validity: %v", err)
	}
	log.Debugf("transitioning [%s] -> [%s]", current, next)
	return current
}
