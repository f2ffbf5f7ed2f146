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
Package nitz implements handling of network time and zone announcements.

Every announcement runs through a pipeline of stages (entry, time value,
offset value, DST value, exit) sharing one Context. The same stages run in
a timeout flavour when no complete announcement arrived in time, falling
back to NTP and MCC hints.
*/
package nitz

import (
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/prefs"
	"github.com/facebook/timeprefs/tzdb"
)

// Kind selects the pipeline flavour
type Kind int

// Pipeline kinds
const (
	KindNITZ Kind = iota
	KindTimeout
)

func (k Kind) String() string {
	if k == KindTimeout {
		return "timeout-nitz"
	}
	return "nitz"
}

var (
	// ErrStale is returned for announcements older than the validity threshold
	ErrStale = errors.New("timestamps are too far apart")
	// ErrDisabled is returned when both automatic time and zone are off
	ErrDisabled = errors.New("network time and zone are disabled")
)

// Host is what the pipelines act upon
type Host interface {
	// Setting returns the automatic time and zone switches
	Setting() Setting
	// ProposeTime offers a clock delta from the network to the arbiter
	ProposeTime(delta time.Duration) bool
	// RequestNTP asks for a network time query
	RequestNTP()
	// CommitZone makes z the active zone, nil selects the failsafe zone
	CommitZone(z *tzdb.Zone)
	// ValidityChanged is called when a pipeline settled validity
	ValidityChanged(timeValid, zoneValid bool)
}

// Context is the mutable state threaded through the stages
type Context struct {
	Kind   Kind
	Params Parameters
	Flags  Flags
	Status string
}

// StageError is a failed pipeline stage
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s message failed %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type stage struct {
	label string
	run   func(m *Machine, c *Context) error
}

var pipeline = []stage{
	{"entry", (*Machine).entry},
	{"in time-value handler", (*Machine).timeValue},
	{"in timeoffset-value handler", (*Machine).offsetValue},
	{"in timedst-value handler", (*Machine).dstValue},
	{"exit", (*Machine).exit},
}

// Config holds the collaborators of a Machine
type Config struct {
	DB        *tzdb.DB
	Store     prefs.Store
	Clock     clock.Clock
	Scheduler loop.Scheduler
	Host      Host
	// Threshold is the maximum age of an announcement
	Threshold time.Duration
}

// Machine runs announcements through the pipeline. It is not safe for concurrent use.
type Machine struct {
	db        *tzdb.DB
	store     prefs.Store
	clock     clock.Clock
	host      Host
	threshold time.Duration
	cycle     *Cycle

	last         *Parameters
	lastFlags    Flags
	lastValidity Validity
	immTimeValid bool
	immZoneValid bool
}

// NewMachine returns a Machine together with its timeout cycle
func NewMachine(cfg Config) *Machine {
	m := &Machine{
		db:        cfg.DB,
		store:     cfg.Store,
		clock:     cfg.Clock,
		host:      cfg.Host,
		threshold: cfg.Threshold,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultValidity
	}
	m.cycle = NewCycle(cfg.Scheduler, cfg.Store, m.RunTimeout)
	return m
}

// Cycle returns the timeout cycle
func (m *Machine) Cycle() *Cycle {
	return m.cycle
}

// Handle runs an announcement through the pipeline.
// A fully valid announcement settles the timeout cycle, anything else starts or extends it.
func (m *Machine) Handle(p Parameters, flags Flags) error {
	log.Debugf("nitz parameters: %s", spew.Sdump(p))
	c := &Context{Kind: KindNITZ, Params: p, Flags: flags}
	err := m.run(c)
	if err == nil && m.lastValidity == ValidityValid && c.Params.FullyValid() {
		m.cycle.Settle()
		return nil
	}
	m.cycle.Start()
	return err
}

// Bootstrap forces NTP on the next timeout and starts the cycle after delay
func (m *Machine) Bootstrap(delay time.Duration) {
	if m.last != nil {
		m.last.TimeValid = false
	}
	m.cycle.Bootstrap(delay)
}

func (m *Machine) run(c *Context) error {
	for _, s := range pipeline {
		if err := s.run(m, c); err != nil {
			serr := &StageError{Kind: c.Kind, Stage: s.label, Err: err}
			c.Status = serr.Error()
			if !errors.Is(err, ErrDisabled) {
				m.lastValidity = ValidityInvalid
			}
			log.Warning(c.Status)
			return serr
		}
	}
	p := c.Params
	m.last = &p
	m.lastFlags = c.Flags
	log.Debugf("%s pipeline completed, flags %s", c.Kind, c.Flags)
	return nil
}

// RunTimeout runs the timeout pipeline and settles validity from what it achieved
func (m *Machine) RunTimeout() {
	c := &Context{Kind: KindTimeout, Params: Parameters{Offset: InvalidOffset}}
	_ = m.run(c)

	if m.host.Setting().Disabled() {
		log.Debug("automatic time and zone are off, leaving validity alone")
		return
	}
	p := c.Params
	if !p.TimeValid && !p.ZoneValid && !p.DSTValid {
		log.Warning("network time and zone could not be established")
		m.immTimeValid = false
		m.immZoneValid = false
		TransitionState(m.store, false, false)
		m.lastValidity = ValidityInvalid
		m.host.ValidityChanged(false, false)
		return
	}
	all := p.FullyValid()
	TransitionState(m.store, all, false)
	if all {
		m.lastValidity = ValidityValid
	} else {
		m.lastValidity = ValidityInvalid
	}
	m.immTimeValid = p.TimeValid
	m.immZoneValid = p.ZoneValid && p.DSTValid
	log.Infof("timeout settled: time valid %v, zone valid %v", m.immTimeValid, m.immZoneValid)
	m.host.ValidityChanged(m.immTimeValid, m.immZoneValid)
}

// LastParameters returns a copy of the last accepted announcement
func (m *Machine) LastParameters() (Parameters, Flags, bool) {
	if m.last == nil {
		return Parameters{}, 0, false
	}
	return *m.last, m.lastFlags, true
}

// LastValidity returns the outcome of the last run
func (m *Machine) LastValidity() Validity {
	return m.lastValidity
}

// Immediate returns whether time and zone were last established from the network
func (m *Machine) Immediate() (timeValid, zoneValid bool) {
	return m.immTimeValid, m.immZoneValid
}

// TransitionState moves the persisted validity state using the last outcome
func (m *Machine) TransitionState(userSetTime bool) string {
	return TransitionState(m.store, m.lastValidity == ValidityValid, userSetTime)
}

func (m *Machine) entry(c *Context) error {
	if c.Kind == KindTimeout {
		if m.last != nil {
			c.Params = *m.last
			c.Flags = m.lastFlags
			return nil
		}
		c.Flags |= LoadFlags(m.store)
		return nil
	}
	if !c.Params.Valid(m.clock.Now(), m.threshold) {
		return ErrStale
	}
	if m.host.Setting().Disabled() {
		return ErrDisabled
	}
	c.Flags |= LoadFlags(m.store)
	return nil
}

func (m *Machine) timeValue(c *Context) error {
	if !m.host.Setting().Time {
		return nil
	}
	p := &c.Params
	if c.Kind == KindNITZ && (p.TimeValid || c.Flags.Has(IgnoreUntilSet)) {
		utc, err := p.UTC()
		if err != nil {
			log.Warningf("ignoring network time: %v", err)
			p.TimeValid = false
		} else {
			p.TimeValid = true
			m.host.ProposeTime(utc.Sub(m.clock.Now()))
			m.received(prefs.ReceiveNetworkTimeUpdate)
			return nil
		}
	}
	if p.TimeValid {
		return nil
	}
	if !c.Flags.Has(AllowNTP) {
		return nil
	}
	m.host.RequestNTP()
	return nil
}

func (m *Machine) offsetValue(c *Context) error {
	if !m.host.Setting().Zone {
		return nil
	}
	if c.Kind == KindTimeout {
		return m.timeoutOffsetValue(c)
	}
	p := &c.Params
	carrierOffset(p)
	if !p.ZoneValid {
		return nil
	}
	if c.Flags.Has(ForceGenericZone) {
		m.commit(m.db.GenericZone(p.Offset))
		return nil
	}
	dst := p.DST
	if p.DSTValid {
		c.Flags |= SkipDSTSelect
	} else {
		dst = 0
	}
	z := m.db.LookupOffset(p.Offset, dst, p.MCC)
	if z == nil && c.Flags.Has(AllowMCC) {
		if hint := m.db.ResolveByMCC(p.MCC, p.MNC); hint != nil && hint.Name != "" {
			log.Debugf("offset %d unknown, using mcc %d hint %s", p.Offset, p.MCC, hint.Name)
			z = hint
		}
	}
	if z == nil {
		z = m.db.Nearest(p.Offset, dst, p.MCC)
	}
	if z == nil && c.Flags.Has(AllowGenericZone) {
		z = m.db.GenericZone(p.Offset)
	}
	m.commit(z)
	return nil
}

func (m *Machine) timeoutOffsetValue(c *Context) error {
	p := &c.Params
	if p.ZoneValid || !c.Flags.Has(AllowMCC) {
		return nil
	}
	z := m.db.ResolveByMCC(p.MCC, p.MNC)
	if z == nil {
		return nil
	}
	p.Offset = z.Offset
	p.DST = z.DSTValue()
	if z.Name == "" {
		z = m.db.LookupOffset(p.Offset, p.DST, 0)
		// a bare offset cannot pick between the zones of a wide country
		if z == nil || m.db.CountryHasMultipleZones(z) {
			return nil
		}
	}
	p.ZoneValid = true
	p.DSTValid = true
	m.commit(z)
	return nil
}

// carrierOffset fixes networks announcing summer time as a doubled offset
func carrierOffset(p *Parameters) {
	if (p.MCC == 208 || p.MCC == 214) && p.Offset == 120 {
		log.Warningf("mcc %d announced offset 120, using offset 60 with dst", p.MCC)
		p.ZoneValid = true
		p.Offset = 60
		p.DST = 1
		p.DSTValid = true
	}
}

func (m *Machine) dstValue(c *Context) error {
	if c.Kind != KindTimeout || c.Flags.Has(SkipDSTSelect) {
		return nil
	}
	// some networks never send dstvalid, only strict mode treats that as a failure
	if !prefs.IsTrue(m.store, prefs.StrictDSTErrors) {
		c.Params.DSTValid = true
	}
	return nil
}

func (m *Machine) exit(c *Context) error {
	if c.Kind != KindNITZ || !c.Params.FullyValid() {
		return nil
	}
	m.lastValidity = ValidityValid
	m.immTimeValid = true
	m.immZoneValid = true
	TransitionState(m.store, true, false)
	m.host.ValidityChanged(true, true)
	return nil
}

func (m *Machine) commit(z *tzdb.Zone) {
	m.host.CommitZone(z)
	m.received(prefs.ReceiveNetworkTimezoneUpdate)
}

func (m *Machine) received(key string) {
	if err := m.store.Set(key, "true"); err != nil {
		log.Errorf("failed to record %s: %v", key, err)
	}
}
