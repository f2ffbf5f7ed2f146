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
Package daemon implements the time preferences orchestrator.

All state lives on one event loop. Requests, timer expirations, NTP and
companion clock results are posted to the loop and run to completion there,
so observers are notified within the same turn that changed the state.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/timeprefs/arbiter"
	"github.com/facebook/timeprefs/broadcast"
	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/dst"
	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/nitz"
	"github.com/facebook/timeprefs/ntp"
	"github.com/facebook/timeprefs/prefs"
	"github.com/facebook/timeprefs/tzdb"
)

// Broadcast source tags
const (
	TagBroadcastAdjusted = "broadcast-adjusted"
	TagBroadcast         = "broadcast"
)

var (
	errNoNTP        = errors.New("no ntp client configured")
	errBroadcastSet = errors.New("Failed to update broadcast time offsets")
	errNoBroadcast  = errors.New("No information available")
)

// CompanionClock reads the companion hardware clock
type CompanionClock interface {
	ReadTime() (time.Time, error)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Clock     clock.Clock
	Store     prefs.Store
	DB        *tzdb.DB
	NTP       ntp.Querier
	Companion CompanionClock
	Launcher  Launcher
	Stats     StatsServer
	// Loop runs all events. Without it events run on the caller and Scheduler must be set.
	Loop      *loop.Loop
	Scheduler loop.Scheduler
}

// Orchestrator owns the time and zone state of the device
type Orchestrator struct {
	cfg       *Config
	clock     clock.Clock
	store     prefs.Store
	db        *tzdb.DB
	ntp       ntp.Querier
	companion CompanionClock
	launcher  Launcher
	stats     StatsServer

	loop   *loop.Loop
	sched  loop.Scheduler
	ctx    context.Context
	goFunc func(f func())

	machine *nitz.Machine
	arbiter *arbiter.Arbiter
	tracker *broadcast.Tracker
	dst     *dst.Scheduler
	waker   nitz.Waker

	zone    *tzdb.Zone
	lastNTP *ntp.Result

	timeHub      *Hub
	effectiveHub *Hub
	prefsHub     *Hub
}

// New wires an Orchestrator. Nothing happens until Start.
func New(cfg *Config, deps Deps) (*Orchestrator, error) {
	if deps.Clock == nil || deps.Store == nil || deps.DB == nil {
		return nil, fmt.Errorf("clock, store and zone database are required")
	}
	sched := deps.Scheduler
	if sched == nil {
		if deps.Loop == nil {
			return nil, fmt.Errorf("either a loop or a scheduler is required")
		}
		sched = deps.Loop
	}
	o := &Orchestrator{
		cfg:          cfg,
		clock:        deps.Clock,
		store:        deps.Store,
		db:           deps.DB,
		ntp:          deps.NTP,
		companion:    deps.Companion,
		launcher:     deps.Launcher,
		stats:        deps.Stats,
		loop:         deps.Loop,
		sched:        sched,
		ctx:          context.Background(),
		goFunc:       func(f func()) { go f() },
		tracker:      broadcast.NewTracker(deps.Clock, cfg.BroadcastStaleness),
		waker:        nitz.NewLoopWaker(sched),
		timeHub:      NewHub("system time"),
		effectiveHub: NewHub("effective broadcast time"),
		prefsHub:     NewHub("preferences"),
	}
	if o.launcher == nil {
		o.launcher = LogLauncher{}
	}
	if o.stats == nil {
		o.stats = NewStats()
	}
	o.seedDefaults()
	o.arbiter = arbiter.New(arbiter.Config{
		Clock: deps.Clock,
		Store: deps.Store,
		NTPAllowed: func() bool {
			return nitz.LoadFlags(o.store).Has(nitz.AllowNTP)
		},
	})
	o.arbiter.Subscribe(o.timeChanged)
	o.machine = nitz.NewMachine(nitz.Config{
		DB:        deps.DB,
		Store:     deps.Store,
		Clock:     deps.Clock,
		Scheduler: sched,
		Host:      o,
		Threshold: cfg.NITZ.Validity,
	})
	o.dst = dst.New(sched, deps.Clock, deps.DB, func(z *tzdb.Zone) {
		o.stats.UpdateCounterBy(CounterDSTRearms, 1)
		o.CommitZone(z)
	})
	return o, nil
}

// seedDefaults writes preferences that were never set
func (o *Orchestrator) seedDefaults() {
	defaults := map[string]string{
		prefs.UseNetworkTime:            "true",
		prefs.UseNetworkTimeZone:        "true",
		prefs.AllowNTPTime:              "true",
		prefs.AllowMCCAssistedTimezones: "true",
		prefs.TimeFormat:                "HH12",
		prefs.NTPWakeupAlarm:            "true",
		prefs.TimeDriftPeriodHr:         fmt.Sprint(o.cfg.DriftPeriodHours),
		prefs.NITZHandlerTimeout:        fmt.Sprint(int(o.cfg.NITZ.Timeout / time.Second)),
	}
	for k, v := range defaults {
		if _, ok := o.store.Get(k); ok {
			continue
		}
		if err := o.store.Set(k, v); err != nil {
			log.Errorf("failed to seed preference %s: %v", k, err)
		}
	}
}

// Run starts the orchestrator on its loop and processes events until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.loop == nil {
		return fmt.Errorf("orchestrator has no loop")
	}
	o.ctx = ctx
	o.loop.Post(o.Start)
	return o.loop.Run(ctx)
}

// Do runs f on the loop and waits for it
func (o *Orchestrator) Do(ctx context.Context, f func()) error {
	if o.loop == nil {
		f()
		return nil
	}
	return o.loop.Do(ctx, f)
}

func (o *Orchestrator) post(f func()) {
	if o.loop == nil {
		f()
		return
	}
	o.loop.Post(f)
}

// Start restores persisted state and kicks off the initial synchronisation
func (o *Orchestrator) Start() {
	o.restoreZone()
	if err := o.tracker.Restore(prefs.GetDefault(o.store, prefs.LastBroadcastTime, "")); err != nil {
		log.Warningf("failed to restore broadcast time: %v", err)
	}
	setting := o.Setting()
	o.arbiter.SetManual(!setting.Time)
	if !setting.Disabled() {
		o.machine.Bootstrap(o.cfg.NITZ.BootstrapDelay)
	}
	o.scheduleWakeup()
	o.readCompanion()
	log.Infof("time preferences started, zone %s, manual time %v", o.zone.Name, o.arbiter.Manual())
}

// Setting implements nitz.Host
func (o *Orchestrator) Setting() nitz.Setting {
	return nitz.Setting{
		Time: prefs.IsTrue(o.store, prefs.UseNetworkTime),
		Zone: prefs.IsTrue(o.store, prefs.UseNetworkTimeZone),
	}
}

// ProposeTime implements nitz.Host
func (o *Orchestrator) ProposeTime(delta time.Duration) bool {
	return o.propose(arbiter.TagNITZ, delta)
}

// RequestNTP implements nitz.Host
func (o *Orchestrator) RequestNTP() {
	o.requestNTP("nitz")
}

// CommitZone implements nitz.Host
func (o *Orchestrator) CommitZone(z *tzdb.Zone) {
	if err := o.commitZone(z); err != nil {
		log.Errorf("committing zone: %v", err)
	}
}

// ValidityChanged implements nitz.Host
func (o *Orchestrator) ValidityChanged(timeValid, zoneValid bool) {
	o.stats.SetCounter(CounterNITZTimeValid, boolCounter(timeValid))
	o.stats.SetCounter(CounterNITZZoneValid, boolCounter(zoneValid))
	o.publishTime()
}

func boolCounter(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (o *Orchestrator) propose(tag string, delta time.Duration) bool {
	ok := o.arbiter.Propose(tag, o.arbiter.Priority(tag), delta, o.clock.Stamp())
	if !ok {
		o.stats.UpdateCounterBy(CounterTimeRejected, 1)
	}
	return ok
}

// timeChanged observes every applied clock change
func (o *Orchestrator) timeChanged(delta time.Duration, source string) {
	o.stats.UpdateCounterBy(CounterTimeChanges, 1)
	log.Infof("system time changed by %v from %s", delta, source)
	o.tracker.Adjust(delta)
	if delta != 0 {
		o.dst.Refresh()
	}
	o.publishTime()
	o.publishEffective()
	o.launchAll()
}

func (o *Orchestrator) location() *time.Location {
	return o.db.Location(o.zone)
}

// requestNTP queries off the loop and applies the result on it
func (o *Orchestrator) requestNTP(reason string) {
	if o.ntp == nil {
		log.Debugf("ntp requested by %s but no client is configured", reason)
		return
	}
	o.goFunc(func() {
		res, at, err := o.queryNTP(o.ctx)
		o.post(func() { o.applyNTP(res, at, err, reason) })
	})
}

func (o *Orchestrator) queryNTP(ctx context.Context) (*ntp.Result, time.Duration, error) {
	o.stats.UpdateCounterBy(CounterNTPQueries, 1)
	res, err := o.ntp.Query(ctx)
	return res, o.clock.Stamp(), err
}

// applyNTP proposes the server time, corrected for the time the result waited for the loop
func (o *Orchestrator) applyNTP(res *ntp.Result, at time.Duration, err error, reason string) bool {
	if err != nil {
		o.stats.UpdateCounterBy(CounterNTPFailures, 1)
		log.Warningf("ntp query for %s failed: %v", reason, err)
		return false
	}
	o.lastNTP = res
	server := res.Time.Add(o.clock.Stamp() - at)
	return o.propose(arbiter.TagNTP, server.Sub(o.clock.Now()))
}

// SyncNTP queries network time on the caller and applies it on the loop
func (o *Orchestrator) SyncNTP(ctx context.Context, reason string) (*ntp.Result, bool, error) {
	if o.ntp == nil {
		return nil, false, errNoNTP
	}
	res, at, err := o.queryNTP(ctx)
	var applied bool
	if derr := o.Do(ctx, func() { applied = o.applyNTP(res, at, err, reason) }); derr != nil {
		return nil, false, derr
	}
	if err != nil {
		return nil, false, err
	}
	return res, applied, nil
}

// QueryNTP asks for network time without applying it
func (o *Orchestrator) QueryNTP(ctx context.Context) (*ntp.Result, error) {
	if o.ntp == nil {
		return nil, errNoNTP
	}
	res, _, err := o.queryNTP(ctx)
	if err != nil {
		o.stats.UpdateCounterBy(CounterNTPFailures, 1)
	}
	return res, err
}

func (o *Orchestrator) scheduleWakeup() {
	setting := o.Setting()
	setting.Time = setting.Time && prefs.GetDefault(o.store, prefs.NTPWakeupAlarm, "true") != "false"
	nitz.ScheduleWakeup(o.waker, o.store, setting, func() {
		o.requestNTP("periodic wakeup")
		o.scheduleWakeup()
	})
}

// readCompanion reads the companion clock off the loop and proposes its time as micom
func (o *Orchestrator) readCompanion() {
	if o.companion == nil {
		o.arbiter.SetCompanionAvailable(false)
		return
	}
	o.goFunc(func() {
		t, err := o.companion.ReadTime()
		at := o.clock.Stamp()
		o.post(func() {
			if err != nil {
				o.stats.UpdateCounterBy(CounterCompanionErrors, 1)
				log.Warningf("companion clock unavailable: %v", err)
				o.arbiter.SetCompanionAvailable(false)
				return
			}
			o.arbiter.SetCompanionAvailable(true)
			o.propose(arbiter.TagMicom, t.Add(o.clock.Stamp()-at).Sub(o.clock.Now()))
		})
	})
}

// HandleNITZ runs a network announcement through the NITZ pipeline
func (o *Orchestrator) HandleNITZ(m *nitz.Message) error {
	o.stats.UpdateCounterBy(CounterNITZReceived, 1)
	p, flags := m.Parameters(o.clock.Now())
	err := o.machine.Handle(p, flags|nitz.LoadFlags(o.store))
	if err != nil {
		o.stats.UpdateCounterBy(CounterNITZRejected, 1)
	}
	return err
}

// SetSystemTime applies a time set by a client. Without a source it is a manual
// user edit, which switches the daemon to manual time.
func (o *Orchestrator) SetSystemTime(utc int64, origin *broadcast.Timestamp, source string) (bool, error) {
	if origin != nil {
		utc += broadcast.Delay(o.clock.Stamp(), *origin)
	}
	delta := time.Unix(utc, 0).Sub(o.clock.Now())
	if source != "" && source != arbiter.TagManual {
		return o.propose(source, delta), nil
	}
	if !o.arbiter.Manual() {
		if err := o.store.Set(prefs.UseNetworkTime, "false"); err != nil {
			return false, fmt.Errorf("switching to manual time: %w", err)
		}
		o.arbiter.SetManual(true)
		o.scheduleWakeup()
		o.publishPreference(prefs.UseNetworkTime)
	}
	o.machine.TransitionState(true)
	return o.propose(arbiter.TagManual, delta), nil
}

// SetBroadcastTime stores a broadcast sample and offers it to the arbiter
func (o *Orchestrator) SetBroadcastTime(utc, local int64, origin *broadcast.Timestamp) error {
	o.stats.UpdateCounterBy(CounterBroadcastReceived, 1)
	if !o.tracker.Set(utc, local, origin) {
		o.stats.UpdateCounterBy(CounterBroadcastRejected, 1)
		return errBroadcastSet
	}
	o.saveBroadcast()
	u, l, _ := o.tracker.Get()
	now := o.clock.Now()
	if !o.propose(TagBroadcastAdjusted, time.Unix(tzdb.ToUTC(l, o.location()), 0).Sub(now)) {
		o.propose(TagBroadcast, time.Unix(u, 0).Sub(now))
	}
	o.publishEffective()
	return nil
}

func (o *Orchestrator) saveBroadcast() {
	if err := o.store.Set(prefs.LastBroadcastTime, o.tracker.Snapshot()); err != nil {
		log.Errorf("failed to persist broadcast time: %v", err)
	}
}

// BroadcastTime returns the stored broadcast sample projected to now
func (o *Orchestrator) BroadcastTime() (utc, local int64, err error) {
	utc, local, ok := o.tracker.Get()
	if !ok {
		return 0, 0, errNoBroadcast
	}
	return utc, local, nil
}

// EffectiveTime returns the time a client should display
func (o *Orchestrator) EffectiveTime() broadcast.Effective {
	return o.tracker.Effective(o.arbiter.Manual(), o.location())
}

// TimeSources lists the time sources by priority
func (o *Orchestrator) TimeSources() []arbiter.Record {
	return o.arbiter.Records()
}

// LastNTP returns the last applied network time result
func (o *Orchestrator) LastNTP() *ntp.Result {
	return o.lastNTP
}

// Zone returns the active zone
func (o *Orchestrator) Zone() *tzdb.Zone {
	return o.zone
}

// DB returns the zone database
func (o *Orchestrator) DB() *tzdb.DB {
	return o.db
}

// Subscribe registers for system time pushes
func (o *Orchestrator) Subscribe() (<-chan any, func()) {
	return o.subscribe(o.timeHub)
}

// SubscribeEffective registers for effective broadcast time pushes
func (o *Orchestrator) SubscribeEffective() (<-chan any, func()) {
	return o.subscribe(o.effectiveHub)
}

// SubscribePreferences registers for PreferenceValues pushes, one per changed key
func (o *Orchestrator) SubscribePreferences() (<-chan any, func()) {
	return o.subscribe(o.prefsHub)
}

func (o *Orchestrator) subscribe(h *Hub) (<-chan any, func()) {
	ch, cancel := h.Subscribe()
	o.stats.UpdateCounterBy(CounterSubscribers, 1)
	return ch, func() {
		cancel()
		o.stats.UpdateCounterBy(CounterSubscribers, -1)
	}
}

func (o *Orchestrator) publishTime() {
	if o.timeHub.Len() == 0 || o.zone == nil {
		return
	}
	o.timeHub.Publish(o.SystemTime())
}

func (o *Orchestrator) publishEffective() {
	if o.effectiveHub.Len() == 0 || o.zone == nil {
		return
	}
	o.effectiveHub.Publish(o.EffectiveReply())
}

// SetTimeChangeLaunch registers or updates an application launched on time changes
func (o *Orchestrator) SetTimeChangeLaunch(e LaunchEntry) error {
	if err := saveLaunchList(o.store, upsertLaunch(loadLaunchList(o.store), e)); err != nil {
		return err
	}
	o.publishPreference(prefs.TimeChangeLaunch)
	return nil
}

// launchAll launches every active registered application and returns how many were launched
func (o *Orchestrator) launchAll() int {
	n := 0
	for _, e := range loadLaunchList(o.store) {
		if !e.Active {
			continue
		}
		if err := o.launcher.Launch(e.AppID, e.Parameters); err != nil {
			o.stats.UpdateCounterBy(CounterLaunchErrors, 1)
			log.Warningf("failed to launch %s: %v", e.AppID, err)
			continue
		}
		o.stats.UpdateCounterBy(CounterLaunches, 1)
		n++
	}
	return n
}

// LaunchTimeChangeApps launches the registered applications on request
func (o *Orchestrator) LaunchTimeChangeApps() int {
	return o.launchAll()
}
