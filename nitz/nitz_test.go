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
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/prefs"
	"github.com/facebook/timeprefs/tzdb"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeHost struct {
	setting   Setting
	proposals []time.Duration
	ntp       int
	zones     []*tzdb.Zone
	validity  [][2]bool
}

func (h *fakeHost) Setting() Setting { return h.setting }

func (h *fakeHost) ProposeTime(delta time.Duration) bool {
	h.proposals = append(h.proposals, delta)
	return true
}

func (h *fakeHost) RequestNTP() { h.ntp++ }

func (h *fakeHost) CommitZone(z *tzdb.Zone) { h.zones = append(h.zones, z) }

func (h *fakeHost) ValidityChanged(timeValid, zoneValid bool) {
	h.validity = append(h.validity, [2]bool{timeValid, zoneValid})
}

func (h *fakeHost) zoneNames() []string {
	names := []string{}
	for _, z := range h.zones {
		if z == nil {
			names = append(names, "<nil>")
			continue
		}
		names = append(names, z.Name)
	}
	return names
}

type fixture struct {
	m     *Machine
	host  *fakeHost
	clock *clock.Fake
	store *prefs.MemStore
}

func newFixture(t *testing.T, values map[string]string) *fixture {
	db, err := tzdb.Default()
	require.NoError(t, err)
	f := &fixture{
		host:  &fakeHost{setting: Setting{Time: true, Zone: true}},
		clock: clock.NewFake(testNow),
		store: prefs.NewMemStore(values),
	}
	f.m = NewMachine(Config{
		DB:        db,
		Store:     f.store,
		Clock:     f.clock,
		Scheduler: f.clock,
		Host:      f.host,
	})
	return f
}

// announcement returns parameters for wall time at plus skew, received age ago
func announcement(at time.Time, age time.Duration) Parameters {
	u := at.UTC()
	return Parameters{
		Sec:       u.Second(),
		Min:       u.Minute(),
		Hour:      u.Hour(),
		MDay:      u.Day(),
		Mon:       int(u.Month()) - 1,
		Year:      u.Year() - 1900,
		Offset:    InvalidOffset,
		TimeValid: true,
		Received:  at.Add(-age),
	}
}

func TestMessageParameters(t *testing.T) {
	off := "+480"
	m := Message{
		Sec: "10", Min: "0", Hour: "12", MDay: "1", Mon: "2", Year: "124",
		Offset: &off, MCC: "460", MNC: "01x",
		TZValid: true, TimeValid: true, DSTValid: true,
		Timestamp: "1709294395", TilIgnore: true,
	}
	p, f := m.Parameters(testNow)
	require.Equal(t, 480, p.Offset)
	require.Equal(t, 460, p.MCC)
	require.Equal(t, 1, p.MNC)
	require.True(t, p.ZoneValid)
	require.Equal(t, time.Unix(1709294395, 0), p.Received)
	require.Equal(t, IgnoreUntilSet, f)
	utc, err := p.UTC()
	require.NoError(t, err)
	require.Equal(t, testNow.Add(10*time.Second), utc)

	m = Message{TZValid: true, Timestamp: "junk"}
	p, f = m.Parameters(testNow)
	require.Equal(t, InvalidOffset, p.Offset)
	require.False(t, p.ZoneValid)
	require.Equal(t, testNow, p.Received)
	require.Equal(t, Flags(0), f)
}

func TestLeadingInt(t *testing.T) {
	require.Equal(t, 0, leadingInt(""))
	require.Equal(t, -300, leadingInt(" -300"))
	require.Equal(t, 42, leadingInt("42abc"))
	require.Equal(t, 0, leadingInt("abc"))
}

func TestParametersUTCErrors(t *testing.T) {
	p := announcement(testNow, 0)
	p.Mon = 12
	_, err := p.UTC()
	require.Error(t, err)

	p = announcement(testNow, 0)
	p.Mon = 1
	p.MDay = 30
	_, err = p.UTC()
	require.ErrorContains(t, err, "does not exist")
}

func TestParametersValid(t *testing.T) {
	p := announcement(testNow, 0)
	require.True(t, p.Valid(testNow.Add(60*time.Second), DefaultValidity))
	require.False(t, p.Valid(testNow.Add(61*time.Second), DefaultValidity))
	require.False(t, p.FullyValid())
}

func TestLoadFlags(t *testing.T) {
	s := prefs.NewMemStore(map[string]string{
		prefs.AllowNTPTime:              "true",
		prefs.AllowMCCAssistedTimezones: "true",
		prefs.AllowGenericTimezones:     "false",
	})
	f := LoadFlags(s)
	require.Equal(t, AllowNTP|AllowMCC, f)
	require.Equal(t, "ntp|mcc", f.String())
	require.Equal(t, "none", Flags(0).String())
	require.True(t, (AllowNTP | SkipDSTSelect).Has(SkipDSTSelect))
}

func TestNextState(t *testing.T) {
	tests := []struct {
		current string
		valid   bool
		userSet bool
		want    string
	}{
		{"", true, false, StateValid},
		{"", false, false, StateInvalidUserNot},
		{StateValid, false, true, StateInvalidUserNot},
		{StateInvalidUserNot, false, true, StateInvalidUserSet},
		{StateInvalidUserNot, true, true, StateInvalidUserSet},
		{StateInvalidUserNot, true, false, StateValid},
		{StateInvalidUserNot, false, false, StateInvalidUserNot},
		{StateInvalidUserSet, true, false, StateValid},
		{StateInvalidUserSet, false, false, StateInvalidUserSet},
		{"garbage", false, false, StateValid},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NextState(tt.current, tt.valid, tt.userSet), "%+v", tt)
	}
	s := prefs.NewMemStore(nil)
	require.Equal(t, "", TransitionState(s, false, false))
	v, _ := s.Get(prefs.NITZValidity)
	require.Equal(t, StateInvalidUserNot, v)
}

func TestStaleAnnouncementRejected(t *testing.T) {
	f := newFixture(t, nil)
	p := announcement(testNow, 2*time.Minute)
	p.Offset = 60
	p.ZoneValid = true
	err := f.m.Handle(p, 0)
	require.ErrorIs(t, err, ErrStale)
	require.EqualError(t, err, "nitz message failed entry: timestamps are too far apart")
	require.Empty(t, f.host.proposals)
	require.Empty(t, f.host.zones)
	require.Equal(t, ValidityInvalid, f.m.LastValidity())
	_, _, ok := f.m.LastParameters()
	require.False(t, ok)
	require.Equal(t, AwaitingNitz, f.m.Cycle().State())
}

func TestDisabledAnnouncementRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.host.setting = Setting{}
	err := f.m.Handle(announcement(testNow, 0), 0)
	require.ErrorIs(t, err, ErrDisabled)
	require.Equal(t, ValidityUnknown, f.m.LastValidity())

	// the timeout pipeline leaves validity alone as well
	f.clock.Advance(DefaultTimeoutInterval)
	require.Empty(t, f.host.validity)
	require.Equal(t, Settled, f.m.Cycle().State())
}

func TestMCCResolvesChina(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowMCCAssistedTimezones: "true"})
	p := announcement(testNow.Add(10*time.Second), 5*time.Second)
	p.Received = testNow.Add(-5 * time.Second)
	p.Offset = 480
	p.MCC = 460
	p.ZoneValid = true
	p.DSTValid = true
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"Asia/Shanghai"}, f.host.zoneNames())
	require.Equal(t, []time.Duration{10 * time.Second}, f.host.proposals)
	require.Equal(t, [][2]bool{{true, true}}, f.host.validity)
	require.Equal(t, ValidityValid, f.m.LastValidity())
	require.Equal(t, Settled, f.m.Cycle().State())
	require.False(t, f.m.Cycle().Running())
	v, _ := f.store.Get(prefs.NITZValidity)
	require.Equal(t, StateValid, v)
	require.True(t, prefs.IsTrue(f.store, prefs.ReceiveNetworkTimeUpdate))
	require.True(t, prefs.IsTrue(f.store, prefs.ReceiveNetworkTimezoneUpdate))

	_, flags, ok := f.m.LastParameters()
	require.True(t, ok)
	require.True(t, flags.Has(SkipDSTSelect|AllowMCC))
}

func TestTimeSyncOffZoneStillApplied(t *testing.T) {
	f := newFixture(t, nil)
	f.host.setting = Setting{Time: false, Zone: true}
	p := announcement(testNow, 0)
	p.Offset = -420
	p.DST = 1
	p.ZoneValid = true
	p.DSTValid = true
	require.NoError(t, f.m.Handle(p, 0))
	require.Empty(t, f.host.proposals)
	require.Equal(t, []string{"America/Denver"}, f.host.zoneNames())
}

func TestZoneSyncOffTimeStillApplied(t *testing.T) {
	f := newFixture(t, nil)
	f.host.setting = Setting{Time: true, Zone: false}
	p := announcement(testNow.Add(-time.Minute), 0)
	p.Received = testNow
	p.Offset = 60
	p.ZoneValid = true
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []time.Duration{-time.Minute}, f.host.proposals)
	require.Empty(t, f.host.zones)
}

func TestCarrierOffsetFix(t *testing.T) {
	for _, mcc := range []int{208, 214} {
		f := newFixture(t, nil)
		p := announcement(testNow, 0)
		p.Offset = 120
		p.MCC = mcc
		require.NoError(t, f.m.Handle(p, 0))
		require.Len(t, f.host.zones, 1)
		require.Equal(t, 60, f.host.zones[0].Offset)
		require.Equal(t, map[int]string{208: "Europe/Paris", 214: "Europe/Madrid"}[mcc], f.host.zones[0].Name)
		last, _, _ := f.m.LastParameters()
		require.Equal(t, 1, last.DST)
		require.True(t, last.DSTValid)
	}
}

func TestForceGenericZone(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.UseGenericExclusively: "true"})
	p := announcement(testNow, 0)
	p.Offset = 480
	p.MCC = 460
	p.ZoneValid = true
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"Etc/GMT-8"}, f.host.zoneNames())
}

func TestUnknownOffsetResolution(t *testing.T) {
	p := announcement(testNow, 0)
	p.Offset = 500
	p.MCC = 460
	p.ZoneValid = true

	f := newFixture(t, map[string]string{prefs.AllowMCCAssistedTimezones: "true"})
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"Asia/Shanghai"}, f.host.zoneNames())

	// no hint and nothing close: the host falls back to the failsafe zone
	f = newFixture(t, nil)
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"<nil>"}, f.host.zoneNames())

	// quarter hour widening
	p.Offset = 555
	p.MCC = 0
	f = newFixture(t, nil)
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"Asia/Tokyo"}, f.host.zoneNames())

	// beyond the generic range
	p.Offset = -840
	f = newFixture(t, map[string]string{prefs.AllowGenericTimezones: "true"})
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"<nil>"}, f.host.zoneNames())
}

func TestDSTInvalidTreatedAsStandard(t *testing.T) {
	f := newFixture(t, nil)
	p := announcement(testNow, 0)
	p.Offset = -420
	p.DST = 1
	p.ZoneValid = true
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, []string{"America/Phoenix"}, f.host.zoneNames())
	_, flags, _ := f.m.LastParameters()
	require.False(t, flags.Has(SkipDSTSelect))
}

func TestIgnoreUntilSetProposes(t *testing.T) {
	f := newFixture(t, nil)
	p := announcement(testNow.Add(3*time.Second), 0)
	p.Received = testNow
	p.TimeValid = false
	require.NoError(t, f.m.Handle(p, IgnoreUntilSet))
	require.Equal(t, []time.Duration{3 * time.Second}, f.host.proposals)
	last, _, _ := f.m.LastParameters()
	require.True(t, last.TimeValid)
}

func TestInvalidTimeRequestsNTP(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowNTPTime: "true"})
	p := announcement(testNow, 0)
	p.TimeValid = false
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, 1, f.host.ntp)
	require.Empty(t, f.host.proposals)

	f = newFixture(t, nil)
	require.NoError(t, f.m.Handle(p, 0))
	require.Equal(t, 0, f.host.ntp)
}

func TestBrokenCivilTimeFallsBackToNTP(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowNTPTime: "true"})
	p := announcement(testNow, 0)
	p.Hour = 25
	require.NoError(t, f.m.Handle(p, 0))
	require.Empty(t, f.host.proposals)
	require.Equal(t, 1, f.host.ntp)
}

func TestBootstrapTimeoutFallsBackToNTP(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowNTPTime: "true"})
	f.m.Bootstrap(DefaultBootstrapDelay)
	require.Equal(t, Bootstrapping, f.m.Cycle().State())

	f.clock.Advance(DefaultBootstrapDelay)
	require.Equal(t, AwaitingNitz, f.m.Cycle().State())
	require.Equal(t, 0, f.host.ntp)

	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, 1, f.host.ntp)
	require.Empty(t, f.host.proposals)
	require.Equal(t, []State{Idle, Bootstrapping, AwaitingNitz, TimedOut, Settled}, f.m.Cycle().History())
	require.False(t, f.m.Cycle().Running())

	require.Equal(t, [][2]bool{{false, false}}, f.host.validity)
	require.Equal(t, ValidityInvalid, f.m.LastValidity())
	v, _ := f.store.Get(prefs.NITZValidity)
	require.Equal(t, StateInvalidUserNot, v)
}

func TestBootstrapForcesNTPForLastAnnouncement(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowNTPTime: "true"})
	p := announcement(testNow, 0)
	require.NoError(t, f.m.Handle(p, 0))
	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, 0, f.host.ntp)

	f.m.Bootstrap(time.Second)
	f.clock.Advance(time.Second + DefaultTimeoutInterval)
	require.Equal(t, 1, f.host.ntp)
}

func TestTimeoutResolvesZoneByMCC(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowMCCAssistedTimezones: "true"})
	p := announcement(testNow, 0)
	p.MCC = 460
	require.NoError(t, f.m.Handle(p, 0))
	require.Empty(t, f.host.zones)
	require.Equal(t, AwaitingNitz, f.m.Cycle().State())

	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, []string{"Asia/Shanghai"}, f.host.zoneNames())
	require.Equal(t, [][2]bool{{true, true}}, f.host.validity)
	require.Equal(t, ValidityValid, f.m.LastValidity())
	timeValid, zoneValid := f.m.Immediate()
	require.True(t, timeValid)
	require.True(t, zoneValid)
}

func TestTimeoutSkipsWideCountryHint(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AllowMCCAssistedTimezones: "true"})
	p := announcement(testNow, 0)
	p.MCC = 310
	p.MNC = 260
	require.NoError(t, f.m.Handle(p, 0))
	f.clock.Advance(DefaultTimeoutInterval)
	require.Empty(t, f.host.zones)
	// time valid, zone not: partially valid
	require.Equal(t, [][2]bool{{true, false}}, f.host.validity)
	require.Equal(t, ValidityInvalid, f.m.LastValidity())
}

func TestTimeoutStrictDSTErrors(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.StrictDSTErrors: "true"})
	p := announcement(testNow, 0)
	p.Offset = 60
	p.ZoneValid = true
	require.NoError(t, f.m.Handle(p, 0))
	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, [][2]bool{{true, false}}, f.host.validity)

	f = newFixture(t, nil)
	require.NoError(t, f.m.Handle(p, 0))
	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, [][2]bool{{true, true}}, f.host.validity)
}

func TestCycleExtensionBounded(t *testing.T) {
	f := newFixture(t, nil)
	fired := 0
	c := NewCycle(f.clock, f.store, func() { fired++ })
	c.Start()
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		c.Start()
	}
	// restarts inside the interval do not move the deadline
	f.clock.Advance(time.Second)
	require.Equal(t, 0, fired)
	require.Equal(t, AwaitingNitz, c.State())
	f.clock.Advance(time.Second)
	require.Equal(t, 1, fired)
	require.Equal(t, Settled, c.State())
}

func TestCycleBootstrapKeepsPendingExtension(t *testing.T) {
	f := newFixture(t, nil)
	fired := 0
	c := NewCycle(f.clock, f.store, func() { fired++ })
	c.Bootstrap(2 * time.Second)
	f.clock.Advance(time.Second)
	c.Start()
	f.clock.Advance(time.Second)
	require.Equal(t, AwaitingNitz, c.State())
	require.Equal(t, 0, fired)
	f.clock.Advance(DefaultTimeoutInterval)
	require.Equal(t, 1, fired)
	require.Equal(t, []State{Idle, Bootstrapping, AwaitingNitz, TimedOut, Settled}, c.History())
}

func TestPartialAnnouncementsStillTimeOut(t *testing.T) {
	f := newFixture(t, nil)
	start := f.clock.Now()
	var timedOut time.Duration
	for i := 0; i < 30 && timedOut == 0; i++ {
		// time without zone never settles the cycle
		require.NoError(t, f.m.Handle(announcement(f.clock.Now(), 0), 0))
		f.clock.Advance(4 * time.Second)
		if slices.Contains(f.m.Cycle().History(), TimedOut) {
			timedOut = f.clock.Now().Sub(start)
		}
	}
	require.NotZero(t, timedOut)
	require.LessOrEqual(t, timedOut, 2*DefaultTimeoutInterval)
	require.NotEmpty(t, f.host.validity)
}

func TestCycleInterval(t *testing.T) {
	s := prefs.NewMemStore(nil)
	c := NewCycle(nil, s, func() {})
	require.Equal(t, DefaultTimeoutInterval, c.Interval())
	require.NoError(t, s.Set(prefs.NITZHandlerTimeout, "30"))
	require.Equal(t, 30*time.Second, c.Interval())
	require.NoError(t, s.Set(prefs.NITZHandlerTimeout, "301"))
	require.Equal(t, DefaultTimeoutInterval, c.Interval())
	require.NoError(t, s.Set(prefs.NITZHandlerTimeout, "0"))
	require.Equal(t, DefaultTimeoutInterval, c.Interval())
}

func TestCycleCancel(t *testing.T) {
	f := newFixture(t, nil)
	fired := false
	c := NewCycle(f.clock, f.store, func() { fired = true })
	c.Cancel()
	c.Start()
	c.Cancel()
	c.Cancel()
	f.clock.Advance(time.Minute)
	require.False(t, fired)
	require.Equal(t, AwaitingNitz, c.State())
}

func TestStageError(t *testing.T) {
	err := &StageError{Kind: KindTimeout, Stage: "in time-value handler", Err: errors.New("boom")}
	require.EqualError(t, err, "timeout-nitz message failed in time-value handler: boom")
}

func TestWakeupInterval(t *testing.T) {
	s := prefs.NewMemStore(nil)
	require.Equal(t, DefaultWakeupInterval, WakeupInterval(s))
	require.Equal(t, "23:59:59", FormatInterval(WakeupInterval(s)))
	tests := map[string]string{
		"300":   "00:05:00",
		"299":   "23:59:59",
		"3725":  "01:02:05",
		"86400": "24:00:00",
		"86401": "23:59:59",
		"abc":   "23:59:59",
	}
	for v, want := range tests {
		require.NoError(t, s.Set(prefs.AutoNTPInterval, v))
		require.Equal(t, want, FormatInterval(WakeupInterval(s)), v)
	}
}

func TestScheduleWakeup(t *testing.T) {
	f := newFixture(t, map[string]string{prefs.AutoNTPInterval: "600"})
	w := NewLoopWaker(f.clock)
	fired := 0
	require.True(t, ScheduleWakeup(w, f.store, Setting{Time: true}, func() { fired++ }))
	require.True(t, w.Armed(WakeupKey))
	// rescheduling replaces the pending wakeup
	require.True(t, ScheduleWakeup(w, f.store, Setting{Time: true}, func() { fired++ }))
	f.clock.Advance(10 * time.Minute)
	require.Equal(t, 1, fired)
	require.False(t, w.Armed(WakeupKey))

	require.True(t, ScheduleWakeup(w, f.store, Setting{Time: true}, func() { fired++ }))
	require.False(t, ScheduleWakeup(w, f.store, Setting{Zone: true}, func() { fired++ }))
	require.False(t, w.Armed(WakeupKey))
	f.clock.Advance(time.Hour)
	require.Equal(t, 1, fired)
}
