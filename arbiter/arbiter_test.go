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

package arbiter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/prefs"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestArbiter(values map[string]string) (*Arbiter, *clock.Fake, *prefs.MemStore) {
	c := clock.NewFake(testNow)
	s := prefs.NewMemStore(values)
	return New(Config{Clock: c, Store: s}), c, s
}

func propose(a *Arbiter, c *clock.Fake, tag string, delta time.Duration) bool {
	return a.Propose(tag, a.Priority(tag), delta, c.Stamp())
}

func TestLoadSources(t *testing.T) {
	s := prefs.NewMemStore(nil)
	require.Equal(t, DefaultSources, LoadSources(s))
	v, _ := s.Get(prefs.TimeSources)
	require.Equal(t, `["ntp","sdp","nitz","broadcast-adjusted","broadcast"]`, v)

	require.NoError(t, s.Set(prefs.TimeSources, `["nitz","ntp","nitz",""]`))
	require.Equal(t, []string{"nitz", "ntp"}, LoadSources(s))

	require.NoError(t, s.Set(prefs.TimeSources, `not json`))
	require.Equal(t, DefaultSources, LoadSources(s))
}

func TestParseDriftPeriod(t *testing.T) {
	tests := map[string]time.Duration{
		"-1":  DriftDisabled,
		"0":   0,
		"4":   4 * time.Hour,
		"720": 720 * time.Hour,
		"721": DefaultDriftPeriod,
		"-2":  DefaultDriftPeriod,
		"4h":  DefaultDriftPeriod,
		"":    DefaultDriftPeriod,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			require.Equal(t, want, ParseDriftPeriod(in))
		})
	}
	require.Equal(t, DefaultDriftPeriod, LoadDriftPeriod(prefs.NewMemStore(nil)))
	require.Equal(t, DriftDisabled, LoadDriftPeriod(prefs.NewMemStore(map[string]string{prefs.TimeDriftPeriodHr: "-1"})))
}

func TestPriorities(t *testing.T) {
	a, _, _ := newTestArbiter(nil)
	require.Equal(t, 5, a.Priority("ntp"))
	require.Equal(t, 3, a.Priority("nitz"))
	require.Equal(t, 1, a.Priority("broadcast"))
	require.Equal(t, 0, a.Priority(TagManual))
}

func TestHigherPriorityWinsInEitherOrder(t *testing.T) {
	sources := DefaultSources
	for i, hi := range sources {
		for _, lo := range sources[i+1:] {
			for _, hiFirst := range []bool{true, false} {
				t.Run(fmt.Sprintf("%s-%s-%v", hi, lo, hiFirst), func(t *testing.T) {
					a, c, _ := newTestArbiter(nil)
					order := []string{lo, hi}
					if hiFirst {
						order = []string{hi, lo}
					}
					for _, tag := range order {
						propose(a, c, tag, time.Second)
						c.Advance(time.Minute)
					}
					cur, prio := a.Current()
					require.Equal(t, hi, cur)
					require.Equal(t, a.Priority(hi), prio)
				})
			}
		}
	}
}

func TestAcceptApplies(t *testing.T) {
	a, c, s := newTestArbiter(nil)
	var seen []time.Duration
	a.Subscribe(func(delta time.Duration, source string) {
		require.Equal(t, TagNITZ, source)
		seen = append(seen, delta)
	})
	require.True(t, propose(a, c, TagNITZ, -3*time.Second))
	require.Equal(t, []time.Duration{-3 * time.Second}, c.Steps())
	require.Equal(t, testNow.Add(-3*time.Second), c.Now())
	require.Equal(t, []time.Duration{-3 * time.Second}, seen)
	v, _ := s.Get(prefs.LastSystemTimeSource)
	require.Equal(t, TagNITZ, v)
	require.Equal(t, c.Stamp()+DefaultDriftPeriod, a.NextSync())

	// zero delta records the source without stepping
	require.True(t, propose(a, c, TagNITZ, 0))
	require.Len(t, c.Steps(), 1)
	require.Len(t, seen, 2)
}

func TestStepLogLevel(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(level)

	stepLevels := func() []log.Level {
		var levels []log.Level
		for _, e := range hook.AllEntries() {
			if strings.HasPrefix(e.Message, "system clock stepped") {
				levels = append(levels, e.Level)
			}
		}
		return levels
	}
	a, c, _ := newTestArbiter(nil)
	require.True(t, propose(a, c, TagNITZ, -2*time.Second))
	require.True(t, propose(a, c, TagNITZ, 300*time.Millisecond))
	require.True(t, propose(a, c, TagNITZ, -NoticeableStep))
	require.Equal(t, []log.Level{log.InfoLevel, log.DebugLevel, log.InfoLevel}, stepLevels())
}

func TestStepFailureRejects(t *testing.T) {
	a, c, s := newTestArbiter(nil)
	c.StepErr = errors.New("EPERM")
	require.False(t, propose(a, c, TagNITZ, time.Second))
	cur, prio := a.Current()
	require.Equal(t, TagFactory, cur)
	require.Equal(t, Lowest, prio)
	_, ok := s.Get(prefs.LastSystemTimeSource)
	require.False(t, ok)
}

func TestSourceAging(t *testing.T) {
	a, c, _ := newTestArbiter(map[string]string{prefs.TimeDriftPeriodHr: "1"})
	require.True(t, propose(a, c, "ntp", time.Second))
	require.False(t, propose(a, c, "broadcast", time.Second))
	c.Advance(time.Hour)
	require.True(t, propose(a, c, "broadcast", time.Second))
	cur, _ := a.Current()
	require.Equal(t, "broadcast", cur)

	a.SetDriftPeriod(DriftDisabled)
	require.True(t, propose(a, c, "sdp", time.Second))
	c.Advance(100 * time.Hour)
	require.False(t, propose(a, c, "broadcast", time.Second))
	// same priority is always accepted
	require.True(t, propose(a, c, "sdp", time.Second))
}

func TestNTPNotAllowed(t *testing.T) {
	allowed := false
	c := clock.NewFake(testNow)
	a := New(Config{Clock: c, Store: prefs.NewMemStore(nil), NTPAllowed: func() bool { return allowed }})
	require.False(t, propose(a, c, TagNTP, time.Second))
	allowed = true
	require.True(t, propose(a, c, TagNTP, time.Second))
}

func TestManualMode(t *testing.T) {
	a, c, _ := newTestArbiter(nil)
	a.SetManual(true)
	require.True(t, propose(a, c, TagManual, time.Hour))
	require.False(t, propose(a, c, "ntp", time.Second))
	require.False(t, propose(a, c, TagNITZ, time.Second))
	cur, _ := a.Current()
	require.Equal(t, TagManual, cur)
	require.True(t, a.HasAlternative())

	a.SetManual(false)
	require.True(t, propose(a, c, TagNITZ, time.Second))
	cur, _ = a.Current()
	require.Equal(t, TagNITZ, cur)
}

func TestAlternativeSource(t *testing.T) {
	a, c, _ := newTestArbiter(nil)
	a.SetManual(true)
	require.False(t, propose(a, c, "broadcast", 2*time.Second))
	require.False(t, propose(a, c, "sdp", 5*time.Second))
	// lower priority does not replace the saved source
	require.False(t, propose(a, c, "broadcast", 7*time.Second))
	require.Empty(t, c.Steps())

	a.SetCompanionAvailable(false)
	require.Equal(t, []time.Duration{5 * time.Second}, c.Steps())
	require.False(t, a.HasAlternative())
	cur, _ := a.Current()
	require.Equal(t, TagFactory, cur)

	// replayed once only
	a.SetCompanionAvailable(false)
	require.Len(t, c.Steps(), 1)

	// without companion clock the proposal is applied right away
	require.True(t, propose(a, c, "nitz", time.Second))
	require.Equal(t, []time.Duration{5 * time.Second, time.Second}, c.Steps())
}

func TestAlternativeNeedsFactorySource(t *testing.T) {
	a, c, _ := newTestArbiter(nil)
	require.True(t, propose(a, c, TagNITZ, time.Second))
	a.SetManual(true)
	require.False(t, propose(a, c, "sdp", time.Second))
	a.SetCompanionAvailable(false)
	require.Len(t, c.Steps(), 1)
	require.True(t, a.HasAlternative())
}

func TestMicomReplaysLastSource(t *testing.T) {
	a, c, s := newTestArbiter(nil)
	require.True(t, propose(a, c, TagMicom, time.Second))
	cur, prio := a.Current()
	require.Equal(t, TagFactory, cur)
	require.Equal(t, 0, prio)

	require.NoError(t, s.Set(prefs.LastSystemTimeSource, "ntp"))
	a.ResetPriority()
	require.True(t, propose(a, c, TagMicom, time.Second))
	cur, prio = a.Current()
	require.Equal(t, "ntp", cur)
	require.Equal(t, 5, prio)
}

func TestPersistFailureKeepsSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := prefs.NewMockStore(ctrl)
	store.EXPECT().Get(prefs.TimeSources).Return(`["nitz"]`, true)
	store.EXPECT().Get(prefs.TimeDriftPeriodHr).Return("", false)
	store.EXPECT().Set(prefs.LastSystemTimeSource, TagNITZ).Return(errors.New("disk full"))

	c := clock.NewFake(testNow)
	a := New(Config{Clock: c, Store: store})
	require.True(t, propose(a, c, TagNITZ, time.Second))
	cur, _ := a.Current()
	require.Equal(t, TagNITZ, cur)
}

func TestRecords(t *testing.T) {
	a, c, _ := newTestArbiter(nil)
	require.True(t, propose(a, c, TagNITZ, 2*time.Second))
	require.True(t, propose(a, c, TagNITZ, 4*time.Second))
	a.SetManual(true)
	require.True(t, propose(a, c, TagManual, time.Second))

	records := a.Records()
	require.Len(t, records, 6)
	require.Equal(t, "ntp", records[0].Tag)
	nitz := records[2]
	require.Equal(t, TagNITZ, nitz.Tag)
	require.Equal(t, int64(2), nitz.Applied)
	require.InDelta(t, 3.0, nitz.MeanOffset, 1e-9)
	require.Equal(t, 4*time.Second, nitz.LastDelta)
	require.False(t, nitz.Current)
	manual := records[5]
	require.Equal(t, TagManual, manual.Tag)
	require.True(t, manual.Current)
	require.Equal(t, int64(1), manual.Applied)
}
