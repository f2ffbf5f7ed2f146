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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"listen_address":     func(c *Config) { c.ListenAddress = "" },
		"monitoring_port":    func(c *Config) { c.MonitoringPort = -1 },
		"metrics_interval":   func(c *Config) { c.MetricsPort = 9090; c.MetricsInterval = 0 },
		"prefs_file":         func(c *Config) { c.PrefsFile = "" },
		"localtime_link":     func(c *Config) { c.LocaltimeLink = "" },
		"ntp timeout":        func(c *Config) { c.NTP.Timeout = 0 },
		"ntp dscp":           func(c *Config) { c.NTP.DSCP = 64 },
		"companion baudrate": func(c *Config) { c.Companion.Device = "/dev/ttyS1"; c.Companion.BaudRate = 0 },
		"nitz validity":      func(c *Config) { c.NITZ.Validity = 0 },
		"nitz timeout":       func(c *Config) { c.NITZ.Timeout = time.Hour },
		"bootstrap_delay":    func(c *Config) { c.NITZ.BootstrapDelay = -time.Second },
		"broadcast":          func(c *Config) { c.BroadcastStaleness = 0 },
		"drift_period_hours": func(c *Config) { c.DriftPeriodHours = 721 },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			require.ErrorContains(t, c.Validate(), want)
		})
	}
	c := DefaultConfig()
	c.DriftPeriodHours = -1
	require.NoError(t, c.Validate())
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeprefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_address: "127.0.0.1:9999"
manage_clock: true
ntp:
  servers: [ntp1.example.com, ntp2.example.com]
  timeout: 500ms
nitz:
  validity: 2m
`), 0o644))
	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", c.ListenAddress)
	require.True(t, c.ManageClock)
	require.Equal(t, []string{"ntp1.example.com", "ntp2.example.com"}, c.NTP.Servers)
	require.Equal(t, 500*time.Millisecond, c.NTP.Timeout)
	require.Equal(t, 2*time.Minute, c.NITZ.Validity)
	// defaults survive
	require.Equal(t, uint(3), c.NTP.Attempts)
	require.Equal(t, 4270, c.MonitoringPort)

	require.NoError(t, os.WriteFile(path, []byte("colour: blue\n"), 0o644))
	_, err = ReadConfig(path)
	require.Error(t, err)

	_, err = ReadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestPrepareConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeprefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitoring_port: 1234\nprefs_file: /tmp/a.ini\n"), 0o644))

	c, err := PrepareConfig(path, "[::1]:1", 4321, "/tmp/b.ini", []string{"ntp.example.com"}, true,
		map[string]bool{"monitoringport": true, "manageclock": true})
	require.NoError(t, err)
	require.Equal(t, 4321, c.MonitoringPort)
	require.Equal(t, "/tmp/a.ini", c.PrefsFile)
	require.Equal(t, "[::1]:8090", c.ListenAddress)
	require.Equal(t, []string{"ntp.example.com"}, c.NTP.Servers)
	require.True(t, c.ManageClock)

	_, err = PrepareConfig("", "", 0, "", nil, false, map[string]bool{"listen": true})
	require.ErrorContains(t, err, "validating config")

	_, err = PrepareConfig(filepath.Join(t.TempDir(), "missing"), "", 0, "", nil, false, nil)
	require.ErrorContains(t, err, "reading config")
}
