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
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/timeprefs/arbiter"
	"github.com/facebook/timeprefs/broadcast"
	"github.com/facebook/timeprefs/companion"
	"github.com/facebook/timeprefs/nitz"
)

// NTPConfig configures network time queries
type NTPConfig struct {
	Servers  []string      `yaml:"servers"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts uint          `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	DSCP     int           `yaml:"dscp"`
}

// CompanionConfig configures the companion hardware clock. Empty device disables it.
type CompanionConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baudrate"`
}

// NITZConfig configures network announcement handling
type NITZConfig struct {
	// Validity is the maximum age of an announcement
	Validity time.Duration `yaml:"validity"`
	// Timeout seeds the timeout cycle interval when the preference is unset
	Timeout        time.Duration `yaml:"timeout"`
	BootstrapDelay time.Duration `yaml:"bootstrap_delay"`
}

// Config is the daemon configuration
type Config struct {
	ListenAddress   string        `yaml:"listen_address"`
	MonitoringPort  int           `yaml:"monitoring_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	PrefsFile     string `yaml:"prefs_file"`
	ZonesFile     string `yaml:"zones_file"`
	ZoneInfoDir   string `yaml:"zoneinfo_dir"`
	LocaltimeLink string `yaml:"localtime_link"`
	ManageLink    bool   `yaml:"manage_link"`
	ManageClock   bool   `yaml:"manage_clock"`

	NTP       NTPConfig       `yaml:"ntp"`
	Companion CompanionConfig `yaml:"companion"`
	NITZ      NITZConfig      `yaml:"nitz"`

	BroadcastStaleness time.Duration `yaml:"broadcast_staleness"`
	// DriftPeriodHours seeds the drift period preference, -1 disables source aging
	DriftPeriodHours int `yaml:"drift_period_hours"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:   "[::1]:8090",
		MonitoringPort:  4270,
		MetricsInterval: 10 * time.Second,
		PrefsFile:       "/var/lib/timeprefs/prefs.ini",
		ZoneInfoDir:     "/usr/share/zoneinfo",
		LocaltimeLink:   "/var/lib/timeprefs/localtime",
		ManageLink:      true,
		NTP: NTPConfig{
			Servers:  []string{"time.facebook.com"},
			Timeout:  2 * time.Second,
			Attempts: 3,
			Backoff:  time.Second,
		},
		Companion: CompanionConfig{
			BaudRate: companion.DefaultBaudRate,
		},
		NITZ: NITZConfig{
			Validity:       nitz.DefaultValidity,
			Timeout:        nitz.DefaultTimeoutInterval,
			BootstrapDelay: nitz.DefaultBootstrapDelay,
		},
		BroadcastStaleness: broadcast.DefaultStaleness,
		DriftPeriodHours:   int(arbiter.DefaultDriftPeriod / time.Hour),
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must be specified")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.MetricsPort < 0 {
		return fmt.Errorf("metrics_port must be 0 or positive")
	}
	if c.MetricsPort > 0 && c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics_interval must be greater than zero")
	}
	if c.PrefsFile == "" {
		return fmt.Errorf("prefs_file must be specified")
	}
	if c.ManageLink && (c.LocaltimeLink == "" || c.ZoneInfoDir == "") {
		return fmt.Errorf("localtime_link and zoneinfo_dir must be specified when manage_link is set")
	}
	if c.NTP.Timeout <= 0 {
		return fmt.Errorf("ntp timeout must be greater than zero")
	}
	if c.NTP.DSCP < 0 || c.NTP.DSCP > 63 {
		return fmt.Errorf("ntp dscp must be within [0, 63]")
	}
	if c.Companion.Device != "" && c.Companion.BaudRate <= 0 {
		return fmt.Errorf("companion baudrate must be greater than zero")
	}
	if c.NITZ.Validity <= 0 {
		return fmt.Errorf("nitz validity must be greater than zero")
	}
	if c.NITZ.Timeout <= 0 || c.NITZ.Timeout > nitz.MaxTimeoutInterval {
		return fmt.Errorf("nitz timeout must be within (0, %v]", nitz.MaxTimeoutInterval)
	}
	if c.NITZ.BootstrapDelay < 0 {
		return fmt.Errorf("nitz bootstrap_delay must be 0 or positive")
	}
	if c.BroadcastStaleness <= 0 {
		return fmt.Errorf("broadcast_staleness must be greater than zero")
	}
	if c.DriftPeriodHours != -1 && (c.DriftPeriodHours < 0 || time.Duration(c.DriftPeriodHours)*time.Hour > arbiter.MaxDriftPeriod) {
		return fmt.Errorf("drift_period_hours must be -1 or within [0, %d]", int(arbiter.MaxDriftPeriod/time.Hour))
	}
	return nil
}

// ReadConfig reads config from the file, unknown keys are an error
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.UnmarshalStrict(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath, listenAddress string, monitoringPort int, prefsFile string, ntpServers []string, manageClock bool, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["listen"] {
		warn("listen_address")
		cfg.ListenAddress = listenAddress
	}
	if setFlags["monitoringport"] {
		warn("monitoring_port")
		cfg.MonitoringPort = monitoringPort
	}
	if setFlags["prefs"] {
		warn("prefs_file")
		cfg.PrefsFile = prefsFile
	}
	if len(ntpServers) > 0 {
		warn("ntp servers")
		cfg.NTP.Servers = ntpServers
	}
	if setFlags["manageclock"] {
		warn("manage_clock")
		cfg.ManageClock = manageClock
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
