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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/timeprefs/clock"
	"github.com/facebook/timeprefs/companion"
	"github.com/facebook/timeprefs/daemon"
	"github.com/facebook/timeprefs/loop"
	"github.com/facebook/timeprefs/ntp"
	"github.com/facebook/timeprefs/prefs"
	"github.com/facebook/timeprefs/tzdb"
)

func loadDB(cfg *daemon.Config) (*tzdb.DB, error) {
	if cfg.ZonesFile == "" {
		return tzdb.Default()
	}
	return tzdb.LoadFile(cfg.ZonesFile)
}

func doWork(ctx context.Context, cfg *daemon.Config) error {
	db, err := loadDB(cfg)
	if err != nil {
		return fmt.Errorf("loading zones: %w", err)
	}
	store, err := prefs.OpenIni(cfg.PrefsFile)
	if err != nil {
		return err
	}
	var c clock.Clock = &clock.Unmanaged{}
	if cfg.ManageClock {
		c = clock.SysClock{}
	}
	deps := daemon.Deps{
		Clock: c,
		Store: store,
		DB:    db,
		NTP: ntp.NewClient(ntp.Config{
			Servers:  cfg.NTP.Servers,
			Timeout:  cfg.NTP.Timeout,
			Attempts: cfg.NTP.Attempts,
			Backoff:  cfg.NTP.Backoff,
			DSCP:     cfg.NTP.DSCP,
		}),
		Launcher: daemon.LogLauncher{},
		Loop:     loop.New(loop.DefaultQueueSize),
	}
	if cfg.Companion.Device != "" {
		r, err := companion.Open(cfg.Companion.Device, cfg.Companion.BaudRate)
		if err != nil {
			log.Warningf("companion clock unavailable: %v", err)
		} else {
			defer r.Close()
			deps.Companion = r
		}
	}
	stats := daemon.NewJSONStats()
	deps.Stats = stats

	o, err := daemon.New(cfg, deps)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return o.Run(ctx) })
	eg.Go(func() error { return daemon.NewServer(o).Start(ctx, cfg.ListenAddress) })
	if cfg.MonitoringPort > 0 {
		eg.Go(func() error { return stats.Start(ctx, cfg.MonitoringPort) })
	}
	if cfg.MetricsPort > 0 {
		exporter := daemon.NewPrometheusExporter(stats, cfg.MetricsPort, cfg.MetricsInterval)
		eg.Go(func() error {
			return exporter.Start(ctx)
		})
	}
	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warningf("failed to notify systemd: %v", err)
	} else if ok {
		log.Debug("notified systemd")
	}
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	var (
		verboseFlag        bool
		configFlag         string
		listenFlag         string
		monitoringPortFlag int
		prefsFlag          string
		ntpFlag            string
		manageClockFlag    bool
	)
	defaults := daemon.DefaultConfig()

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.StringVar(&listenFlag, "listen", defaults.ListenAddress, "address to serve requests on")
	flag.IntVar(&monitoringPortFlag, "monitoringport", defaults.MonitoringPort, "port to start monitoring http server on, 0 disables it")
	flag.StringVar(&prefsFlag, "prefs", defaults.PrefsFile, "path to the preferences file")
	flag.StringVar(&ntpFlag, "ntp", "", "comma separated NTP servers")
	flag.BoolVar(&manageClockFlag, "manageclock", defaults.ManageClock, "step the system clock instead of tracking changes in memory")

	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	log.SetReportCaller(true)
	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
	var servers []string
	if ntpFlag != "" {
		servers = strings.Split(ntpFlag, ",")
	}
	cfg, err := daemon.PrepareConfig(configFlag, listenFlag, monitoringPortFlag, prefsFlag, servers, manageClockFlag, setFlags)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := doWork(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
