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

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/daemon"
)

var acceptedString = color.GreenString("[ACCEPTED]")
var rejectedString = color.YellowString("[REJECTED]")

var (
	setSourceFlag string
	broadcastFlag bool
	effectiveSub  bool
)

func init() {
	RootCmd.AddCommand(timeCmd)
	RootCmd.AddCommand(setCmd)
	setCmd.Flags().StringVarP(&setSourceFlag, "source", "s", "", "proposing source tag, empty means a manual edit")
	RootCmd.AddCommand(broadcastCmd)
	broadcastCmd.Flags().BoolVarP(&broadcastFlag, "set", "S", false, "store UTC and LOCAL (RFC3339) as a broadcast sample")
	RootCmd.AddCommand(effectiveCmd)
	effectiveCmd.Flags().BoolVarP(&effectiveSub, "subscribe", "s", false, "keep printing pushes")
	RootCmd.AddCommand(uptimeCmd)
}

func printSystemTime(st *daemon.SystemTime) {
	fmt.Printf("UTC:        %s\n", time.Unix(st.UTC, 0).UTC().Format(time.RFC3339))
	lt := st.LocalTime
	fmt.Printf("Local:      %04d-%02d-%02d %02d:%02d:%02d (%+d min)\n", lt.Year, lt.Month, lt.Day, lt.Hour, lt.Minute, lt.Second, st.Offset)
	fmt.Printf("Zone:       %s (%s)\n", st.TimeZone, st.TZ)
	fmt.Printf("Zone file:  %s\n", st.TimeZoneFile)
	fmt.Printf("Source:     %s\n", st.SystemTimeSource)
	fmt.Printf("Manual:     %v\n", st.IsManual)
	fmt.Printf("NITZ:       valid=%v time=%v zone=%v\n", st.NITZValid, st.NITZValidTime, st.NITZValidZone)
}

func printEffective(e *daemon.EffectiveReply) {
	lt := e.LocalTime
	fmt.Printf("%s %04d-%02d-%02d %02d:%02d:%02d system=%v\n",
		time.Unix(e.AdjustedUTC, 0).UTC().Format(time.RFC3339),
		lt.Year, lt.Month, lt.Day, lt.Hour, lt.Minute, lt.Second, e.SystemTimeUsed)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	return t, nil
}

// wallSeconds returns the wall clock fields of t read as UTC
func wallSeconds(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC).Unix()
}

var timeCmd = &cobra.Command{
	Use:   "time",
	Short: "Print system time, zone and source",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		st := &daemon.SystemTime{}
		if err := call("/time/getSystemTime", nil, st); err != nil {
			log.Fatal(err)
		}
		printSystemTime(st)
	},
}

var setCmd = &cobra.Command{
	Use:   "set RFC3339",
	Short: "Propose a new system time",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		t, err := parseTime(args[0])
		if err != nil {
			log.Fatal(err)
		}
		var res struct {
			Applied bool `json:"applied"`
		}
		req := &daemon.SetSystemTimeRequest{UTC: t.Unix(), Source: setSourceFlag}
		if err := call("/time/setSystemTime", req, &res); err != nil {
			log.Fatal(err)
		}
		if res.Applied {
			fmt.Println(acceptedString, t.UTC().Format(time.RFC3339))
			return
		}
		fmt.Println(rejectedString, "a higher priority source owns the clock")
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast [UTC LOCAL]",
	Short: "Print or store broadcast time",
	Args:  cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if broadcastFlag {
			if len(args) != 2 {
				log.Fatal("--set needs UTC and LOCAL")
			}
			utc, err := parseTime(args[0])
			if err != nil {
				log.Fatal(err)
			}
			local, err := parseTime(args[1])
			if err != nil {
				log.Fatal(err)
			}
			req := &daemon.SetBroadcastTimeRequest{UTC: utc.Unix(), Local: wallSeconds(local)}
			if err := call("/time/setBroadcastTime", req, nil); err != nil {
				log.Fatal(err)
			}
			fmt.Println(acceptedString, "broadcast sample stored")
			return
		}
		var res struct {
			UTC   int64 `json:"utc"`
			Local int64 `json:"local"`
		}
		if err := call("/time/getBroadcastTime", nil, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("UTC:   %s\n", time.Unix(res.UTC, 0).UTC().Format(time.RFC3339))
		fmt.Printf("Local: %s\n", time.Unix(res.Local, 0).UTC().Format("2006-01-02 15:04:05"))
	},
}

var effectiveCmd = &cobra.Command{
	Use:   "effective",
	Short: "Print the effective broadcast time",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		req := &daemon.SubscribeRequest{Subscribe: effectiveSub}
		if !effectiveSub {
			e := &daemon.EffectiveReply{}
			if err := call("/time/getEffectiveBroadcastTime", req, e); err != nil {
				log.Fatal(err)
			}
			printEffective(e)
			return
		}
		err := follow("/time/getEffectiveBroadcastTime", req, func(line []byte) error {
			e := &daemon.EffectiveReply{}
			if err := json.Unmarshal(line, e); err != nil {
				return err
			}
			printEffective(e)
			return nil
		})
		if err != nil {
			log.Fatal(err)
		}
	},
}

var uptimeCmd = &cobra.Command{
	Use:   "uptime",
	Short: "Print host uptime",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			Uptime   uint64 `json:"uptime"`
			BootTime uint64 `json:"bootTime"`
		}
		if err := call("/time/getSystemUptime", nil, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("up %v since %s\n", time.Duration(res.Uptime)*time.Second, time.Unix(int64(res.BootTime), 0).Format(time.RFC3339))
	},
}
