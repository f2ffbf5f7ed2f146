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
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/daemon"
	"github.com/facebook/timeprefs/tzdb"
)

var (
	zonesGenericFlag bool
	rulesYearsFlag   []int
)

func init() {
	RootCmd.AddCommand(zonesCmd)
	zonesCmd.Flags().BoolVarP(&zonesGenericFlag, "generic", "g", false, "list generic UTC offset zones")
	RootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().IntSliceVarP(&rulesYearsFlag, "years", "y", nil, "years to print, current year when empty")
	RootCmd.AddCommand(localeCmd)
	RootCmd.AddCommand(convertCmd)
	RootCmd.AddCommand(zoneFileCmd)
}

func offsetString(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%02d:%02d", sign, minutes/60, minutes%60)
}

func zonesRun(generic bool) error {
	var res struct {
		TimeZones []tzdb.Zone `json:"timeZones"`
		Current   *tzdb.Zone  `json:"current"`
	}
	if err := call("/timezone/list", &daemon.ListRequest{Generic: generic}, &res); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(30)
	table.SetHeader([]string{"Zone", "City", "Country", "Offset", "DST", "Current"})
	for _, z := range res.TimeZones {
		current := ""
		if res.Current != nil && res.Current.Name == z.Name && res.Current.City == z.City {
			current = acceptedString
		}
		table.Append([]string{z.Name, z.City, z.Country, offsetString(z.Offset), strconv.FormatBool(z.DST), current})
	}
	table.Render()
	return nil
}

func rulesRun(tz string, years []int) error {
	var res struct {
		Rules []tzdb.YearRule `json:"rules"`
	}
	if err := call("/timezone/getTimeZoneRules", &daemon.RulesRequest{TZ: tz, Years: years}, &res); err != nil {
		return err
	}
	stamp := func(sec int64) string {
		if sec < 0 {
			return "-"
		}
		return time.Unix(sec, 0).UTC().Format(time.RFC3339)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Year", "DST change", "UTC offset", "DST offset", "DST start", "DST end"})
	for _, r := range res.Rules {
		table.Append([]string{
			strconv.Itoa(r.Year),
			strconv.FormatBool(r.HasDSTChange),
			(time.Duration(r.UTCOffset) * time.Second).String(),
			(time.Duration(r.DSTOffset) * time.Second).String(),
			stamp(r.DSTStart),
			stamp(r.DSTEnd),
		})
	}
	table.Render()
	return nil
}

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "List time zones",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := zonesRun(zonesGenericFlag); err != nil {
			log.Fatal(err)
		}
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules ZONE",
	Short: "Print DST rules of a zone",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := rulesRun(args[0], rulesYearsFlag); err != nil {
			log.Fatal(err)
		}
	},
}

var localeCmd = &cobra.Command{
	Use:   "locale LOCALE",
	Short: "Print the default zone of a locale",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			TimeZone tzdb.Zone `json:"timeZone"`
		}
		if err := call("/time/getCurrentTimeZoneByLocale", &daemon.LocaleRequest{Locale: args[0]}, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s (%s) %s\n", res.TimeZone.Name, res.TimeZone.City, offsetString(res.TimeZone.Offset))
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert DATE FROM TO",
	Short: "Reinterpret a wall time from one zone in another",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			Date string `json:"date"`
		}
		req := &daemon.ConvertDateRequest{Date: args[0], Source: args[1], Dest: args[2]}
		if err := call("/time/convertDate", req, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Println(res.Date)
	},
}

var zoneFileCmd = &cobra.Command{
	Use:   "zonefile",
	Short: "Print the zoneinfo file of the active zone",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			TimeZoneFile string `json:"timeZoneFile"`
		}
		if err := call("/time/getSystemTimezoneFile", nil, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Println(res.TimeZoneFile)
	},
}
