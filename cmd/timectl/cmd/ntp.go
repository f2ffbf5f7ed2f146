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
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/daemon"
)

var ntpSourceFlag string

func init() {
	RootCmd.AddCommand(ntpCmd)
	ntpCmd.AddCommand(ntpQueryCmd)
	ntpCmd.AddCommand(ntpSyncCmd)
	ntpSyncCmd.Flags().StringVarP(&ntpSourceFlag, "source", "s", "timectl", "requester name logged by the daemon")
}

var ntpCmd = &cobra.Command{
	Use:   "ntp",
	Short: "Network time operations",
}

var ntpQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query network time without applying it",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			UTC    int64   `json:"utc"`
			Server string  `json:"server"`
			Offset float64 `json:"offset"`
			Delay  float64 `json:"delay"`
		}
		if err := call("/time/getNTPTime", nil, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s from %s offset %.6fs delay %.6fs\n", time.Unix(res.UTC, 0).UTC().Format(time.RFC3339), res.Server, res.Offset, res.Delay)
	},
}

var ntpSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Query network time and propose it",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			UTC     int64 `json:"utc"`
			Applied bool  `json:"applied"`
		}
		if err := call("/time/setTimeWithNTP", &daemon.SetTimeWithNTPRequest{Source: ntpSourceFlag}, &res); err != nil {
			log.Fatal(err)
		}
		t := time.Unix(res.UTC, 0).UTC().Format(time.RFC3339)
		if res.Applied {
			fmt.Println(acceptedString, t)
			return
		}
		fmt.Println(rejectedString, t)
	},
}
