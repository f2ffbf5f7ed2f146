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
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/arbiter"
)

func init() {
	RootCmd.AddCommand(sourcesCmd)
}

func sourcesRun() error {
	var res struct {
		Sources []arbiter.Record `json:"sources"`
	}
	if err := call("/time/getTimeSources", nil, &res); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{"Source", "Priority", "Current", "Applied", "Last delta", "Mean offset", "Stddev", "Last applied"})
	for _, r := range res.Sources {
		current := ""
		if r.Current {
			current = acceptedString
		}
		last := "never"
		if !r.LastApplied.IsZero() {
			last = r.LastApplied.Format(time.RFC3339)
		}
		table.Append([]string{
			r.Tag,
			fmt.Sprint(r.Priority),
			current,
			fmt.Sprint(r.Applied),
			r.LastDelta.String(),
			fmt.Sprintf("%.3fs", r.MeanOffset),
			fmt.Sprintf("%.3fs", r.StdevOffset),
			last,
		})
	}
	table.Render()
	return nil
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Print time sources known to the arbiter",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := sourcesRun(); err != nil {
			log.Fatal(err)
		}
	},
}
