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
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	statsHostFlag string
	statsPortFlag int
)

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsHostFlag, "host", "H", "::1", "daemon monitoring host")
	statsCmd.Flags().IntVarP(&statsPortFlag, "port", "p", 4270, "daemon monitoring port")
}

func statsRun(host string, port int) error {
	url := fmt.Sprintf("http://%s/", net.JoinHostPort(host, strconv.Itoa(port)))
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	counters := map[string]int64{}
	if err := json.NewDecoder(resp.Body).Decode(&counters); err != nil {
		return fmt.Errorf("decoding counters: %w", err)
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Counter", "Value"})
	for _, k := range keys {
		table.Append([]string{k, strconv.FormatInt(counters[k], 10)})
	}
	table.Render()
	return nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print daemon counters",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := statsRun(statsHostFlag, statsPortFlag); err != nil {
			log.Fatal(err)
		}
	},
}
