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
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/daemon"
)

var prefsSubscribeFlag bool

func init() {
	RootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsGetCmd)
	prefsGetCmd.Flags().BoolVarP(&prefsSubscribeFlag, "subscribe", "s", false, "keep printing changes")
	prefsCmd.AddCommand(prefsSetCmd)
}

// prefValue reads a command line value as JSON, falling back to a JSON string
func prefValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func printPreferences(values map[string]json.RawMessage) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, values[k])
	}
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read and write preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get KEY...",
	Short: "Print preference values",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		req := &daemon.GetPreferencesRequest{Keys: args, Subscribe: prefsSubscribeFlag}
		if !prefsSubscribeFlag {
			res := &daemon.PreferenceValues{}
			if err := call("/preferences/get", req, res); err != nil {
				log.Fatal(err)
			}
			printPreferences(res.Values)
			return
		}
		err := follow("/preferences/get", req, func(line []byte) error {
			res := &daemon.PreferenceValues{}
			if err := json.Unmarshal(line, res); err != nil {
				return err
			}
			printPreferences(res.Values)
			return nil
		})
		if err != nil {
			log.Fatal(err)
		}
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Write preference values",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		values := map[string]json.RawMessage{}
		for _, a := range args {
			k, v, ok := strings.Cut(a, "=")
			if !ok {
				log.Fatalf("expected KEY=VALUE, got %q", a)
			}
			values[k] = prefValue(v)
		}
		if err := call("/preferences/set", &daemon.SetPreferencesRequest{Values: values}, nil); err != nil {
			log.Fatal(err)
		}
		fmt.Println(acceptedString, strings.Join(args, " "))
	},
}
