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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/timeprefs/daemon"
	"github.com/facebook/timeprefs/nitz"
)

var (
	launchInactiveFlag bool
	launchParamsFlag   string
)

func init() {
	RootCmd.AddCommand(launchCmd)
	launchCmd.AddCommand(launchAddCmd)
	launchAddCmd.Flags().BoolVar(&launchInactiveFlag, "inactive", false, "register the application without launching it")
	launchAddCmd.Flags().StringVarP(&launchParamsFlag, "params", "p", "", "JSON launch parameters")
	launchCmd.AddCommand(launchRunCmd)
	RootCmd.AddCommand(nitzCmd)
	RootCmd.AddCommand(subscribeCmd)
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Manage applications launched on time changes",
}

var launchAddCmd = &cobra.Command{
	Use:   "add APPID",
	Short: "Register or update an application",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		entry := &daemon.LaunchEntry{AppID: args[0], Active: !launchInactiveFlag}
		if launchParamsFlag != "" {
			if !json.Valid([]byte(launchParamsFlag)) {
				log.Fatalf("invalid JSON parameters %q", launchParamsFlag)
			}
			entry.Parameters = json.RawMessage(launchParamsFlag)
		}
		if err := call("/time/setTimeChangeLaunch", entry, nil); err != nil {
			log.Fatal(err)
		}
		fmt.Println(acceptedString, entry.AppID)
	},
}

var launchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch every active application now",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var res struct {
			Launched int `json:"launched"`
		}
		if err := call("/time/launchTimeChangeApps", nil, &res); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("launched %d applications\n", res.Launched)
	},
}

var nitzCmd = &cobra.Command{
	Use:   "nitz FILE",
	Short: "Inject a network time announcement read from a JSON file, - for stdin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				log.Fatal(err)
			}
			defer f.Close()
			in = f
		}
		msg := &nitz.Message{}
		if err := json.NewDecoder(in).Decode(msg); err != nil {
			log.Fatalf("decoding announcement: %v", err)
		}
		if err := call("/time/setSystemNetworkTime", msg, nil); err != nil {
			log.Fatal(err)
		}
		fmt.Println(acceptedString, "announcement delivered")
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Print system time on every change",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		err := follow("/time/subscribe", &daemon.SubscribeRequest{Subscribe: true}, func(line []byte) error {
			st := &daemon.SystemTime{}
			if err := json.Unmarshal(line, st); err != nil {
				return err
			}
			printSystemTime(st)
			fmt.Println()
			return nil
		})
		if err != nil {
			log.Fatal(err)
		}
	},
}
