// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sheriffsim is a minimal sheriff: it publishes an orders file
// to a deputy over the message bus and can tail a deputy's info/output
// traffic. It is not the sheriff GUI; it exists to drive and observe
// a deputy from the command line.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/pmfleet/deputy"
)

var busAddr string

func main() {
	root := &cobra.Command{
		Use:   "sheriffsim",
		Short: "Drive a deputy from the command line",
	}
	root.PersistentFlags().StringVar(&busAddr, "bus-addr", "", "message bus address, udp://host:port or unix://path")

	root.AddCommand(sendCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openBus() (deputy.Bus, error) {
	if busAddr == "" {
		return nil, fmt.Errorf("--bus-addr is required")
	}
	return deputy.NewUDPBus(busAddr)
}

// orderFile is the on-disk shape a sheriff operator edits; sendCmd
// translates it into an OrdersMessage.
type orderFile struct {
	DeputyID string `toml:"deputy_id"`
	Commands []struct {
		CommandID       string  `toml:"command_id"`
		ExecStr         string  `toml:"exec_str"`
		Group           string  `toml:"group"`
		AutoRespawn     bool    `toml:"auto_respawn"`
		StopSignal      int     `toml:"stop_signal"`
		StopTimeAllowed float64 `toml:"stop_time_allowed"`
		DesiredRunID    int32   `toml:"desired_runid"`
		ForceQuit       bool    `toml:"force_quit"`
	} `toml:"command"`
}

func sendCmd() *cobra.Command {
	var path string
	c := &cobra.Command{
		Use:   "send",
		Short: "Publish an orders file to a deputy",
		RunE: func(cmd *cobra.Command, args []string) error {
			var of orderFile
			if _, err := toml.DecodeFile(path, &of); err != nil {
				return fmt.Errorf("decoding orders file: %w", err)
			}

			bus, err := openBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			msg := deputy.OrdersMessage{
				Utime:    time.Now().UnixMicro(),
				DeputyID: of.DeputyID,
			}
			for _, oc := range of.Commands {
				msg.Commands = append(msg.Commands, deputy.DesiredCommand{
					CommandID:       oc.CommandID,
					ExecStr:         oc.ExecStr,
					Group:           oc.Group,
					AutoRespawn:     oc.AutoRespawn,
					StopSignal:      oc.StopSignal,
					StopTimeAllowed: oc.StopTimeAllowed,
					DesiredRunID:    oc.DesiredRunID,
					ForceQuit:       oc.ForceQuit,
				})
			}

			if err := bus.Publish(deputy.TopicOrders, msg); err != nil {
				return fmt.Errorf("publishing orders: %w", err)
			}
			fmt.Printf("sent orders for deputy %q (%d commands)\n", of.DeputyID, len(msg.Commands))
			return nil
		},
	}
	c.Flags().StringVar(&path, "file", "orders.toml", "path to a TOML orders file")
	return c
}

func watchCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "watch",
		Short: "Print info and output messages as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := openBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			infoCh, cancelInfo := bus.Subscribe(deputy.TopicInfo)
			defer cancelInfo()
			outputCh, cancelOutput := bus.Subscribe(deputy.TopicOutput)
			defer cancelOutput()

			for {
				select {
				case env := <-infoCh:
					b, _ := json.Marshal(env.Payload)
					fmt.Printf("info: %s\n", b)
				case env := <-outputCh:
					b, _ := json.Marshal(env.Payload)
					fmt.Printf("output: %s\n", b)
				}
			}
		},
	}
	return c
}
