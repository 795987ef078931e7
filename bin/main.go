/*
   FleetFlow - Fleet Incident Response
   Copyright (C) 2026 OpenFleet Authors.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/openfleet/fleetflow/config"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("fleetflow",
		"A fleet wide incident response collection server.")

	config_path = app.Flag("config", "The configuration file.").
			Short('c').Envar("FLEETFLOW_CONFIG").String()

	verbose_flag = app.Flag(
		"verbose", "Enable verbose logging.").Short('v').
		Default("false").Bool()

	profile_flag = app.Flag(
		"profile", "Write profiling information to this file.").String()

	command_handlers []CommandHandler
)

func get_server_config(config_path string) (*config.Config, error) {
	if config_path == "" {
		return config.GetDefaultConfig(), nil
	}

	return config.LoadConfig(config_path)
}

func install_sig_handler() (context.Context, context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-quit:
			cancel()

		case <-ctx.Done():
			return
		}
	}()

	return ctx, cancel
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *profile_flag != "" {
		f, err := os.Create(*profile_flag)
		kingpin.FatalIfError(err, "Profile file.")

		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
