package main

import (
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/startup"
)

var (
	// Run the server.
	frontend_cmd = app.Command("frontend",
		"Run the frontend server and all its services.")
)

func doFrontend() {
	config_obj, err := get_server_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config file")

	if *verbose_flag {
		config_obj.Logging.Level = "debug"
	}

	ctx, cancel := install_sig_handler()
	defer cancel()

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Starting</> FleetFlow frontend.")

	sm := services.NewServiceManager(ctx, config_obj)
	defer sm.Close()

	err = startup.StartupEssentialServices(sm)
	kingpin.FatalIfError(err, "Starting services")

	err = startup.StartupFrontendServices(sm)
	kingpin.FatalIfError(err, "Starting frontend services")

	// Wait for the signal handler to fire.
	<-ctx.Done()

	logger.Info("Shutting down.")
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == frontend_cmd.FullCommand() {
			doFrontend()
			return true
		}
		return false
	})
}
