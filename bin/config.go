package main

import (
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/openfleet/fleetflow/config"
)

var (
	config_command = app.Command(
		"config", "Manipulate the configuration.")

	config_show_command = config_command.Command(
		"show", "Show the current config.")

	config_generate_command = config_command.Command(
		"generate", "Write a fresh default config to stdout.")
)

func doShowConfig() {
	config_obj, err := get_server_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config file")

	serialized, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Unable to encode config.")

	fmt.Printf("%v", string(serialized))
}

func doGenerateConfig() {
	serialized, err := config.Encode(config.GetDefaultConfig())
	kingpin.FatalIfError(err, "Unable to encode config.")

	fmt.Printf("%v", string(serialized))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case config_show_command.FullCommand():
			doShowConfig()

		case config_generate_command.FullCommand():
			doGenerateConfig()

		default:
			return false
		}
		return true
	})
}
