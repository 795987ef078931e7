package main

import (
	"fmt"
	"runtime/debug"

	"github.com/openfleet/fleetflow/constants"
)

var (
	version = app.Command("version",
		"Report the binary version and build information.")
)

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == version.FullCommand() {
			fmt.Printf("fleetflow %v\n", constants.VERSION)

			if *verbose_flag {
				info, ok := debug.ReadBuildInfo()
				if ok {
					fmt.Printf("\nBuild Info:\n%v\n", info)
				}
			}
			return true
		}
		return false
	})
}
