package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/hunts"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/startup"
	"github.com/openfleet/fleetflow/utils"
)

var (
	hunt_command = app.Command("hunt", "Manage hunts.")

	hunt_list_command = hunt_command.Command(
		"list", "List all hunts.")

	hunt_create_command = hunt_command.Command(
		"create", "Create (and start) a new hunt.")

	hunt_create_flow = hunt_create_command.Arg(
		"flow", "The flow to run on each client.").Required().String()

	hunt_create_args = hunt_create_command.Flag(
		"args", "JSON encoded flow arguments.").String()

	hunt_create_paused = hunt_create_command.Flag(
		"paused", "Leave the hunt paused.").Bool()

	hunt_create_client_limit = hunt_create_command.Flag(
		"client_limit", "Pause after this many clients.").Uint64()
)

func doHuntList() {
	config_obj, err := get_server_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config file")

	ctx, cancel := install_sig_handler()
	defer cancel()

	sm := services.NewServiceManager(ctx, config_obj)
	defer sm.Close()

	err = startup.StartupEssentialServices(sm)
	kingpin.FatalIfError(err, "Starting services")

	err = sm.Start(hunts.StartHuntDispatcher)
	kingpin.FatalIfError(err, "Starting hunt dispatcher")

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer writer.Flush()

	fmt.Fprintln(writer, "HuntId\tState\tFlow\tClients\tResults")

	dispatcher := services.GetHuntDispatcher()
	err = dispatcher.ApplyFuncOnHunts(func(hunt *api.Hunt) error {
		fmt.Fprintf(writer, "%v\t%v\t%v\t%v\t%v\n",
			hunt.HuntId, hunt.State, hunt.FlowName,
			hunt.Stats.NumClients, hunt.Stats.NumResults)
		return nil
	})
	kingpin.FatalIfError(err, "Listing hunts")
}

func doHuntCreate() {
	config_obj, err := get_server_config(*config_path)
	kingpin.FatalIfError(err, "Unable to load config file")

	ctx, cancel := install_sig_handler()
	defer cancel()

	sm := services.NewServiceManager(ctx, config_obj)
	defer sm.Close()

	err = startup.StartupEssentialServices(sm)
	kingpin.FatalIfError(err, "Starting services")

	err = sm.Start(hunts.StartHuntDispatcher)
	kingpin.FatalIfError(err, "Starting hunt dispatcher")

	dispatcher := services.GetHuntDispatcher().(*hunts.HuntDispatcher)
	hunt_id, err := dispatcher.CreateHunt(&api.Hunt{
		FlowName:    *hunt_create_flow,
		FlowArgs:    []byte(*hunt_create_args),
		ClientLimit: *hunt_create_client_limit,
		Creator:     utils.GetCurrentUser(),
	})
	kingpin.FatalIfError(err, "Creating hunt")

	if !*hunt_create_paused {
		err = dispatcher.StartHunt(hunt_id)
		kingpin.FatalIfError(err, "Starting hunt")
	}

	fmt.Printf("%v\n", hunt_id)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case hunt_list_command.FullCommand():
			doHuntList()

		case hunt_create_command.FullCommand():
			doHuntCreate()

		default:
			return false
		}
		return true
	})
}
