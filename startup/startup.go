// A utility to start up all essential services.

package startup

import (
	"github.com/openfleet/fleetflow/flows"
	"github.com/openfleet/fleetflow/hunts"
	"github.com/openfleet/fleetflow/journal"
	"github.com/openfleet/fleetflow/notifications"
	"github.com/openfleet/fleetflow/output"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/worker"
)

// Services every deployment needs, in dependency order. The journal
// must come up first - almost everything else watches a queue.
func StartupEssentialServices(sm *services.Service) error {
	err := sm.Start(journal.StartJournalService)
	if err != nil {
		return err
	}

	err = sm.Start(notifications.StartNotificationService)
	if err != nil {
		return err
	}

	return sm.Start(flows.StartFlowRunnerService)
}

// Services that run on the frontend only.
func StartupFrontendServices(sm *services.Service) error {
	err := sm.Start(hunts.StartHuntDispatcher)
	if err != nil {
		return err
	}

	err = sm.Start(hunts.StartHuntManager)
	if err != nil {
		return err
	}

	err = sm.Start(hunts.StartForemanService)
	if err != nil {
		return err
	}

	err = sm.Start(output.StartOutputPluginRunner)
	if err != nil {
		return err
	}

	return sm.Start(worker.StartWorkerService)
}
