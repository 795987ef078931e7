// The foreman decides, on every client check in, which hunts the
// client should join. It only emits participation events - the hunt
// manager makes the final scheduling decision, so the foreman can
// afford to be fast and slightly stale.
package hunts

import (
	"context"
	"sync"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/flows"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

// The check in payload clients send to the foreman well known flow.
type CheckinInfo struct {
	Hostname string   `json:"hostname,omitempty"`
	Os       string   `json:"os,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// Does the client match the hunt's selection rules?
func huntMatchesClient(
	hunt *api.Hunt, client *flows.ClientRecord) bool {

	condition := hunt.Condition
	if condition == nil {
		return true
	}

	if condition.Os != "" && condition.Os != client.Os {
		return false
	}

	for _, label := range condition.ExcludedLabels {
		if utils.InString(client.Labels, label) {
			return false
		}
	}

	if len(condition.Labels) > 0 {
		matched := false
		for _, label := range condition.Labels {
			if utils.InString(client.Labels, label) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Evaluate hunts started since the client's last foreman check and
// emit a participation event for each new match. Already scheduled
// clients are skipped here to keep the journal quiet, but the hunt
// manager deduplicates again - this check is only an optimization.
func CheckClientForHunts(
	config_obj *config.Config, client *flows.ClientRecord,
	last_timestamp int64) error {

	dispatcher := services.GetHuntDispatcher()
	if dispatcher == nil {
		return nil
	}

	db, err := datastore.GetDB(config_obj)
	if err != nil {
		return err
	}

	journal := services.GetJournal()
	if journal == nil {
		return nil
	}

	rows := []*ordereddict.Dict{}
	for _, hunt := range dispatcher.GetApplicableHunts(last_timestamp) {
		if !huntMatchesClient(hunt, client) {
			continue
		}

		err := db.CheckIndex(config_obj, constants.HUNT_INDEX,
			client.ClientId, []string{hunt.HuntId})
		if err == nil {
			// Already a participant.
			continue
		}

		rows = append(rows, ordereddict.NewDict().
			Set("HuntId", hunt.HuntId).
			Set("ClientId", client.ClientId))
	}

	if len(rows) > 0 {
		return journal.PushRows("System.Hunt.Participation", rows)
	}
	return nil
}

// The foreman's inbound surface. Clients periodically send a check in
// message to this well known flow.
type ForemanFlow struct {
	config_obj *config.Config
}

func (self *ForemanFlow) ProcessMessage(
	config_obj *config.Config,
	message *messages.ClientResponse) error {

	// Unlike enrollment, foreman messages must be authenticated -
	// hunt membership is decided on client identity.
	if !message.Authenticated {
		return nil
	}

	info := &CheckinInfo{}
	if len(message.Payload) > 0 {
		err := json.Unmarshal(message.Payload, info)
		if err != nil {
			return err
		}
	}

	db, err := datastore.GetDB(config_obj)
	if err != nil {
		return err
	}

	client_urn := constants.CLIENTS_URN + "/" + message.ClientId
	client := &flows.ClientRecord{ClientId: message.ClientId}
	_ = db.GetSubject(config_obj, client_urn, client)

	// Refresh the client record from the check in.
	last_foreman := client.LastForeman
	client.ClientId = message.ClientId
	client.LastSeen = utils.GetTime().Now().Unix()
	client.LastForeman = client.LastSeen
	if info.Hostname != "" {
		client.Hostname = info.Hostname
	}
	if info.Os != "" {
		client.Os = info.Os
	}
	if info.Labels != nil {
		client.Labels = info.Labels
	}

	err = db.SetSubject(config_obj, client_urn, client)
	if err != nil {
		return err
	}

	return CheckClientForHunts(config_obj, client, last_foreman)
}

func StartForemanService(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.HuntComponent)
	logger.Info("<green>Starting</> the foreman.")

	flows.RegisterWellKnownFlow(
		constants.FOREMAN_WELL_KNOWN_FLOW,
		&ForemanFlow{config_obj: config_obj})
	return nil
}
