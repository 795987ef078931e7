package flows

import (
	"sync"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/utils"
)

// Well known flows live in a reserved id namespace and have no flow
// object, no request tracking and no termination. Each inbound
// message addressed to a well known flow id is handled immediately -
// including unauthenticated messages, since enrollment necessarily
// happens before the client has keys.
type WellKnownFlow interface {
	ProcessMessage(config_obj *config.Config,
		message *messages.ClientResponse) error
}

var (
	wellknown_mu sync.Mutex
	wellknown    = make(map[string]WellKnownFlow)
)

func RegisterWellKnownFlow(flow_id string, impl WellKnownFlow) {
	wellknown_mu.Lock()
	defer wellknown_mu.Unlock()

	wellknown[flow_id] = impl
}

func GetWellKnownFlow(flow_id string) (WellKnownFlow, bool) {
	wellknown_mu.Lock()
	defer wellknown_mu.Unlock()

	impl, pres := wellknown[flow_id]
	return impl, pres
}

// A minimal client record established at enrollment time.
type ClientRecord struct {
	ClientId  string   `json:"client_id"`
	Hostname  string   `json:"hostname,omitempty"`
	Os        string   `json:"os,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	FirstSeen int64    `json:"first_seen"`
	LastSeen  int64    `json:"last_seen"`

	// When the foreman last evaluated hunts for this client.
	LastForeman int64 `json:"last_foreman,omitempty"`
}

// The enrollment flow admits previously unknown clients. It is the
// one place an unauthenticated message is acted on, and the only
// action is creating the client record so the crypto layer can
// complete the key exchange.
type EnrollmentFlow struct{}

func (self *EnrollmentFlow) ProcessMessage(
	config_obj *config.Config,
	message *messages.ClientResponse) error {

	db, err := datastore.GetDB(config_obj)
	if err != nil {
		return err
	}

	client_urn := constants.CLIENTS_URN + "/" + message.ClientId
	existing := &ClientRecord{}
	err = db.GetSubject(config_obj, client_urn, existing)
	if err == nil && existing.ClientId != "" {
		// Already enrolled - just refresh last seen.
		existing.LastSeen = utils.GetTime().Now().Unix()
		return db.SetSubject(config_obj, client_urn, existing)
	}

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Infof("Enrolling new client %v", message.ClientId)

	now := utils.GetTime().Now().Unix()
	record := &ClientRecord{
		ClientId:  message.ClientId,
		FirstSeen: now,
		LastSeen:  now,
	}

	err = db.SetSubject(config_obj, client_urn, record)
	if err != nil {
		return err
	}

	return db.SetIndex(config_obj, constants.CLIENT_INDEX,
		message.ClientId, []string{message.ClientId})
}

func init() {
	RegisterWellKnownFlow(
		constants.ENROLLMENT_WELL_KNOWN_FLOW, &EnrollmentFlow{})
}
