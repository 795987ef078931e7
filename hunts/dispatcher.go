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

// The hunt dispatcher is the single writer of hunt objects. It keeps
// an in memory mirror of all hunts for cheap read access by the
// foreman (which consults it on every client check in) and funnels
// all mutations through ModifyHunt.
package hunts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	errors "github.com/pkg/errors"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

type HuntDispatcher struct {
	mu sync.Mutex

	config_obj *config.Config
	hunts      map[string]*api.Hunt
}

func NewHuntDispatcher(config_obj *config.Config) *HuntDispatcher {
	return &HuntDispatcher{
		config_obj: config_obj,
		hunts:      make(map[string]*api.Hunt),
	}
}

func NewHuntId() string {
	return constants.HUNT_PREFIX + utils.NewRandomId()
}

// Create a new hunt. Hunts start PAUSED - no clients are scheduled
// until StartHunt is called.
func (self *HuntDispatcher) CreateHunt(hunt *api.Hunt) (string, error) {
	if hunt.FlowName == "" {
		return "", errors.New("Hunts must specify a flow to run")
	}

	hunt.HuntId = NewHuntId()
	hunt.State = api.HUNT_PAUSED
	hunt.CreateTime = utils.GetTime().Now().Unix()
	if hunt.Stats == nil {
		hunt.Stats = &api.HuntStats{}
	}

	// Output plugin instances need a stable identity for their
	// persisted state.
	for _, descriptor := range hunt.OutputPlugins {
		if descriptor.InstanceId == "" {
			descriptor.InstanceId = uuid.New().String()
		}
	}

	if hunt.ExpiryTime == 0 {
		expiry := self.config_obj.Frontend.Resources.DefaultHuntExpiryHours
		if expiry == 0 {
			expiry = 7 * 24
		}
		hunt.ExpiryTime = utils.GetTime().Now().
			Add(time.Duration(expiry) * time.Hour).Unix()
	}

	err := self.persist(hunt)
	if err != nil {
		return "", err
	}

	self.mu.Lock()
	self.hunts[hunt.HuntId] = hunt
	self.mu.Unlock()

	return hunt.HuntId, nil
}

// Make the hunt visible to the foreman.
func (self *HuntDispatcher) StartHunt(hunt_id string) error {
	return self.ModifyHunt(hunt_id, func(hunt *api.Hunt) error {
		if hunt.State != api.HUNT_PAUSED {
			return errors.Errorf("Hunt %v is not paused", hunt_id)
		}
		hunt.State = api.HUNT_STARTED
		hunt.StartTime = utils.GetTime().Now().Unix()
		return nil
	})
}

func (self *HuntDispatcher) GetHunt(hunt_id string) (*api.Hunt, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	hunt, pres := self.hunts[hunt_id]
	return hunt, pres
}

// All hunt mutation goes through here. The callback runs under the
// dispatcher lock and the result is persisted atomically with the
// mirror update. A callback error abandons the modification.
func (self *HuntDispatcher) ModifyHunt(
	hunt_id string, cb func(hunt *api.Hunt) error) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	hunt, pres := self.hunts[hunt_id]
	if !pres {
		return errors.Errorf("No such hunt %v", hunt_id)
	}

	err := cb(hunt)
	if err != nil {
		return err
	}

	return self.persist(hunt)
}

func (self *HuntDispatcher) ApplyFuncOnHunts(
	cb func(hunt *api.Hunt) error) error {

	self.mu.Lock()
	hunts := make([]*api.Hunt, 0, len(self.hunts))
	for _, hunt := range self.hunts {
		hunts = append(hunts, hunt)
	}
	self.mu.Unlock()

	for _, hunt := range hunts {
		err := cb(hunt)
		if err != nil {
			return err
		}
	}
	return nil
}

// Active, unexpired hunts started since last_timestamp. The foreman
// calls this on every client check in with the client's last foreman
// time, so most calls return nothing.
func (self *HuntDispatcher) GetApplicableHunts(
	last_timestamp int64) []*api.Hunt {

	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.GetTime().Now().Unix()

	result := []*api.Hunt{}
	for _, hunt := range self.hunts {
		if !hunt.IsActive() ||
			now > hunt.ExpiryTime ||
			hunt.StartTime < last_timestamp {
			continue
		}
		result = append(result, hunt)
	}
	return result
}

// Reload the mirror from the datastore. Called at startup.
func (self *HuntDispatcher) Refresh() error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	hunt_urns, err := db.ListChildren(
		self.config_obj, constants.HUNTS_URN)
	if err != nil {
		return err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	for _, urn := range hunt_urns {
		hunt := &api.Hunt{}
		err := db.GetSubject(self.config_obj, urn, hunt)
		if err != nil {
			continue
		}
		if hunt.HuntId != "" {
			self.hunts[hunt.HuntId] = hunt
		}
	}
	return nil
}

func (self *HuntDispatcher) persist(hunt *api.Hunt) error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewHuntPathManager(hunt.HuntId)
	return db.SetSubject(self.config_obj, path_manager.Path(), hunt)
}

func StartHuntDispatcher(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.HuntComponent)
	logger.Info("<green>Starting</> the hunt dispatcher.")

	dispatcher := NewHuntDispatcher(config_obj)
	err := dispatcher.Refresh()
	if err != nil {
		return err
	}

	services.RegisterHuntDispatcher(dispatcher)
	return nil
}
