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

// The response store is an idempotent, order independent store of
// inbound client responses. Clients deliver responses over an
// unreliable transport so they may arrive out of order, duplicated or
// not at all. A request only becomes ready for processing when its
// terminal STATUS response has arrived.
package responses

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/paths"
)

var (
	responsesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "response_store_writes",
		Help: "Number of client responses written to the response store.",
	})
)

type ResponseStore struct {
	config_obj *config.Config
}

func NewResponseStore(config_obj *config.Config) *ResponseStore {
	return &ResponseStore{config_obj: config_obj}
}

// Write is an upsert keyed on (client_id, flow_id, request_id,
// response_id). Writing the same key twice is a no-op so client
// retransmissions are absorbed here. When a duplicate key arrives
// with a different authentication state the authenticated write wins
// - an attacker can not overwrite a legitimate response with a
// spoofed one.
func (self *ResponseStore) Write(response *messages.ClientResponse) error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(
		response.ClientId, response.FlowId)
	urn := path_manager.Response(response.RequestId, response.ResponseId)

	existing := &messages.ClientResponse{}
	err = db.GetSubject(self.config_obj, urn, existing)
	if err == nil {
		// Only an authenticated write may replace an
		// unauthenticated one.
		if existing.Authenticated || !response.Authenticated {
			return nil
		}
	}

	responsesWritten.Inc()
	return db.SetSubject(self.config_obj, urn, response)
}

// A request is complete when exactly one STATUS response exists for
// it, no matter how many ordinary responses preceded it.
func (self *ResponseStore) IsComplete(
	client_id, flow_id string, request_id uint64) (bool, error) {

	responses, err := self.readAll(client_id, flow_id, request_id)
	if err != nil {
		return false, err
	}

	for _, response := range responses {
		if response.IsStatus() {
			return true, nil
		}
	}
	return false, nil
}

// Returns all non STATUS responses sorted ascending by response id,
// with the STATUS response last. When the STATUS reports a response
// count the sequence is truncated to it, discarding trailing
// responses beyond what the client claims to have sent.
func (self *ResponseStore) ReadOrdered(
	client_id, flow_id string, request_id uint64) (
	[]*messages.ClientResponse, error) {

	all, err := self.readAll(client_id, flow_id, request_id)
	if err != nil {
		return nil, err
	}

	var status *messages.ClientResponse
	result := make([]*messages.ClientResponse, 0, len(all))
	for _, response := range all {
		if response.IsStatus() {
			status = response
			continue
		}
		result = append(result, response)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ResponseId < result[j].ResponseId
	})

	if status != nil {
		if status.Status != nil && status.Status.ResponseCount > 0 {
			truncated := result[:0]
			for _, response := range result {
				if response.ResponseId <= status.Status.ResponseCount {
					truncated = append(truncated, response)
				}
			}
			result = truncated
		}
		result = append(result, status)
	}

	return result, nil
}

// Purge all responses of a consumed request.
func (self *ResponseStore) DeleteRequest(
	client_id, flow_id string, request_id uint64) error {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(client_id, flow_id)
	children, err := db.ListChildren(
		self.config_obj, path_manager.Request(request_id))
	if err != nil {
		return err
	}

	for _, child := range children {
		err = db.DeleteSubject(self.config_obj, child)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *ResponseStore) readAll(
	client_id, flow_id string, request_id uint64) (
	[]*messages.ClientResponse, error) {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return nil, err
	}

	path_manager := paths.NewFlowPathManager(client_id, flow_id)
	children, err := db.ListChildren(
		self.config_obj, path_manager.Request(request_id))
	if err != nil {
		return nil, err
	}

	result := []*messages.ClientResponse{}
	for _, child := range children {
		response := &messages.ClientResponse{}
		err := db.GetSubject(self.config_obj, child, response)
		if err != nil {
			continue
		}
		result = append(result, response)
	}
	return result, nil
}
