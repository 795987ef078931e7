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
// An interface into persistent data storage.
package datastore

import (
	"sync"
	"time"

	errors "github.com/pkg/errors"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/messages"
)

var (
	mu sync.Mutex

	memory_imp *MemoryDataStore

	ErrNotFound = errors.New("Not found")
)

type DataStore interface {
	// Reads a stored object from the datastore and decodes it into
	// result. If there is no stored object at this URN the function
	// returns ErrNotFound.
	GetSubject(config_obj *config.Config,
		urn string, result interface{}) error

	SetSubject(config_obj *config.Config,
		urn string, message interface{}) error

	DeleteSubject(config_obj *config.Config, urn string) error

	// Lists all the direct children of a URN in lexical order.
	ListChildren(config_obj *config.Config,
		urn string) ([]string, error)

	// Update the posting list index. Searching for any of the
	// keywords will return the entity urn.
	SetIndex(config_obj *config.Config,
		index_urn string, entity string, keywords []string) error

	UnsetIndex(config_obj *config.Config,
		index_urn string, entity string, keywords []string) error

	CheckIndex(config_obj *config.Config,
		index_urn string, entity string, keywords []string) error

	// The per client task queue. Tasks queued with a future start
	// time only become visible at that time. Leased tasks are hidden
	// for the lease duration and become visible again if they are not
	// acked - this is the at least once redelivery path, not an
	// error.
	QueueMessageForClient(config_obj *config.Config,
		client_id string, task *messages.TaskRequest) error

	LeaseClientTasks(config_obj *config.Config,
		client_id string, limit int,
		lease time.Duration) ([]*messages.TaskRequest, error)

	AckClientTask(config_obj *config.Config,
		client_id string, task *messages.TaskRequest) error

	// Remove all tasks of one flow from the client's queue. Used when
	// a flow terminates early.
	DropFlowTasks(config_obj *config.Config,
		client_id string, flow_id string) error

	// Called to close all db handles etc. Not thread safe.
	Close()
}

func GetDB(config_obj *config.Config) (DataStore, error) {
	if config_obj.Datastore == nil {
		return nil, errors.New("no datastore configured")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory":
		mu.Lock()
		defer mu.Unlock()

		if memory_imp == nil {
			memory_imp = NewMemoryDataStore()
		}
		return memory_imp, nil

	case "FileBaseDataStore":
		if config_obj.Datastore.Location == "" {
			return nil, errors.New(
				"No datastore location is set in the config.")
		}
		return file_based_imp, nil

	default:
		return nil, errors.New("no datastore implementation " +
			config_obj.Datastore.Implementation)
	}
}
