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

// A file based data store. Suitable where the server runs on a single
// node. All objects are written as JSON files under the configured
// location, one file per subject. The hierarchy of subjects maps
// directly onto the directory hierarchy.
package datastore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/json"
	errors "github.com/pkg/errors"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/utils"
)

var (
	file_based_imp = &FileBaseDataStore{}
)

// A task at rest on disk, together with its visibility time.
type taskOnDisk struct {
	Task      *messages.TaskRequest `json:"task"`
	VisibleAt int64                 `json:"visible_at"`
}

type FileBaseDataStore struct {
	// Serializes read-modify-write cycles on the task queue files.
	queue_mu sync.Mutex
}

func (self *FileBaseDataStore) GetSubject(
	config_obj *config.Config, urn string, result interface{}) error {
	defer Instrument("read", "FileBaseDataStore")()

	serialized, err := readContentFromFile(config_obj, urn)
	if err != nil {
		return err
	}
	return json.Unmarshal(serialized, result)
}

func (self *FileBaseDataStore) SetSubject(
	config_obj *config.Config, urn string, message interface{}) error {
	defer Instrument("write", "FileBaseDataStore")()

	serialized, err := json.Marshal(message)
	if err != nil {
		return errors.WithStack(err)
	}
	return writeContentToFile(config_obj, urn, serialized)
}

func (self *FileBaseDataStore) DeleteSubject(
	config_obj *config.Config, urn string) error {
	defer Instrument("delete", "FileBaseDataStore")()

	err := os.Remove(urnToFilename(config_obj, urn))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

func (self *FileBaseDataStore) ListChildren(
	config_obj *config.Config, urn string) ([]string, error) {
	defer Instrument("list", "FileBaseDataStore")()

	dirname := filepath.Join(config_obj.Datastore.Location,
		filepath.FromSlash(normalize(urn)))

	children, err := ioutil.ReadDir(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	result := []string{}
	for _, child := range children {
		name := child.Name()
		name = strings.TrimSuffix(name, ".json.db")
		result = append(result, normalize(urn)+"/"+name)
	}
	sort.Strings(result)
	return result, nil
}

func (self *FileBaseDataStore) SetIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	for _, keyword := range keywords {
		err := writeContentToFile(config_obj,
			indexKey(index_urn, entity, keyword), []byte("X"))
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *FileBaseDataStore) UnsetIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	for _, keyword := range keywords {
		err := self.DeleteSubject(config_obj,
			indexKey(index_urn, entity, keyword))
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *FileBaseDataStore) CheckIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	for _, keyword := range keywords {
		_, err := readContentFromFile(config_obj,
			indexKey(index_urn, entity, keyword))
		if err == nil {
			return nil
		}
	}
	return ErrNotFound
}

func (self *FileBaseDataStore) QueueMessageForClient(
	config_obj *config.Config,
	client_id string, task *messages.TaskRequest) error {
	defer Instrument("queue", "FileBaseDataStore")()

	visible_at := utils.GetTime().Now().Unix()
	if task.StartTime > 0 {
		visible_at = task.StartTime
	}

	self.queue_mu.Lock()
	defer self.queue_mu.Unlock()

	urn := taskURN(client_id, task)
	err := self.SetSubject(config_obj, urn, &taskOnDisk{
		Task:      task,
		VisibleAt: visible_at,
	})
	if err != nil {
		return err
	}

	tasksQueued.Inc()
	return nil
}

func (self *FileBaseDataStore) LeaseClientTasks(
	config_obj *config.Config,
	client_id string, limit int,
	lease time.Duration) ([]*messages.TaskRequest, error) {
	defer Instrument("lease", "FileBaseDataStore")()

	self.queue_mu.Lock()
	defer self.queue_mu.Unlock()

	children, err := self.ListChildren(config_obj,
		"clients/"+client_id+"/tasks")
	if err != nil {
		return nil, err
	}

	now := utils.GetTime().Now()
	result := []*messages.TaskRequest{}
	for _, child := range children {
		if len(result) >= limit {
			break
		}

		item := &taskOnDisk{}
		err := self.GetSubject(config_obj, child, item)
		if err != nil {
			continue
		}

		if item.VisibleAt > now.Unix() {
			continue
		}

		item.VisibleAt = now.Add(lease).Unix()
		err = self.SetSubject(config_obj, child, item)
		if err != nil {
			return nil, err
		}

		result = append(result, item.Task)
	}

	tasksLeased.Add(float64(len(result)))
	return result, nil
}

func (self *FileBaseDataStore) AckClientTask(
	config_obj *config.Config,
	client_id string, task *messages.TaskRequest) error {
	defer Instrument("ack", "FileBaseDataStore")()

	self.queue_mu.Lock()
	defer self.queue_mu.Unlock()

	return self.DeleteSubject(config_obj, taskURN(client_id, task))
}

func (self *FileBaseDataStore) DropFlowTasks(
	config_obj *config.Config,
	client_id string, flow_id string) error {

	self.queue_mu.Lock()
	defer self.queue_mu.Unlock()

	children, err := self.ListChildren(config_obj,
		"clients/"+client_id+"/tasks")
	if err != nil {
		return err
	}

	for _, child := range children {
		item := &taskOnDisk{}
		err := self.GetSubject(config_obj, child, item)
		if err != nil {
			continue
		}

		if item.Task.FlowId == flow_id {
			err = self.DeleteSubject(config_obj, child)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *FileBaseDataStore) Close() {}

func taskURN(client_id string, task *messages.TaskRequest) string {
	return "clients/" + client_id + "/tasks/" +
		task.FlowId + "-" + formatUint(task.RequestId)
}

func formatUint(v uint64) string {
	const digits = "000000000000"

	result := ""
	for v > 0 {
		result = string(rune('0'+v%10)) + result
		v = v / 10
	}
	if len(result) < len(digits) {
		result = digits[:len(digits)-len(result)] + result
	}
	return result
}

func urnToFilename(config_obj *config.Config, urn string) string {
	return filepath.Join(config_obj.Datastore.Location,
		filepath.FromSlash(normalize(urn))+".json.db")
}

func writeContentToFile(
	config_obj *config.Config, urn string, data []byte) error {
	filename := urnToFilename(config_obj, urn)

	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return errors.WithStack(err)
	}

	fd, err := os.OpenFile(filename,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return errors.WithStack(err)
	}
	defer fd.Close()

	_, err = fd.Write(data)
	return errors.WithStack(err)
}

func readContentFromFile(
	config_obj *config.Config, urn string) ([]byte, error) {
	serialized, err := ioutil.ReadFile(urnToFilename(config_obj, urn))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.WithStack(err)
	}
	return serialized, nil
}
