package datastore

/*
   An in-memory data store used in tests and small single node
   deployments.
*/

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/json"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/utils"
)

type queuedTask struct {
	task *messages.TaskRequest

	// The task is invisible until this time passes. Leasing pushes it
	// into the future.
	visible_at time.Time
}

type MemoryDataStore struct {
	mu sync.Mutex

	Subjects    map[string][]byte
	indexes     map[string]bool
	ClientTasks map[string][]*queuedTask
}

func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		Subjects:    make(map[string][]byte),
		indexes:     make(map[string]bool),
		ClientTasks: make(map[string][]*queuedTask),
	}
}

func (self *MemoryDataStore) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.Subjects = make(map[string][]byte)
	self.indexes = make(map[string]bool)
	self.ClientTasks = make(map[string][]*queuedTask)
}

func (self *MemoryDataStore) Debug() {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []string{}
	for k, v := range self.Subjects {
		result = append(result, fmt.Sprintf("%v: %v", k, string(v)))
	}
	fmt.Println(strings.Join(result, "\n"))
}

func (self *MemoryDataStore) GetSubject(
	config_obj *config.Config, urn string, result interface{}) error {
	defer Instrument("read", "MemoryDataStore")()

	self.mu.Lock()
	defer self.mu.Unlock()

	serialized, pres := self.Subjects[normalize(urn)]
	if !pres {
		return ErrNotFound
	}
	return json.Unmarshal(serialized, result)
}

func (self *MemoryDataStore) SetSubject(
	config_obj *config.Config, urn string, message interface{}) error {
	defer Instrument("write", "MemoryDataStore")()

	serialized, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	self.Subjects[normalize(urn)] = serialized
	return nil
}

func (self *MemoryDataStore) DeleteSubject(
	config_obj *config.Config, urn string) error {
	defer Instrument("delete", "MemoryDataStore")()

	self.mu.Lock()
	defer self.mu.Unlock()

	delete(self.Subjects, normalize(urn))
	return nil
}

func (self *MemoryDataStore) ListChildren(
	config_obj *config.Config, urn string) ([]string, error) {
	defer Instrument("list", "MemoryDataStore")()

	self.mu.Lock()
	defer self.mu.Unlock()

	root := normalize(urn) + "/"
	seen := make(map[string]bool)
	for k := range self.Subjects {
		if !strings.HasPrefix(k, root) {
			continue
		}

		child := strings.SplitN(strings.TrimPrefix(k, root), "/", 2)[0]
		seen[root+child] = true
	}

	result := make([]string, 0, len(seen))
	for k := range seen {
		result = append(result, k)
	}
	sort.Strings(result)
	return result, nil
}

func (self *MemoryDataStore) SetIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	for _, keyword := range keywords {
		self.indexes[indexKey(index_urn, entity, keyword)] = true
	}
	return nil
}

func (self *MemoryDataStore) UnsetIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	for _, keyword := range keywords {
		delete(self.indexes, indexKey(index_urn, entity, keyword))
	}
	return nil
}

func (self *MemoryDataStore) CheckIndex(
	config_obj *config.Config,
	index_urn string, entity string, keywords []string) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	for _, keyword := range keywords {
		_, pres := self.indexes[indexKey(index_urn, entity, keyword)]
		if pres {
			return nil
		}
	}
	return ErrNotFound
}

func (self *MemoryDataStore) QueueMessageForClient(
	config_obj *config.Config,
	client_id string, task *messages.TaskRequest) error {
	defer Instrument("queue", "MemoryDataStore")()

	visible_at := utils.GetTime().Now()
	if task.StartTime > 0 {
		visible_at = time.Unix(task.StartTime, 0)
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	self.ClientTasks[client_id] = append(
		self.ClientTasks[client_id], &queuedTask{
			task:       task,
			visible_at: visible_at,
		})

	tasksQueued.Inc()
	return nil
}

func (self *MemoryDataStore) LeaseClientTasks(
	config_obj *config.Config,
	client_id string, limit int,
	lease time.Duration) ([]*messages.TaskRequest, error) {
	defer Instrument("lease", "MemoryDataStore")()

	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.GetTime().Now()
	result := []*messages.TaskRequest{}
	for _, item := range self.ClientTasks[client_id] {
		if len(result) >= limit {
			break
		}

		if item.visible_at.After(now) {
			continue
		}

		item.visible_at = now.Add(lease)
		result = append(result, item.task)
	}

	tasksLeased.Add(float64(len(result)))
	return result, nil
}

func (self *MemoryDataStore) AckClientTask(
	config_obj *config.Config,
	client_id string, task *messages.TaskRequest) error {
	defer Instrument("ack", "MemoryDataStore")()

	self.mu.Lock()
	defer self.mu.Unlock()

	queue := self.ClientTasks[client_id]
	new_queue := make([]*queuedTask, 0, len(queue))
	for _, item := range queue {
		if item.task.FlowId == task.FlowId &&
			item.task.RequestId == task.RequestId {
			continue
		}
		new_queue = append(new_queue, item)
	}
	self.ClientTasks[client_id] = new_queue
	return nil
}

func (self *MemoryDataStore) DropFlowTasks(
	config_obj *config.Config,
	client_id string, flow_id string) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	queue := self.ClientTasks[client_id]
	new_queue := make([]*queuedTask, 0, len(queue))
	for _, item := range queue {
		if item.task.FlowId != flow_id {
			new_queue = append(new_queue, item)
		}
	}
	self.ClientTasks[client_id] = new_queue
	return nil
}

func (self *MemoryDataStore) Close() {}

func normalize(urn string) string {
	return strings.Trim(urn, "/")
}

func indexKey(index_urn, entity, keyword string) string {
	return normalize(index_urn) + "/" + entity + "/" + keyword
}
