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

// A registry of singleton server services. Components look their
// collaborators up here rather than holding direct references, which
// lets tests start only the services they exercise.
package services

import (
	"context"
	"regexp"
	"sync"

	"github.com/Velocidex/ordereddict"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
)

var (
	service_mu sync.Mutex

	g_journal         Journal
	g_notifier        Notifier
	g_launcher        Launcher
	g_hunt_dispatcher HuntDispatcher
)

// The journal service fans internal events out to watchers.
type Journal interface {
	Watch(queue_name string) (<-chan *ordereddict.Dict, func())
	PushRows(queue_name string, rows []*ordereddict.Dict) error
}

// Wakes up waiters keyed by client id or flow id.
type Notifier interface {
	Listen(id string) (chan bool, func())
	Notify(id string)
	NotifyByRegex(config_obj *config.Config, re *regexp.Regexp)
	IsClientConnected(id string) bool
}

// Options for starting a new flow.
type FlowOptions struct {
	Creator      string
	ParentFlowId string
	ParentHuntId string

	// Which request of the parent flow the child satisfies.
	ParentRequestId uint64

	CpuLimit            float64
	NetworkBytesLimit   uint64
	RuntimeLimitSeconds uint64
}

// The flow runner's surface used by other services.
type Launcher interface {
	StartFlow(flow_name string, client_id string,
		args []byte, options FlowOptions) (string, error)

	// Request cooperative cancellation. The worker terminates the
	// flow on its next processing round.
	RequestTermination(client_id, flow_id, reason string) error

	// Advance one flow by one round. Called by the worker under the
	// per flow dispatch lock.
	ProcessFlow(client_id, flow_id string) error

	// Record an out of band client crash against the flow.
	MarkFlowCrashed(client_id, flow_id, message string) error

	GetFlow(client_id, flow_id string) (*api.FlowObject, error)
}

// The hunt dispatcher's surface used by the foreman and hunt manager.
type HuntDispatcher interface {
	GetHunt(hunt_id string) (*api.Hunt, bool)

	// Single writer mutation of the hunt object. The callback runs
	// under the dispatcher lock and the modified hunt is persisted.
	ModifyHunt(hunt_id string, cb func(hunt *api.Hunt) error) error

	ApplyFuncOnHunts(cb func(hunt *api.Hunt) error) error

	// Active hunts started since last_timestamp, for the foreman.
	GetApplicableHunts(last_timestamp int64) []*api.Hunt

	Refresh() error
}

func RegisterJournal(j Journal) {
	service_mu.Lock()
	defer service_mu.Unlock()

	g_journal = j
}

func GetJournal() Journal {
	service_mu.Lock()
	defer service_mu.Unlock()

	return g_journal
}

func RegisterNotifier(n Notifier) {
	service_mu.Lock()
	defer service_mu.Unlock()

	g_notifier = n
}

func GetNotifier() Notifier {
	service_mu.Lock()
	defer service_mu.Unlock()

	return g_notifier
}

func RegisterLauncher(l Launcher) {
	service_mu.Lock()
	defer service_mu.Unlock()

	g_launcher = l
}

func GetLauncher() Launcher {
	service_mu.Lock()
	defer service_mu.Unlock()

	return g_launcher
}

func RegisterHuntDispatcher(d HuntDispatcher) {
	service_mu.Lock()
	defer service_mu.Unlock()

	g_hunt_dispatcher = d
}

func GetHuntDispatcher() HuntDispatcher {
	service_mu.Lock()
	defer service_mu.Unlock()

	return g_hunt_dispatcher
}

type StarterFunc func(ctx context.Context,
	wg *sync.WaitGroup, config_obj *config.Config) error

// Manages the lifetime of a set of services for one deployment (or
// one test).
type Service struct {
	Ctx    context.Context
	cancel func()
	Wg     *sync.WaitGroup
	Config *config.Config
}

func NewServiceManager(
	ctx context.Context, config_obj *config.Config) *Service {

	self := &Service{Config: config_obj, Wg: &sync.WaitGroup{}}
	self.Ctx, self.cancel = context.WithCancel(ctx)
	return self
}

func (self *Service) Start(starter StarterFunc) error {
	return starter(self.Ctx, self.Wg, self.Config)
}

func (self *Service) Close() {
	self.cancel()
	self.Wg.Wait()
}
