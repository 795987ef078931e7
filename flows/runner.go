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

// The flow runner advances flows one round at a time. Each round
// consumes the completed requests of one flow, invokes the relevant
// state handlers and commits the updated flow object in a single
// write at the end - the commit point. New client tasks are durably
// queued before the commit so a crash between the two at worst
// recomputes the same round, which is safe because the task queue and
// response store writes are idempotent.
package flows

import (
	"context"
	"sync"
	"time"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
	"github.com/Velocidex/ttlcache/v2"
	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/responses"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

var (
	flowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flows_started",
		Help: "Number of flows started.",
	})

	flowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flows_completed",
		Help: "Number of flows reaching a terminal state.",
	}, []string{"state"})
)

type FlowRunner struct {
	mu sync.Mutex

	config_obj *config.Config
	store      *responses.ResponseStore

	// Read cache for GetFlow callers (the GUI, hunt manager).
	// ProcessFlow always reads through to the datastore.
	flow_cache *ttlcache.Cache
}

func NewFlowRunner(config_obj *config.Config) *FlowRunner {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(10 * time.Second)
	cache.SkipTTLExtensionOnHit(true)

	return &FlowRunner{
		config_obj: config_obj,
		store:      responses.NewResponseStore(config_obj),
		flow_cache: cache,
	}
}

func NewFlowId() string {
	return constants.FLOW_PREFIX + utils.NewRandomId()
}

// Create a new flow and run its Start handler synchronously. A
// failure in Start converts the flow to the ERROR state - the flow
// never remains half initialized.
func (self *FlowRunner) StartFlow(
	flow_name string, client_id string,
	args []byte, options services.FlowOptions) (string, error) {

	impl, pres := GetImpl(flow_name)
	if !pres {
		return "", errors.Errorf("Unknown flow %v", flow_name)
	}

	err := impl.ValidateArgs(args)
	if err != nil {
		return "", &InvalidArgsError{
			FlowName: flow_name,
			Reason:   err.Error(),
		}
	}

	flow := &api.FlowObject{
		ClientId:            client_id,
		FlowId:              NewFlowId(),
		ParentFlowId:        options.ParentFlowId,
		ParentHuntId:        options.ParentHuntId,
		ParentRequestId:     options.ParentRequestId,
		FlowName:            flow_name,
		Args:                args,
		Creator:             options.Creator,
		State:               api.FLOW_RUNNING,
		CpuLimit:            options.CpuLimit,
		NetworkBytesLimit:   options.NetworkBytesLimit,
		RuntimeLimitSeconds: options.RuntimeLimitSeconds,
		CreateTime:          utils.GetTime().Now().Unix(),
	}

	flowsStarted.Inc()

	flow_context := newFlowContext(self.config_obj, flow, impl, self)
	err = runProtected(func() error {
		return impl.Start(flow_context)
	})
	if err != nil {
		self.markFlowFailed(flow, err)
	} else if len(flow.OutstandingRequests) == 0 &&
		len(flow.OutstandingChildren) == 0 {
		// Start issued no work at all - the flow is done.
		flow.State = api.FLOW_FINISHED
		flow.KillTime = utils.GetTime().Now().Unix()
	}

	err = self.commitFlow(flow)
	if err != nil {
		return "", err
	}

	if flow.IsComplete() {
		self.onFlowCompletion(flow)
	} else {
		self.wakeIfLocalDue(flow)
	}

	return flow.FlowId, nil
}

// Advance one flow by one round. Must be called with the per flow
// dispatch lock held (the worker guarantees at most one concurrent
// invocation per flow id).
func (self *FlowRunner) ProcessFlow(client_id, flow_id string) error {
	flow, err := self.readFlow(client_id, flow_id)
	if err != nil {
		return err
	}

	// Defend against duplicate wake ups.
	if flow.IsComplete() {
		return nil
	}

	// Cooperative cancellation is observed before anything else - no
	// further requests are issued for a terminating flow.
	if flow.PendingTermination != "" {
		return self.terminateFlow(flow, flow.PendingTermination)
	}

	impl, pres := GetImpl(flow.FlowName)
	if !pres {
		return self.terminateFlow(flow, "Unknown flow "+flow.FlowName)
	}

	// Satisfy any local continuations which have come due. The
	// synthetic status write is idempotent so recomputing this round
	// after a crash is safe.
	now := utils.GetTime().Now()
	for _, request := range flow.OutstandingRequests {
		if request.Local && request.DueTime <= now.Unix() {
			err := self.store.Write(&messages.ClientResponse{
				ClientId:      flow.ClientId,
				FlowId:        flow.FlowId,
				RequestId:     request.RequestId,
				ResponseId:    1,
				Type:          messages.STATUS,
				Authenticated: true,
				Status:        &messages.Status{Result: messages.StatusOK},
			})
			if err != nil {
				return err
			}
		}
	}

	flow_context := newFlowContext(self.config_obj, flow, impl, self)

	// Runtime accounting is wall clock based.
	if flow.CreateTime > 0 {
		flow.RuntimeUsed = uint64(now.Unix() - flow.CreateTime)
	}

	// Requests are handled in the order they became complete, which
	// is not necessarily the order they were issued.
	for {
		processed_any := false

		for _, request := range append(
			[]*api.RequestState{}, flow.OutstandingRequests...) {

			if flow.IsComplete() {
				break
			}

			complete, err := self.store.IsComplete(
				flow.ClientId, flow.FlowId, request.RequestId)
			if err != nil {
				return err
			}
			if !complete {
				continue
			}

			err = self.processRequest(flow_context, flow, impl, request)
			if err != nil {
				return err
			}
			processed_any = true
		}

		if !processed_any || flow.IsComplete() {
			break
		}
	}

	// The flow finishes once it has no outstanding work left.
	if !flow.IsComplete() &&
		len(flow.OutstandingRequests) == 0 &&
		len(flow.OutstandingChildren) == 0 {
		flow.State = api.FLOW_FINISHED
		flow.KillTime = utils.GetTime().Now().Unix()
	}

	// The commit point.
	err = self.commitFlow(flow)
	if err != nil {
		return err
	}

	if flow.IsComplete() {
		self.onFlowCompletion(flow)
	} else {
		self.wakeIfLocalDue(flow)
	}

	return nil
}

// Handle one completed request: order and filter its responses,
// account resources, run the state handler and reclaim storage.
func (self *FlowRunner) processRequest(
	flow_context *FlowContext, flow *api.FlowObject,
	impl Flow, request *api.RequestState) error {

	ordered, err := self.store.ReadOrdered(
		flow.ClientId, flow.FlowId, request.RequestId)
	if err != nil {
		return err
	}

	// Unauthenticated responses are dropped before they can reach any
	// flow handler. Well known flows accept raw messages through a
	// separate path and never come through here. If filtering empties
	// the set the handler still runs with zero responses - an
	// unauthenticated flood cannot inject data but is
	// indistinguishable from a legitimately empty result.
	bundle := &Responses{}
	for _, response := range ordered {
		if response.IsStatus() {
			bundle.Status = response.Status
			continue
		}
		if !response.Authenticated {
			continue
		}
		bundle.Responses = append(bundle.Responses, response)
	}

	// Resource accounting happens before the handler runs - an over
	// budget flow is aborted without seeing the data.
	if bundle.Status != nil {
		flow.ChargeStatus(bundle.Status)
	}

	reason, exceeded := checkResourceLimits(flow)
	if exceeded {
		return self.terminateFlow(flow, reason)
	}

	err = runProtected(func() error {
		return impl.HandleState(flow_context, request.NextState, bundle)
	})
	if err != nil {
		self.markFlowFailed(flow, err)
		return nil
	}

	// Reclaim storage and retire the request.
	err = self.store.DeleteRequest(
		flow.ClientId, flow.FlowId, request.RequestId)
	if err != nil {
		return err
	}

	flow.RemoveRequest(request.RequestId)
	if request.ChildFlowId != "" {
		flow.RemoveChild(request.ChildFlowId)
	}
	return nil
}

// Request cooperative cancellation of a flow. The actual termination
// happens on the flow's next processing round.
func (self *FlowRunner) RequestTermination(
	client_id, flow_id, reason string) error {

	flow, err := self.readFlow(client_id, flow_id)
	if err != nil {
		return err
	}

	if flow.IsComplete() || flow.PendingTermination != "" {
		return nil
	}

	flow.PendingTermination = reason
	err = self.commitFlow(flow)
	if err != nil {
		return err
	}

	notifier := services.GetNotifier()
	if notifier != nil {
		notifier.Notify(flow_id)
	}
	scheduleFlowProcessing(client_id, flow_id, 0)
	return nil
}

// Immediately terminate a flow with an error, cascade to its
// children and release its outstanding client tasks.
func (self *FlowRunner) terminateFlow(
	flow *api.FlowObject, reason string) error {

	flow.State = api.FLOW_ERROR
	flow.ErrorMessage = reason
	flow.PendingTermination = ""
	flow.KillTime = utils.GetTime().Now().Unix()

	err := self.cleanupFlow(flow)
	if err != nil {
		return err
	}

	err = self.commitFlow(flow)
	if err != nil {
		return err
	}

	self.onFlowCompletion(flow)
	return nil
}

// Release a terminal flow's resources: drop its unserved tasks from
// the client queue and terminate its outstanding children.
func (self *FlowRunner) cleanupFlow(flow *api.FlowObject) error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	err = db.DropFlowTasks(self.config_obj, flow.ClientId, flow.FlowId)
	if err != nil {
		return err
	}

	for _, child_id := range flow.OutstandingChildren {
		child, err := self.readFlow(flow.ClientId, child_id)
		if err != nil {
			continue
		}
		if !child.IsComplete() {
			_ = self.terminateFlow(child, "Parent flow terminated.")
		}
	}

	flow.OutstandingRequests = nil
	flow.OutstandingChildren = nil
	return nil
}

// Record an out of band client crash. Distinct from ERROR - it does
// not indicate a logic fault of the flow itself.
func (self *FlowRunner) MarkFlowCrashed(
	client_id, flow_id, message string) error {

	flow, err := self.readFlow(client_id, flow_id)
	if err != nil {
		return err
	}

	if flow.IsComplete() {
		return nil
	}

	flow.State = api.FLOW_CRASHED
	flow.ErrorMessage = message
	flow.KillTime = utils.GetTime().Now().Unix()
	flow.OutstandingRequests = nil

	err = self.commitFlow(flow)
	if err != nil {
		return err
	}

	journal := services.GetJournal()
	if journal != nil {
		_ = journal.PushRows("System.Flow.Crash",
			[]*ordereddict.Dict{ordereddict.NewDict().
				Set("ClientId", client_id).
				Set("FlowId", flow_id).
				Set("Message", message)})
	}

	self.onFlowCompletion(flow)
	return nil
}

func (self *FlowRunner) GetFlow(
	client_id, flow_id string) (*api.FlowObject, error) {

	cached, err := self.flow_cache.Get(flow_id)
	if err == nil {
		flow, ok := cached.(*api.FlowObject)
		if ok && flow.ClientId == client_id {
			return flow, nil
		}
	}

	flow, err := self.readFlow(client_id, flow_id)
	if err != nil {
		return nil, err
	}

	_ = self.flow_cache.Set(flow_id, flow)
	return flow, nil
}

func (self *FlowRunner) readFlow(
	client_id, flow_id string) (*api.FlowObject, error) {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return nil, err
	}

	flow := &api.FlowObject{}
	path_manager := paths.NewFlowPathManager(client_id, flow_id)
	err = db.GetSubject(self.config_obj, path_manager.Path(), flow)
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (self *FlowRunner) commitFlow(flow *api.FlowObject) error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(flow.ClientId, flow.FlowId)
	err = db.SetSubject(self.config_obj, path_manager.Path(), flow)
	if err != nil {
		return err
	}

	// Invalidate the read cache.
	_ = self.flow_cache.Remove(flow.FlowId)
	return nil
}

// A terminal flow surfaces its outcome: replies are propagated to the
// parent flow, and a completion event is published for the hunt
// manager and output plugins.
func (self *FlowRunner) onFlowCompletion(flow *api.FlowObject) {
	flowsCompleted.WithLabelValues(flow.State).Inc()

	if flow.ParentFlowId != "" {
		err := self.deliverToParent(flow)
		if err != nil {
			logger := logging.GetLogger(
				self.config_obj, &logging.FrontendComponent)
			logger.Errorf("Delivering %v to parent %v: %v",
				flow.FlowId, flow.ParentFlowId, err)
		}
	}

	journal := services.GetJournal()
	if journal != nil {
		serialized, err := json.Marshal(flow)
		if err == nil {
			_ = journal.PushRows("System.Flow.Completion",
				[]*ordereddict.Dict{ordereddict.NewDict().
					Set("ClientId", flow.ClientId).
					Set("FlowId", flow.FlowId).
					Set("HuntId", flow.ParentHuntId).
					Set("State", flow.State).
					Set("Flow", string(serialized))})
		}
	}

	notifier := services.GetNotifier()
	if notifier != nil {
		// Wake anyone waiting on this flow.
		notifier.Notify(flow.FlowId)
	}

	// The parent has a new completed request to consume.
	if flow.ParentFlowId != "" {
		scheduleFlowProcessing(flow.ClientId, flow.ParentFlowId, 0)
	}
}

// Hand a flow to the worker pool for processing. A non zero due time
// asks the worker to hold the flow until then (delayed local
// continuations).
func scheduleFlowProcessing(client_id, flow_id string, due_time int64) {
	journal := services.GetJournal()
	if journal == nil {
		return
	}

	row := ordereddict.NewDict().
		Set("ClientId", client_id).
		Set("FlowId", flow_id)
	if due_time > 0 {
		row.Set("DueTime", due_time)
	}
	_ = journal.PushRows("System.Flow.Ready",
		[]*ordereddict.Dict{row})
}

// A child flow's replies become responses of the parent's request,
// closed by a status carrying the child's error state and resource
// usage. The parent proceeds through the ordinary response path.
func (self *FlowRunner) deliverToParent(child *api.FlowObject) error {
	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(child.ClientId, child.FlowId)

	response_id := uint64(0)
	for i := uint64(1); i <= child.NumResults; i++ {
		result := &api.FlowResult{}
		err := db.GetSubject(self.config_obj,
			path_manager.Result(i), result)
		if err != nil {
			continue
		}

		response_id++
		err = self.store.Write(&messages.ClientResponse{
			ClientId:      child.ClientId,
			FlowId:        child.ParentFlowId,
			RequestId:     child.ParentRequestId,
			ResponseId:    response_id,
			Type:          messages.MESSAGE,
			Payload:       result.Payload,
			Authenticated: true,
		})
		if err != nil {
			return err
		}
	}

	status := &messages.Status{
		Result:           messages.StatusOK,
		ResponseCount:    response_id,
		CpuTimeUsed:      messages.CpuSeconds{User: child.CpuTimeUsed},
		NetworkBytesSent: child.NetworkBytesUsed,
	}
	if child.State != api.FLOW_FINISHED {
		status.Result = messages.StatusGenericError
		status.ErrorMessage = child.ErrorMessage
		status.Backtrace = child.Backtrace
	}

	return self.store.Write(&messages.ClientResponse{
		ClientId:      child.ClientId,
		FlowId:        child.ParentFlowId,
		RequestId:     child.ParentRequestId,
		ResponseId:    response_id + 1,
		Type:          messages.STATUS,
		Authenticated: true,
		Status:        status,
	})
}

// Local continuations make progress without external input, so the
// flow reschedules itself - immediately when one is already due, or
// held by the worker until the earliest due time otherwise.
func (self *FlowRunner) wakeIfLocalDue(flow *api.FlowObject) {
	now := utils.GetTime().Now().Unix()

	earliest := int64(0)
	for _, request := range flow.OutstandingRequests {
		if !request.Local {
			continue
		}

		if request.DueTime <= now {
			scheduleFlowProcessing(flow.ClientId, flow.FlowId, 0)
			return
		}

		if earliest == 0 || request.DueTime < earliest {
			earliest = request.DueTime
		}
	}

	if earliest > 0 {
		scheduleFlowProcessing(flow.ClientId, flow.FlowId, earliest)
	}
}

// A handler failure is a termination: the flow keeps the captured
// backtrace but still releases its tasks and children. The caller
// commits and publishes completion at its own commit point.
func (self *FlowRunner) markFlowFailed(
	flow *api.FlowObject, handler_err error) {

	flow.State = api.FLOW_ERROR
	flow.ErrorMessage = handler_err.Error()
	flow.KillTime = utils.GetTime().Now().Unix()

	stack_err, ok := handler_err.(*errors.Error)
	if ok {
		flow.Backtrace = string(stack_err.Stack())
	}

	err := self.cleanupFlow(flow)
	if err != nil {
		logger := logging.GetLogger(
			self.config_obj, &logging.FrontendComponent)
		logger.Errorf("Cleaning up failed flow %v: %v",
			flow.FlowId, err)
	}
}

// Handler invocations are protected against panics - a panicking
// handler fails its flow instead of taking down the worker.
func runProtected(cb func() error) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = errors.Wrap(r, 2)
		}
	}()

	err = cb()
	if err != nil {
		// Attach a backtrace if the handler did not already.
		_, ok := err.(*errors.Error)
		if !ok {
			err = errors.Wrap(err, 1)
		}
	}
	return err
}

func StartFlowRunnerService(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Starting</> the flow runner service.")

	runner := NewFlowRunner(config_obj)
	services.RegisterLauncher(runner)

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		runner.flow_cache.Close()
	}()

	return nil
}
