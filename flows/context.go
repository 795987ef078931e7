package flows

import (
	"time"

	"github.com/Velocidex/json"
	errors "github.com/pkg/errors"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

// The API surface handed to flow implementations. One FlowContext
// exists per processing round, wrapping the persisted flow object.
// New requests minted here are durably queued immediately - the flow
// object itself is committed once at the end of the round.
type FlowContext struct {
	config_obj *config.Config
	flow       *api.FlowObject
	runner     *FlowRunner
	impl       Flow
}

func newFlowContext(config_obj *config.Config,
	flow *api.FlowObject, impl Flow, runner *FlowRunner) *FlowContext {
	return &FlowContext{
		config_obj: config_obj,
		flow:       flow,
		runner:     runner,
		impl:       impl,
	}
}

func (self *FlowContext) ClientId() string {
	return self.flow.ClientId
}

func (self *FlowContext) FlowId() string {
	return self.flow.FlowId
}

func (self *FlowContext) Args() []byte {
	return self.flow.Args
}

// Mint the next request id. Strictly increasing within the flow.
func (self *FlowContext) nextRequestId() uint64 {
	self.flow.NextRequestId++
	return self.flow.NextRequestId
}

// Issue one unit of work to the client. The eventual responses are
// routed to the handler named by next_state. An optional start_time
// delays delivery.
func (self *FlowContext) CallClient(
	action string, args []byte, next_state string,
	start_time ...time.Time) (uint64, error) {

	if self.flow.IsComplete() {
		return 0, errors.New("Flow is already complete")
	}

	err := validNextState(self.impl, next_state)
	if err != nil {
		return 0, err
	}

	request_id := self.nextRequestId()
	task := &messages.TaskRequest{
		ClientId:   self.flow.ClientId,
		FlowId:     self.flow.FlowId,
		RequestId:  request_id,
		ActionName: action,
		Args:       args,
		NextState:  next_state,
	}

	// Advisory remaining budgets for the client.
	if self.flow.CpuLimit > 0 {
		task.CpuLimit = self.flow.CpuLimit - self.flow.CpuTimeUsed
	}
	if self.flow.NetworkBytesLimit > 0 {
		task.NetworkBytesLimit = self.flow.NetworkBytesLimit -
			self.flow.NetworkBytesUsed
	}

	if len(start_time) > 0 {
		task.StartTime = start_time[0].Unix()
	}

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return 0, err
	}

	err = db.QueueMessageForClient(self.config_obj,
		self.flow.ClientId, task)
	if err != nil {
		return 0, err
	}

	self.flow.OutstandingRequests = append(self.flow.OutstandingRequests,
		&api.RequestState{
			RequestId: request_id,
			NextState: next_state,
		})

	// Wake the client up if it is currently connected.
	notifier := services.GetNotifier()
	if notifier != nil {
		notifier.Notify(self.flow.ClientId)
	}

	return request_id, nil
}

// Schedule a same process continuation. The bookkeeping is identical
// to CallClient but no task is delivered - the request becomes
// satisfied by itself once the due time passes.
func (self *FlowContext) CallState(
	next_state string, start_time ...time.Time) (uint64, error) {

	if self.flow.IsComplete() {
		return 0, errors.New("Flow is already complete")
	}

	err := validNextState(self.impl, next_state)
	if err != nil {
		return 0, err
	}

	due := utils.GetTime().Now()
	if len(start_time) > 0 {
		due = start_time[0]
	}

	request_id := self.nextRequestId()
	self.flow.OutstandingRequests = append(self.flow.OutstandingRequests,
		&api.RequestState{
			RequestId: request_id,
			NextState: next_state,
			Local:     true,
			DueTime:   due.Unix(),
		})

	return request_id, nil
}

// Start a nested child flow. The child's replies are delivered to
// next_state as if they were client responses, and a final status
// carrying the child's error state completes the request.
func (self *FlowContext) CallFlow(
	child_flow_name string, args []byte, next_state string) (string, error) {

	if self.flow.IsComplete() {
		return "", errors.New("Flow is already complete")
	}

	err := validNextState(self.impl, next_state)
	if err != nil {
		return "", err
	}

	request_id := self.nextRequestId()
	child_id, err := self.runner.StartFlow(
		child_flow_name, self.flow.ClientId, args,
		services.FlowOptions{
			Creator:             self.flow.FlowId,
			ParentFlowId:        self.flow.FlowId,
			ParentRequestId:     request_id,
			CpuLimit:            self.flow.CpuLimit,
			NetworkBytesLimit:   self.flow.NetworkBytesLimit,
			RuntimeLimitSeconds: self.flow.RuntimeLimitSeconds,
		})
	if err != nil {
		return "", err
	}

	self.flow.OutstandingRequests = append(self.flow.OutstandingRequests,
		&api.RequestState{
			RequestId:   request_id,
			NextState:   next_state,
			ChildFlowId: child_id,
		})
	self.flow.OutstandingChildren = append(
		self.flow.OutstandingChildren, child_id)

	return child_id, nil
}

// Append one result to the flow's result set. Results of hunt
// spawned flows are folded into the hunt's aggregate counters when
// the flow completes.
func (self *FlowContext) SendReply(payload []byte) error {
	if self.flow.IsComplete() {
		return errors.New("Flow is already complete")
	}

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	self.flow.NumResults++
	result := &api.FlowResult{
		ClientId:  self.flow.ClientId,
		FlowId:    self.flow.FlowId,
		ResultId:  self.flow.NumResults,
		Payload:   payload,
		Timestamp: utils.GetTime().Now().Unix(),
	}

	path_manager := paths.NewFlowPathManager(
		self.flow.ClientId, self.flow.FlowId)
	return db.SetSubject(self.config_obj,
		path_manager.Result(self.flow.NumResults), result)
}

// Flow scoped log line, also mirrored to the server log.
func (self *FlowContext) Log(format string, v ...interface{}) {
	logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
	logger.Infof("Flow %v: "+format,
		append([]interface{}{self.flow.FlowId}, v...)...)
}

// Flows may persist an opaque progress blob between rounds.
func (self *FlowContext) SetState(state interface{}) error {
	serialized, err := json.Marshal(state)
	if err != nil {
		return errors.WithStack(err)
	}
	self.flow.FlowState = serialized
	return nil
}

func (self *FlowContext) GetState(state interface{}) error {
	if self.flow.FlowState == nil {
		return nil
	}
	return json.Unmarshal(self.flow.FlowState, state)
}
