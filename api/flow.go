// Persisted object models shared between server components.
package api

import "github.com/openfleet/fleetflow/messages"

// Flow states. A flow is complete (FINISHED, ERROR or CRASHED)
// exactly once - no further requests are issued and no further
// responses accepted after that.
const (
	FLOW_RUNNING  = "RUNNING"
	FLOW_FINISHED = "FINISHED"
	FLOW_ERROR    = "ERROR"
	FLOW_CRASHED  = "CRASHED"
)

// One outstanding request of a flow and where its responses go.
type RequestState struct {
	RequestId uint64 `json:"request_id"`
	NextState string `json:"next_state"`

	// Child flow requests are satisfied by the child completing
	// rather than by a client response.
	ChildFlowId string `json:"child_flow_id,omitempty"`

	// CallState requests have no client round trip at all. They
	// become satisfied once DueTime passes.
	Local   bool  `json:"local,omitempty"`
	DueTime int64 `json:"due_time,omitempty"`
}

// The persisted unit of work. Mutated only by the flow runner under
// the per flow dispatch lock.
type FlowObject struct {
	ClientId     string `json:"client_id"`
	FlowId       string `json:"flow_id"`
	ParentFlowId string `json:"parent_flow_id,omitempty"`
	ParentHuntId string `json:"parent_hunt_id,omitempty"`

	// Which request of the parent this child flow satisfies.
	ParentRequestId uint64 `json:"parent_request_id,omitempty"`

	FlowName string `json:"flow_name"`
	Args     []byte `json:"args,omitempty"`
	Creator  string `json:"creator,omitempty"`

	State string `json:"state"`

	// Used to mint new request ids - strictly increasing within the
	// flow, never reused.
	NextRequestId uint64 `json:"next_request_id"`

	OutstandingRequests []*RequestState `json:"outstanding_requests,omitempty"`

	// Child flows which have not completed yet.
	OutstandingChildren []string `json:"outstanding_children,omitempty"`

	// Budgets inherited from the parent or hunt at creation. Zero
	// means unlimited.
	CpuLimit            float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit   uint64  `json:"network_bytes_limit,omitempty"`
	RuntimeLimitSeconds uint64  `json:"runtime_limit_seconds,omitempty"`

	CpuTimeUsed      float64 `json:"cpu_time_used"`
	NetworkBytesUsed uint64  `json:"network_bytes_used"`
	RuntimeUsed      uint64  `json:"runtime_used"`

	// Cooperative cancellation - observed by the runner at the start
	// of the next processing round.
	PendingTermination string `json:"pending_termination,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Backtrace    string `json:"backtrace,omitempty"`

	NumResults uint64 `json:"num_results"`

	CreateTime int64 `json:"create_time"`
	KillTime   int64 `json:"kill_time,omitempty"`

	// An opaque state blob flow implementations may use to persist
	// their own progress between rounds.
	FlowState []byte `json:"flow_state,omitempty"`
}

func (self *FlowObject) IsComplete() bool {
	switch self.State {
	case FLOW_FINISHED, FLOW_ERROR, FLOW_CRASHED:
		return true
	}
	return false
}

func (self *FlowObject) GetRequest(request_id uint64) (
	*RequestState, bool) {
	for _, request := range self.OutstandingRequests {
		if request.RequestId == request_id {
			return request, true
		}
	}
	return nil, false
}

func (self *FlowObject) RemoveRequest(request_id uint64) {
	requests := make([]*RequestState, 0, len(self.OutstandingRequests))
	for _, request := range self.OutstandingRequests {
		if request.RequestId != request_id {
			requests = append(requests, request)
		}
	}
	self.OutstandingRequests = requests
}

func (self *FlowObject) RemoveChild(flow_id string) {
	children := make([]string, 0, len(self.OutstandingChildren))
	for _, child := range self.OutstandingChildren {
		if child != flow_id {
			children = append(children, child)
		}
	}
	self.OutstandingChildren = children
}

// Add the resource usage reported in a status to the running totals.
func (self *FlowObject) ChargeStatus(status *messages.Status) {
	self.CpuTimeUsed += status.CpuTimeUsed.Total()
	self.NetworkBytesUsed += status.NetworkBytesSent
}

// One result row emitted by a flow via SendReply.
type FlowResult struct {
	ClientId  string `json:"client_id"`
	FlowId    string `json:"flow_id"`
	ResultId  uint64 `json:"result_id"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}
