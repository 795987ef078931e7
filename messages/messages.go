// The logical client protocol. Server to client messages are
// TaskRequests, client to server messages are ClientResponses. The
// transport which carries these is an external collaborator - by the
// time a message reaches this package it carries only an
// Authenticated flag describing whether the crypto channel verified
// its origin.
package messages

// Response message types.
const (
	MESSAGE = "MESSAGE"
	STATUS  = "STATUS"
)

// Status results.
const (
	StatusOK           = "OK"
	StatusGenericError = "GENERIC_ERROR"
)

type CpuSeconds struct {
	User   float64 `json:"user"`
	System float64 `json:"system"`
}

func (self CpuSeconds) Total() float64 {
	return self.User + self.System
}

// The terminal response which closes a request. It carries the
// resource usage accumulated by the client while serving the request,
// and the error state if the client side action failed.
type Status struct {
	Result       string     `json:"result"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Backtrace    string     `json:"backtrace,omitempty"`
	CpuTimeUsed  CpuSeconds `json:"cpu_time_used"`

	NetworkBytesSent uint64 `json:"network_bytes_sent"`

	// How many non status responses the client sent for this
	// request. Allows the server to detect and discard trailing
	// gaps when responses were lost in transit.
	ResponseCount uint64 `json:"response_count"`
}

// One outbound unit of work for a client.
type TaskRequest struct {
	ClientId  string `json:"client_id"`
	FlowId    string `json:"flow_id"`
	RequestId uint64 `json:"request_id"`

	ActionName string `json:"action_name"`
	Args       []byte `json:"args,omitempty"`

	// Which flow state handler consumes the responses.
	NextState string `json:"next_state"`

	// Requests may be scheduled in the future (epoch seconds). A zero
	// start time means visible immediately.
	StartTime int64 `json:"start_time,omitempty"`

	// Remaining budgets, advisory for the client.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
}

// One inbound message correlated back to a request.
type ClientResponse struct {
	ClientId   string `json:"client_id"`
	FlowId     string `json:"flow_id"`
	RequestId  uint64 `json:"request_id"`
	ResponseId uint64 `json:"response_id"`

	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`

	// Set by the crypto transport, never by the client itself.
	Authenticated bool `json:"authenticated"`

	Status *Status `json:"status,omitempty"`
}

func (self *ClientResponse) IsStatus() bool {
	return self.Type == STATUS
}

// Out of band crash report delivered when the agent process dies mid
// flow (e.g. the nanny restarted it). Distinct from an ERROR because
// it does not indicate a logic fault in the flow itself.
type CrashReport struct {
	ClientId string `json:"client_id"`
	FlowId   string `json:"flow_id"`
	Message  string `json:"message"`
}
