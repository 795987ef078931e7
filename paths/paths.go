// Path managers centralize the layout of the datastore namespace so
// the rest of the code base does not hard code datastore paths.
package paths

import "path"

type FlowPathManager struct {
	client_id string
	flow_id   string
}

func NewFlowPathManager(client_id, flow_id string) *FlowPathManager {
	return &FlowPathManager{
		client_id: client_id,
		flow_id:   flow_id,
	}
}

// The flow object itself.
func (self *FlowPathManager) Path() string {
	return path.Join("clients", self.client_id, "flows", self.flow_id)
}

func (self *FlowPathManager) ContainerPath() string {
	return path.Join("clients", self.client_id, "flows")
}

// Where responses for one request accumulate until the request is
// complete.
func (self *FlowPathManager) Request(request_id uint64) string {
	return path.Join(self.Path(), "requests", formatId(request_id))
}

func (self *FlowPathManager) Response(request_id, response_id uint64) string {
	return path.Join(self.Request(request_id), formatId(response_id))
}

// The flow's collected results.
func (self *FlowPathManager) Results() string {
	return path.Join(self.Path(), "results")
}

func (self *FlowPathManager) Result(result_id uint64) string {
	return path.Join(self.Results(), formatId(result_id))
}

func (self *FlowPathManager) Log() string {
	return path.Join(self.Path(), "logs")
}

func (self *FlowPathManager) LogEntry(id uint64) string {
	return path.Join(self.Log(), formatId(id))
}

type HuntPathManager struct {
	hunt_id string
}

func NewHuntPathManager(hunt_id string) *HuntPathManager {
	return &HuntPathManager{hunt_id: hunt_id}
}

func (self *HuntPathManager) Path() string {
	return path.Join("hunts", self.hunt_id)
}

// Clients scheduled on this hunt.
func (self *HuntPathManager) Clients() string {
	return path.Join(self.Path(), "clients")
}

// Errors and crashes reported by hunt clients.
func (self *HuntPathManager) ClientErrors() string {
	return path.Join(self.Path(), "client_errors")
}

func (self *HuntPathManager) Stats() string {
	return path.Join(self.Path(), "stats")
}

type OutputPluginPathManager struct {
	subject     string
	plugin_name string
	instance_id string
}

// subject is the flow or hunt the plugin is attached to.
func NewOutputPluginPathManager(
	subject, plugin_name, instance_id string) *OutputPluginPathManager {
	return &OutputPluginPathManager{
		subject:     subject,
		plugin_name: plugin_name,
		instance_id: instance_id,
	}
}

func (self *OutputPluginPathManager) Path() string {
	return path.Join("output_plugins", self.subject,
		self.plugin_name+"-"+self.instance_id)
}

func formatId(id uint64) string {
	// Fixed width so lexical ordering of children matches numeric
	// ordering of ids.
	const digits = "00000000000000000000"

	result := ""
	for id > 0 {
		result = string(rune('0'+id%10)) + result
		id = id / 10
	}
	if len(result) < 12 {
		result = digits[:12-len(result)] + result
	}
	return result
}
