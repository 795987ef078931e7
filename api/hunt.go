package api

import (
	"math"
	"sort"
)

// Hunt states.
const (
	HUNT_PAUSED    = "PAUSED"
	HUNT_STARTED   = "STARTED"
	HUNT_STOPPED   = "STOPPED"
	HUNT_COMPLETED = "COMPLETED"
)

// Client selection rules evaluated by the foreman. A client matches
// when it carries at least one of Labels (or Labels is empty), none
// of ExcludedLabels, and its OS equals Os (when set).
type HuntCondition struct {
	Labels         []string `json:"labels,omitempty"`
	ExcludedLabels []string `json:"excluded_labels,omitempty"`
	Os             string   `json:"os,omitempty"`
}

type CrashRecord struct {
	ClientId  string `json:"client_id"`
	FlowId    string `json:"flow_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Incrementally maintained statistics over per client resource usage
// (Welford's online algorithm - no rescan of all clients on update).
type RunningStats struct {
	Count  uint64  `json:"count"`
	Mean   float64 `json:"mean"`
	M2     float64 `json:"m2"`
	Sum    float64 `json:"sum"`
	Stddev float64 `json:"stddev"`

	// The worst performing clients by this statistic.
	WorstPerformers []*ClientSample `json:"worst_performers,omitempty"`
}

type ClientSample struct {
	ClientId string  `json:"client_id"`
	Value    float64 `json:"value"`
}

func (self *RunningStats) Update(client_id string, value float64) {
	self.Count++
	self.Sum += value

	delta := value - self.Mean
	self.Mean += delta / float64(self.Count)
	self.M2 += delta * (value - self.Mean)

	if self.Count > 1 {
		self.Stddev = math.Sqrt(self.M2 / float64(self.Count-1))
	}

	self.WorstPerformers = append(self.WorstPerformers,
		&ClientSample{ClientId: client_id, Value: value})
	sort.Slice(self.WorstPerformers, func(i, j int) bool {
		return self.WorstPerformers[i].Value > self.WorstPerformers[j].Value
	})
	if len(self.WorstPerformers) > 10 {
		self.WorstPerformers = self.WorstPerformers[:10]
	}
}

type HuntStats struct {
	NumClients            uint64 `json:"num_clients"`
	NumSuccessfulClients  uint64 `json:"num_successful_clients"`
	NumFailedClients      uint64 `json:"num_failed_clients"`
	NumCrashedClients     uint64 `json:"num_crashed_clients"`
	NumResults            uint64 `json:"num_results"`
	NumClientsWithResults uint64 `json:"num_clients_with_results"`

	TotalClientsScheduled uint64 `json:"total_clients_scheduled"`

	CpuStats     RunningStats `json:"cpu_stats"`
	NetworkStats RunningStats `json:"network_stats"`

	CrashRecords []*CrashRecord `json:"crash_records,omitempty"`

	// The reason the hunt stopped, set exactly once.
	StopReason string `json:"stop_reason,omitempty"`
}

type OutputPluginDescriptor struct {
	PluginName string `json:"plugin_name"`
	InstanceId string `json:"instance_id"`
	Args       []byte `json:"args,omitempty"`
}

// The aggregate entity fanning one flow out to many clients.
type Hunt struct {
	HuntId  string `json:"hunt_id"`
	State   string `json:"state"`
	Creator string `json:"creator,omitempty"`

	// What to run on each matching client.
	FlowName string `json:"flow_name"`
	FlowArgs []byte `json:"flow_args,omitempty"`

	Condition *HuntCondition `json:"condition,omitempty"`

	// New flows started per second. Zero means unlimited.
	ClientRate float64 `json:"client_rate,omitempty"`

	ClientLimit uint64 `json:"client_limit,omitempty"`
	CrashLimit  uint64 `json:"crash_limit,omitempty"`

	AvgResultsPerClientLimit      float64 `json:"avg_results_per_client_limit,omitempty"`
	AvgCpuSecondsPerClientLimit   float64 `json:"avg_cpu_seconds_per_client_limit,omitempty"`
	AvgNetworkBytesPerClientLimit float64 `json:"avg_network_bytes_per_client_limit,omitempty"`

	// Per client resource budgets copied into each child flow.
	CpuLimit            float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit   uint64  `json:"network_bytes_limit,omitempty"`
	RuntimeLimitSeconds uint64  `json:"runtime_limit_seconds,omitempty"`

	CreateTime int64 `json:"create_time"`
	StartTime  int64 `json:"start_time,omitempty"`
	ExpiryTime int64 `json:"expiry_time"`

	Stats *HuntStats `json:"stats"`

	OutputPlugins []*OutputPluginDescriptor `json:"output_plugins,omitempty"`
}

func (self *Hunt) IsActive() bool {
	return self.State == HUNT_STARTED
}
