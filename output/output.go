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

// Output plugins forward hunt results to external systems as they
// arrive. Plugins run strictly isolated from the collection pipeline
// and from each other - a misbehaving plugin loses its own deliveries
// but never affects the hunt or its sibling plugins.
package output

import (
	"context"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

var (
	resultsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "output_plugin_results_forwarded",
		Help: "Results delivered to output plugins.",
	}, []string{"plugin"})

	pluginErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "output_plugin_errors",
		Help: "Errors raised by output plugins.",
	}, []string{"plugin"})
)

// The plugin contract. Plugins are stateless singletons - all per
// instance state lives in the opaque blob threaded through the
// methods and persisted between batches.
type OutputPlugin interface {
	// Called once per plugin instance before the first batch.
	InitializeState(config_obj *config.Config,
		args []byte) ([]byte, error)

	// Deliver one batch of results, returning the updated state.
	ProcessResults(config_obj *config.Config, state []byte,
		results []*api.FlowResult) ([]byte, error)

	// Called when the plugin instance retires (hunt stopped or
	// lifetime expired).
	Flush(config_obj *config.Config, state []byte) error
}

var (
	plugin_mu sync.Mutex
	plugins   = make(map[string]OutputPlugin)
)

func RegisterPlugin(name string, plugin OutputPlugin) {
	plugin_mu.Lock()
	defer plugin_mu.Unlock()

	plugins[name] = plugin
}

func GetPlugin(name string) (OutputPlugin, bool) {
	plugin_mu.Lock()
	defer plugin_mu.Unlock()

	plugin, pres := plugins[name]
	return plugin, pres
}

// One delivery attempt, SUCCESS or ERROR. Kept on the instance record
// so operators can see what each plugin actually received.
type batchStatus struct {
	Status     string `json:"status"`
	Plugin     string `json:"plugin"`
	InstanceId string `json:"instance_id"`
	BatchSize  int    `json:"batch_size"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Persisted per (hunt, plugin instance).
type pluginRecord struct {
	State    []byte `json:"state,omitempty"`
	InitTime int64  `json:"init_time"`

	// Flows whose results were already delivered. Redelivered
	// completion events are skipped.
	ProcessedFlows map[string]bool `json:"processed_flows,omitempty"`

	NumProcessed uint64         `json:"num_processed"`
	Batches      []*batchStatus `json:"batches,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
}

type OutputPluginRunner struct {
	config_obj *config.Config

	// Wall clock bound for one plugin call. The delivery loop is a
	// single goroutine shared by all hunts, so a stuck plugin is cut
	// loose rather than allowed to starve everyone else.
	lifetime time.Duration
}

func NewOutputPluginRunner(config_obj *config.Config) *OutputPluginRunner {
	lifetime := time.Duration(
		config_obj.Frontend.Resources.OutputPluginLifetimeSeconds) *
		time.Second
	if lifetime == 0 {
		lifetime = time.Hour
	}

	return &OutputPluginRunner{
		config_obj: config_obj,
		lifetime:   lifetime,
	}
}

func (self *OutputPluginRunner) Start(
	ctx context.Context, wg *sync.WaitGroup) error {

	journal := services.GetJournal()
	if journal == nil {
		return errors.New(
			"The journal service must be started before output plugins")
	}

	completions, cancel_completions := journal.Watch(
		"System.Flow.Completion")
	stops, cancel_stops := journal.Watch("System.Hunt.Stopped")

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel_completions()
		defer cancel_stops()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-completions:
				if !ok {
					return
				}
				self.processCompletion(event)

			case event, ok := <-stops:
				if !ok {
					return
				}
				self.flushHuntPlugins(event)
			}
		}
	}()

	return nil
}

func (self *OutputPluginRunner) processCompletion(
	event *ordereddict.Dict) {

	hunt_id, pres := event.GetString("HuntId")
	if !pres || hunt_id == "" {
		return
	}
	client_id, _ := event.GetString("ClientId")
	flow_id, _ := event.GetString("FlowId")

	dispatcher := services.GetHuntDispatcher()
	if dispatcher == nil {
		return
	}

	hunt, pres := dispatcher.GetHunt(hunt_id)
	if !pres || len(hunt.OutputPlugins) == 0 {
		return
	}

	results := self.readFlowResults(client_id, flow_id)
	if len(results) == 0 {
		return
	}

	for _, descriptor := range hunt.OutputPlugins {
		// Each plugin fails or succeeds on its own.
		self.deliverBatch(hunt_id, flow_id, descriptor, results)
	}
}

func (self *OutputPluginRunner) readFlowResults(
	client_id, flow_id string) []*api.FlowResult {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return nil
	}

	path_manager := paths.NewFlowPathManager(client_id, flow_id)
	children, err := db.ListChildren(self.config_obj,
		path_manager.Results())
	if err != nil {
		return nil
	}

	results := []*api.FlowResult{}
	for _, child := range children {
		result := &api.FlowResult{}
		err := db.GetSubject(self.config_obj, child, result)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results
}

// Feed one flow's results to one plugin instance, advancing its
// persisted state. Plugin errors are recorded on the instance and do
// not propagate.
func (self *OutputPluginRunner) deliverBatch(
	hunt_id, flow_id string,
	descriptor *api.OutputPluginDescriptor,
	results []*api.FlowResult) {

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)

	plugin, pres := GetPlugin(descriptor.PluginName)
	if !pres {
		logger.Errorf("Unknown output plugin %v", descriptor.PluginName)
		return
	}

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return
	}

	path_manager := paths.NewOutputPluginPathManager(
		hunt_id, descriptor.PluginName, descriptor.InstanceId)

	record := &pluginRecord{}
	err = db.GetSubject(self.config_obj, path_manager.Path(), record)
	new_instance := err != nil || record.InitTime == 0

	now := utils.GetTime().Now()

	if new_instance {
		var state []byte
		err := self.callBounded(func() error {
			var init_err error
			state, init_err = plugin.InitializeState(
				self.config_obj, descriptor.Args)
			return init_err
		})
		if err != nil {
			self.recordError(record, descriptor, err)
			_ = db.SetSubject(self.config_obj,
				path_manager.Path(), record)
			return
		}
		record.State = state
		record.InitTime = now.Unix()
		if record.ProcessedFlows == nil {
			record.ProcessedFlows = make(map[string]bool)
		}
	}

	// Redelivered completion events are skipped.
	if record.ProcessedFlows[flow_id] {
		return
	}

	var state []byte
	err = self.callBounded(func() error {
		var process_err error
		state, process_err = plugin.ProcessResults(
			self.config_obj, record.State, results)
		return process_err
	})
	self.recordBatch(record, descriptor, len(results), err)
	if err == nil {
		record.State = state
		record.NumProcessed += uint64(len(results))
		record.ProcessedFlows[flow_id] = true
		resultsForwarded.WithLabelValues(descriptor.PluginName).
			Add(float64(len(results)))
	}

	// The checkpoint. A failed or timed out batch does not advance
	// the cursor, so the same flow is retried on redelivery.
	err = db.SetSubject(self.config_obj, path_manager.Path(), record)
	if err != nil {
		logger.Errorf("Persisting plugin state: %v", err)
	}
}

// Run one plugin call under the configured wall clock bound. Plugin
// calls cannot be preempted so a timed out call keeps running in the
// background, but the delivery loop moves on without it.
func (self *OutputPluginRunner) callBounded(cb func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- cb()
	}()

	select {
	case err := <-done:
		return err

	case <-time.After(self.lifetime):
		return errors.New("Output plugin timed out")
	}
}

// Every batch leaves a status record, successful or not.
func (self *OutputPluginRunner) recordBatch(
	record *pluginRecord, descriptor *api.OutputPluginDescriptor,
	batch_size int, err error) {

	status := &batchStatus{
		Status:     "SUCCESS",
		Plugin:     descriptor.PluginName,
		InstanceId: descriptor.InstanceId,
		BatchSize:  batch_size,
		Timestamp:  utils.GetTime().Now().Unix(),
	}
	if err != nil {
		status.Status = "ERROR"
		status.Message = err.Error()
		self.recordError(record, descriptor, err)
	}

	record.Batches = append(record.Batches, status)
	if len(record.Batches) > 100 {
		record.Batches = record.Batches[len(record.Batches)-100:]
	}
}

func (self *OutputPluginRunner) recordError(
	record *pluginRecord,
	descriptor *api.OutputPluginDescriptor, err error) {

	pluginErrors.WithLabelValues(descriptor.PluginName).Inc()

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Errorf("Output plugin %v: %v", descriptor.PluginName, err)

	record.Errors = append(record.Errors, err.Error())
	if len(record.Errors) > 10 {
		record.Errors = record.Errors[len(record.Errors)-10:]
	}
}

// The hunt ended - give every plugin instance a final Flush.
func (self *OutputPluginRunner) flushHuntPlugins(
	event *ordereddict.Dict) {

	hunt_id, pres := event.GetString("HuntId")
	if !pres {
		return
	}

	dispatcher := services.GetHuntDispatcher()
	if dispatcher == nil {
		return
	}

	hunt, pres := dispatcher.GetHunt(hunt_id)
	if !pres {
		return
	}

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)

	for _, descriptor := range hunt.OutputPlugins {
		plugin, pres := GetPlugin(descriptor.PluginName)
		if !pres {
			continue
		}

		path_manager := paths.NewOutputPluginPathManager(
			hunt_id, descriptor.PluginName, descriptor.InstanceId)

		record := &pluginRecord{}
		err := db.GetSubject(self.config_obj,
			path_manager.Path(), record)
		if err != nil || record.InitTime == 0 {
			continue
		}

		err = plugin.Flush(self.config_obj, record.State)
		if err != nil {
			logger.Errorf("Flushing plugin %v: %v",
				descriptor.PluginName, err)
		}

		record.InitTime = 0
		_ = db.SetSubject(self.config_obj, path_manager.Path(), record)
	}
}

func StartOutputPluginRunner(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.HuntComponent)
	logger.Info("<green>Starting</> the output plugin runner.")

	runner := NewOutputPluginRunner(config_obj)
	return runner.Start(ctx, wg)
}
