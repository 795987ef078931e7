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

// The worker pool drains the System.Flow.Ready queue and drives flow
// processing. It enforces the single writer rule: at most one
// processing round per flow runs at any time, across the whole pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

var (
	flowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_flows_processed",
		Help: "Total flow processing rounds executed by the worker pool.",
	})

	processingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_processing_errors",
		Help: "Total flow processing rounds which returned an error.",
	})

	currentlyProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_in_flight",
		Help: "Number of flows currently being processed.",
	})
)

type flowKey struct {
	client_id string
	flow_id   string
}

// Per flow dispatch state. A flow with an entry here is either being
// processed or held until its due time.
type dispatchState struct {
	in_flight bool

	// Another wake up arrived while the flow was in flight. Run one
	// more round when the current one finishes.
	rerun bool

	// Earliest time the flow wants to run (delayed continuations).
	due_time int64
}

type Worker struct {
	mu sync.Mutex

	config_obj *config.Config
	flows      map[flowKey]*dispatchState

	// Bounds the number of concurrent processing rounds.
	slots chan struct{}
}

func NewWorker(config_obj *config.Config) *Worker {
	concurrency := config_obj.Frontend.Resources.WorkerConcurrency
	if concurrency == 0 {
		concurrency = 10
	}

	return &Worker{
		config_obj: config_obj,
		flows:      make(map[flowKey]*dispatchState),
		slots:      make(chan struct{}, concurrency),
	}
}

func (self *Worker) Start(ctx context.Context, wg *sync.WaitGroup) error {
	journal := services.GetJournal()
	if journal == nil {
		return errors.New(
			"The journal service must be started before the worker pool")
	}

	events, cancel := journal.Watch("System.Flow.Ready")

	poll := time.Duration(
		self.config_obj.Frontend.Resources.PollFrequencySeconds) *
		time.Second
	if poll == 0 {
		poll = 10 * time.Second
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-events:
				if !ok {
					return
				}
				self.handleEvent(ctx, wg, event)

			case <-time.After(poll):
				self.dispatchDue(ctx, wg)
			}
		}
	}()

	return nil
}

func (self *Worker) handleEvent(
	ctx context.Context, wg *sync.WaitGroup, event *ordereddict.Dict) {

	client_id, pres := event.GetString("ClientId")
	if !pres {
		return
	}
	flow_id, pres := event.GetString("FlowId")
	if !pres {
		return
	}

	key := flowKey{client_id: client_id, flow_id: flow_id}

	due_time, _ := event.GetInt64("DueTime")
	if due_time > utils.GetTime().Now().Unix() {
		self.hold(key, due_time)
		return
	}

	self.maybeDispatch(ctx, wg, key)
}

// Remember that the flow wants to run at due_time. The poll loop
// picks it up.
func (self *Worker) hold(key flowKey, due_time int64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	state, pres := self.flows[key]
	if !pres {
		state = &dispatchState{}
		self.flows[key] = state
	}

	if state.in_flight {
		state.rerun = true
		return
	}

	if state.due_time == 0 || due_time < state.due_time {
		state.due_time = due_time
	}
}

// Dispatch held flows whose due time has passed.
func (self *Worker) dispatchDue(ctx context.Context, wg *sync.WaitGroup) {
	now := utils.GetTime().Now().Unix()

	self.mu.Lock()
	due := []flowKey{}
	for key, state := range self.flows {
		if !state.in_flight && state.due_time > 0 &&
			state.due_time <= now {
			due = append(due, key)
		}
	}
	self.mu.Unlock()

	for _, key := range due {
		self.maybeDispatch(ctx, wg, key)
	}
}

// Run one processing round for the flow unless one is already in
// flight, in which case the flow is flagged for a rerun.
func (self *Worker) maybeDispatch(
	ctx context.Context, wg *sync.WaitGroup, key flowKey) {

	self.mu.Lock()
	state, pres := self.flows[key]
	if !pres {
		state = &dispatchState{}
		self.flows[key] = state
	}

	if state.in_flight {
		state.rerun = true
		self.mu.Unlock()
		return
	}

	state.in_flight = true
	state.due_time = 0
	self.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()

		select {
		case <-ctx.Done():
			self.release(key)
			return

		case self.slots <- struct{}{}:
		}
		defer func() { <-self.slots }()

		currentlyProcessing.Inc()
		defer currentlyProcessing.Dec()

		self.processOneRound(ctx, wg, key)
	}()
}

func (self *Worker) processOneRound(
	ctx context.Context, wg *sync.WaitGroup, key flowKey) {

	launcher := services.GetLauncher()
	if launcher != nil {
		flowsProcessed.Inc()
		err := launcher.ProcessFlow(key.client_id, key.flow_id)
		if err != nil {
			processingErrors.Inc()
			logger := logging.GetLogger(
				self.config_obj, &logging.WorkerComponent)
			logger.Errorf("Processing flow %v: %v", key.flow_id, err)
		}
	}

	rerun := self.release(key)
	if rerun {
		self.maybeDispatch(ctx, wg, key)
	}
}

// Clear the in flight flag, reporting whether another round was
// requested meanwhile.
func (self *Worker) release(key flowKey) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	state, pres := self.flows[key]
	if !pres {
		return false
	}

	if state.rerun {
		state.rerun = false
		state.in_flight = false
		return true
	}

	delete(self.flows, key)
	return false
}

func StartWorkerService(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.WorkerComponent)
	logger.Infof("<green>Starting</> the worker pool with %v slots.",
		config_obj.Frontend.Resources.WorkerConcurrency)

	worker := NewWorker(config_obj)
	return worker.Start(ctx, wg)
}
