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

// The hunt manager turns participation events into child flows and
// folds flow completions back into hunt statistics. It is the only
// component which starts hunt flows, so the client rate limit and the
// participate-once rule are enforced in one place.
package hunts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

var (
	huntFlowsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_flows_scheduled",
		Help: "Total hunt child flows started.",
	})

	huntsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunts_stopped",
		Help: "Hunts stopped by an automatic stop condition.",
	}, []string{"reason"})
)

// Participation record kept per (hunt, client).
type participationRecord struct {
	ClientId  string `json:"client_id"`
	FlowId    string `json:"flow_id"`
	Timestamp int64  `json:"timestamp"`
}

type HuntManager struct {
	mu sync.Mutex

	config_obj *config.Config

	// Per hunt token buckets implementing the client rate.
	limiters map[string]*ratelimit.Bucket
}

func NewHuntManager(config_obj *config.Config) *HuntManager {
	return &HuntManager{
		config_obj: config_obj,
		limiters:   make(map[string]*ratelimit.Bucket),
	}
}

func (self *HuntManager) Start(
	ctx context.Context, wg *sync.WaitGroup) error {

	journal := services.GetJournal()

	participation, cancel_participation := journal.Watch(
		"System.Hunt.Participation")
	completions, cancel_completions := journal.Watch(
		"System.Flow.Completion")

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel_participation()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-participation:
				if !ok {
					return
				}
				self.processParticipation(event)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel_completions()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-completions:
				if !ok {
					return
				}
				self.processCompletion(event)
			}
		}
	}()

	// Housekeeping sweep for expired hunts.
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-ctx.Done():
				return

			case <-time.After(time.Minute):
				self.expireHunts()
			}
		}
	}()

	return nil
}

// A client became eligible for a hunt. Schedule the hunt's flow on it
// unless it already participated or the hunt is no longer accepting
// clients.
func (self *HuntManager) processParticipation(event *ordereddict.Dict) {
	hunt_id, pres := event.GetString("HuntId")
	if !pres {
		return
	}
	client_id, pres := event.GetString("ClientId")
	if !pres {
		return
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return
	}

	// Each client participates in each hunt at most once, no matter
	// how often the foreman reports it.
	err = db.CheckIndex(self.config_obj, constants.HUNT_INDEX,
		client_id, []string{hunt_id})
	if err == nil {
		return
	}

	dispatcher := services.GetHuntDispatcher()
	hunt, pres := dispatcher.GetHunt(hunt_id)
	if !pres || !hunt.IsActive() {
		return
	}

	// The client limit is checked before scheduling - the hunt
	// pauses exactly when the limit is reached and can be resumed
	// with a higher limit later.
	should_pause := false
	err = dispatcher.ModifyHunt(hunt_id, func(hunt *api.Hunt) error {
		if hunt.ClientLimit > 0 &&
			hunt.Stats.TotalClientsScheduled >= hunt.ClientLimit {
			hunt.State = api.HUNT_PAUSED
			should_pause = true
			return nil
		}
		hunt.Stats.TotalClientsScheduled++
		return nil
	})
	if err != nil || should_pause {
		return
	}

	self.rateLimit(hunt)

	launcher := services.GetLauncher()
	flow_id, err := launcher.StartFlow(
		hunt.FlowName, client_id, hunt.FlowArgs,
		services.FlowOptions{
			Creator:             hunt.HuntId,
			ParentHuntId:        hunt.HuntId,
			CpuLimit:            hunt.CpuLimit,
			NetworkBytesLimit:   hunt.NetworkBytesLimit,
			RuntimeLimitSeconds: hunt.RuntimeLimitSeconds,
		})
	if err != nil {
		logger.Errorf("Scheduling hunt %v on %v: %v",
			hunt_id, client_id, err)
		return
	}

	huntFlowsScheduled.Inc()

	err = db.SetIndex(self.config_obj, constants.HUNT_INDEX,
		client_id, []string{hunt_id})
	if err != nil {
		logger.Errorf("Updating hunt index: %v", err)
	}

	path_manager := paths.NewHuntPathManager(hunt_id)
	record := &participationRecord{
		ClientId:  client_id,
		FlowId:    flow_id,
		Timestamp: utils.GetTime().Now().Unix(),
	}
	err = db.SetSubject(self.config_obj,
		path_manager.Clients()+"/"+client_id, record)
	if err != nil {
		logger.Errorf("Recording hunt participation: %v", err)
	}
}

// Block until the hunt's token bucket admits another client.
func (self *HuntManager) rateLimit(hunt *api.Hunt) {
	if hunt.ClientRate <= 0 {
		return
	}

	self.mu.Lock()
	limiter, pres := self.limiters[hunt.HuntId]
	if !pres {
		limiter = ratelimit.NewBucketWithRate(hunt.ClientRate, 1)
		self.limiters[hunt.HuntId] = limiter
	}
	self.mu.Unlock()

	limiter.Wait(1)
}

// A flow reached a terminal state. If it belongs to a hunt, fold its
// outcome into the hunt's statistics and evaluate stop conditions.
func (self *HuntManager) processCompletion(event *ordereddict.Dict) {
	hunt_id, pres := event.GetString("HuntId")
	if !pres || hunt_id == "" {
		return
	}

	serialized, pres := event.GetString("Flow")
	if !pres {
		return
	}

	flow := &api.FlowObject{}
	err := json.Unmarshal([]byte(serialized), flow)
	if err != nil {
		return
	}

	dispatcher := services.GetHuntDispatcher()
	stop_reason := ""

	err = dispatcher.ModifyHunt(hunt_id, func(hunt *api.Hunt) error {
		stats := hunt.Stats

		stats.NumClients++
		switch flow.State {
		case api.FLOW_FINISHED:
			stats.NumSuccessfulClients++

		case api.FLOW_ERROR:
			stats.NumFailedClients++

		case api.FLOW_CRASHED:
			stats.NumCrashedClients++
			stats.CrashRecords = append(stats.CrashRecords,
				&api.CrashRecord{
					ClientId:  flow.ClientId,
					FlowId:    flow.FlowId,
					Message:   flow.ErrorMessage,
					Timestamp: utils.GetTime().Now().Unix(),
				})
		}

		stats.NumResults += flow.NumResults
		if flow.NumResults > 0 {
			stats.NumClientsWithResults++
		}

		stats.CpuStats.Update(flow.ClientId, flow.CpuTimeUsed)
		stats.NetworkStats.Update(
			flow.ClientId, float64(flow.NetworkBytesUsed))

		if hunt.State == api.HUNT_STARTED {
			stop_reason = checkStopConditions(hunt)
			if stop_reason != "" {
				hunt.State = api.HUNT_STOPPED
				stats.StopReason = stop_reason
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	if stop_reason != "" {
		self.stopHuntFlows(hunt_id, stop_reason)
	}
}

// Evaluate the hunt's automatic stop conditions, returning the stop
// reason or "" when the hunt may continue.
func checkStopConditions(hunt *api.Hunt) string {
	stats := hunt.Stats

	if hunt.CrashLimit > 0 &&
		stats.NumCrashedClients >= hunt.CrashLimit {
		return fmt.Sprintf(
			"Hunt %v reached the crashes limit (%v)",
			hunt.HuntId, hunt.CrashLimit)
	}

	// Average based conditions need a minimum population - a single
	// early outlier must not stop the whole hunt.
	if stats.NumClients < constants.MIN_CLIENTS_FOR_AVERAGE_THRESHOLDS {
		return ""
	}

	if hunt.AvgResultsPerClientLimit > 0 {
		avg := float64(stats.NumResults) / float64(stats.NumClients)
		if avg > hunt.AvgResultsPerClientLimit {
			return fmt.Sprintf(
				"Hunt %v reached the average results per client "+
					"limit (%.2f)",
				hunt.HuntId, hunt.AvgResultsPerClientLimit)
		}
	}

	if hunt.AvgCpuSecondsPerClientLimit > 0 &&
		stats.CpuStats.Mean > hunt.AvgCpuSecondsPerClientLimit {
		return fmt.Sprintf(
			"Hunt %v reached the average CPU seconds per client "+
				"limit (%.2f)",
			hunt.HuntId, hunt.AvgCpuSecondsPerClientLimit)
	}

	if hunt.AvgNetworkBytesPerClientLimit > 0 &&
		stats.NetworkStats.Mean > hunt.AvgNetworkBytesPerClientLimit {
		return fmt.Sprintf(
			"Hunt %v reached the average network bytes per client "+
				"limit (%.2f)",
			hunt.HuntId, hunt.AvgNetworkBytesPerClientLimit)
	}

	return ""
}

// Terminate the hunt's still running flows and announce the stop.
func (self *HuntManager) stopHuntFlows(hunt_id, reason string) {
	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Infof("Stopping hunt %v: %v", hunt_id, reason)

	huntsStopped.WithLabelValues("threshold").Inc()

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return
	}

	launcher := services.GetLauncher()
	path_manager := paths.NewHuntPathManager(hunt_id)

	children, err := db.ListChildren(
		self.config_obj, path_manager.Clients())
	if err != nil {
		return
	}

	for _, child := range children {
		record := &participationRecord{}
		err := db.GetSubject(self.config_obj, child, record)
		if err != nil {
			continue
		}

		flow, err := launcher.GetFlow(record.ClientId, record.FlowId)
		if err != nil || flow.IsComplete() {
			continue
		}

		err = launcher.RequestTermination(
			record.ClientId, record.FlowId, "Parent hunt stopped.")
		if err != nil {
			logger.Errorf("Terminating hunt flow %v: %v",
				record.FlowId, err)
		}
	}

	journal := services.GetJournal()
	if journal != nil {
		_ = journal.PushRows("System.Hunt.Stopped",
			[]*ordereddict.Dict{ordereddict.NewDict().
				Set("HuntId", hunt_id).
				Set("Reason", reason)})
	}
}

// Expired hunts stop taking clients. Unlike a threshold stop this is
// the hunt's natural end of life, so it completes rather than stops.
func (self *HuntManager) expireHunts() {
	dispatcher := services.GetHuntDispatcher()
	if dispatcher == nil {
		return
	}

	now := utils.GetTime().Now().Unix()

	expired := []string{}
	_ = dispatcher.ApplyFuncOnHunts(func(hunt *api.Hunt) error {
		if hunt.State == api.HUNT_STARTED &&
			hunt.ExpiryTime > 0 && hunt.ExpiryTime <= now {
			expired = append(expired, hunt.HuntId)
		}
		return nil
	})

	for _, hunt_id := range expired {
		err := dispatcher.ModifyHunt(hunt_id,
			func(hunt *api.Hunt) error {
				if hunt.State != api.HUNT_STARTED {
					return datastore.ErrNotFound
				}
				hunt.State = api.HUNT_COMPLETED
				return nil
			})
		if err == nil {
			self.stopHuntFlows(hunt_id, "Hunt expired.")
		}
	}
}

func StartHuntManager(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.HuntComponent)
	logger.Info("<green>Starting</> the hunt manager.")

	manager := NewHuntManager(config_obj)
	return manager.Start(ctx, wg)
}
