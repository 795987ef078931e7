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

// The frontend ingestion path. The transport hands us decrypted
// message batches with an authentication verdict already attached -
// this package routes them: well known flows, log and crash sinks,
// and the response store, waking the worker when a request completes.
package server

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/flows"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/responses"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

var (
	client_id_regex = regexp.MustCompile("^C\\.")

	receivedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontend_received_messages",
		Help: "Inbound client messages by routing decision.",
	}, []string{"sink"})
)

// One flow scoped log line sent by the client.
type FlowLogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type Server struct {
	config_obj *config.Config
	store      *responses.ResponseStore
}

func NewServer(config_obj *config.Config) *Server {
	return &Server{
		config_obj: config_obj,
		store:      responses.NewResponseStore(config_obj),
	}
}

// Ingest one decrypted message batch from a client. Individual
// message failures are logged and skipped - one bad message must not
// poison the batch.
func (self *Server) ProcessMessages(
	ctx context.Context, batch []*messages.ClientResponse) {

	logger := logging.GetLogger(self.config_obj,
		&logging.FrontendComponent)

	for _, message := range batch {
		err := self.processMessage(message)
		if err != nil {
			logger.Errorf("Processing message for %v/%v: %v",
				message.ClientId, message.FlowId, err)
		}
	}
}

func (self *Server) processMessage(
	message *messages.ClientResponse) error {

	// Well known flows take raw messages, before any authentication
	// filtering - enrollment happens exactly here.
	if strings.HasPrefix(message.FlowId,
		constants.WELL_KNOWN_FLOW_PREFIX) {
		receivedMessages.WithLabelValues("wellknown").Inc()

		impl, pres := flows.GetWellKnownFlow(message.FlowId)
		if !pres {
			// Unknown destination, drop silently.
			return nil
		}
		return impl.ProcessMessage(self.config_obj, message)
	}

	// Everything below acts on a real flow. Unauthenticated messages
	// are still stored (the response store keeps the auth flag and
	// the runner filters), but the reserved sinks require
	// authentication outright.
	switch message.RequestId {
	case constants.LOG_SINK:
		if !message.Authenticated {
			return nil
		}
		receivedMessages.WithLabelValues("log").Inc()
		return self.writeFlowLog(message)

	case constants.CRASH_SINK:
		if !message.Authenticated {
			return nil
		}
		receivedMessages.WithLabelValues("crash").Inc()
		return self.processCrash(message)
	}

	receivedMessages.WithLabelValues("response").Inc()

	err := self.store.Write(message)
	if err != nil {
		return err
	}

	// A status closes its request - the flow can make progress, so
	// hand it to the worker pool.
	if message.IsStatus() {
		journal := services.GetJournal()
		if journal != nil {
			err := journal.PushRows("System.Flow.Ready",
				[]*ordereddict.Dict{ordereddict.NewDict().
					Set("ClientId", message.ClientId).
					Set("FlowId", message.FlowId)})
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (self *Server) writeFlowLog(
	message *messages.ClientResponse) error {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(
		message.ClientId, message.FlowId)
	return db.SetSubject(self.config_obj,
		path_manager.LogEntry(message.ResponseId), &FlowLogEntry{
			Timestamp: utils.GetTime().Now().Unix(),
			Message:   string(message.Payload),
		})
}

func (self *Server) processCrash(
	message *messages.ClientResponse) error {

	launcher := services.GetLauncher()
	if launcher == nil {
		return nil
	}

	crash_message := string(message.Payload)
	if crash_message == "" {
		crash_message = "Client crashed"
	}

	return launcher.MarkFlowCrashed(
		message.ClientId, message.FlowId, crash_message)
}

// Hand the client its next batch of queued tasks under a lease. The
// tasks stay queued until AckTasks confirms delivery, so a client
// dying mid poll just sees them again after the lease expires.
//
// A non zero wait makes this a long poll: an empty queue blocks until
// a task is queued for the client or the wait runs out. While it
// blocks the client is registered with the notification pool and
// counts as connected.
func (self *Server) DrainTasksForClient(
	ctx context.Context, client_id string, limit int,
	wait time.Duration) ([]*messages.TaskRequest, error) {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return nil, err
	}

	lease := time.Duration(
		self.config_obj.Frontend.Resources.TaskLeaseSeconds) *
		time.Second
	if lease == 0 {
		lease = 10 * time.Minute
	}

	tasks, err := db.LeaseClientTasks(
		self.config_obj, client_id, limit, lease)
	if err != nil || len(tasks) > 0 || wait == 0 {
		return tasks, err
	}

	notifier := services.GetNotifier()
	if notifier == nil {
		return tasks, nil
	}

	notification, cancel := notifier.Listen(client_id)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, nil

	case <-time.After(wait):
		return nil, nil

	case <-notification:
	}

	return db.LeaseClientTasks(self.config_obj, client_id, limit, lease)
}

// The client confirmed receipt of these tasks.
func (self *Server) AckTasks(
	client_id string, tasks []*messages.TaskRequest) error {

	db, err := datastore.GetDB(self.config_obj)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		err := db.AckClientTask(self.config_obj, client_id, task)
		if err != nil {
			return err
		}
	}
	return nil
}

func StartServer(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) (*Server, error) {

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Starting</> the frontend server.")

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		// Wake every long polling client so they reconnect to
		// another frontend instead of waiting out their poll.
		notifier := services.GetNotifier()
		if notifier != nil {
			notifier.NotifyByRegex(config_obj, client_id_regex)
		}
	}()

	return NewServer(config_obj), nil
}
