package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/constants"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/flows"
	"github.com/openfleet/fleetflow/ftesting"
	"github.com/openfleet/fleetflow/journal"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/notifications"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
	"github.com/openfleet/fleetflow/worker"
)

// Forwards each response as a result.
type IngestTestFlow struct{}

func (self *IngestTestFlow) ValidateArgs(args []byte) error { return nil }

func (self *IngestTestFlow) States() []string {
	return []string{"Collect"}
}

func (self *IngestTestFlow) Start(flow *flows.FlowContext) error {
	_, err := flow.CallClient("ListDirectory", nil, "Collect")
	return err
}

func (self *IngestTestFlow) HandleState(
	flow *flows.FlowContext, state string,
	responses *flows.Responses) error {
	for _, response := range responses.Responses {
		err := flow.SendReply(response.Payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	flows.RegisterImplementation("IngestTestFlow", &IngestTestFlow{})
}

type ServerTestSuite struct {
	suite.Suite

	config_obj *config.Config
	sm         *services.Service
	clock      *utils.MockClock
	restore    func()
	server     *Server
	client_id  string
}

func (self *ServerTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()
	self.config_obj.Frontend.Resources.PollFrequencySeconds = 1
	self.client_id = "C.server-test"

	self.clock = utils.NewMockClock(time.Unix(1000000000, 0))
	self.restore = utils.SetClockForTests(self.clock)

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	db.(*datastore.MemoryDataStore).Clear()

	self.sm = services.NewServiceManager(
		context.Background(), self.config_obj)
	require.NoError(self.T(), self.sm.Start(journal.StartJournalService))
	require.NoError(self.T(), self.sm.Start(
		notifications.StartNotificationService))
	require.NoError(self.T(), self.sm.Start(
		flows.StartFlowRunnerService))
	require.NoError(self.T(), self.sm.Start(worker.StartWorkerService))

	self.server, err = StartServer(
		self.sm.Ctx, self.sm.Wg, self.config_obj)
	require.NoError(self.T(), err)
}

func (self *ServerTestSuite) TearDownTest() {
	self.sm.Close()
	self.restore()
}

func (self *ServerTestSuite) flowState(flow_id string) string {
	flow, err := services.GetLauncher().GetFlow(self.client_id, flow_id)
	if err != nil {
		return ""
	}
	return flow.State
}

// A full round trip: start a flow, deliver its task to the client,
// ingest the client's responses and watch the flow finish.
func (self *ServerTestSuite) TestEndToEndCollection() {
	flow_id, err := services.GetLauncher().StartFlow(
		"IngestTestFlow", self.client_id, nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	tasks, err := self.server.DrainTasksForClient(
		context.Background(), self.client_id, 10, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(tasks))
	require.NoError(self.T(),
		self.server.AckTasks(self.client_id, tasks))

	// After the ack, re-polling yields nothing.
	tasks2, err := self.server.DrainTasksForClient(
		context.Background(), self.client_id, 10, 0)
	require.NoError(self.T(), err)
	assert.Empty(self.T(), tasks2)

	self.server.ProcessMessages(context.Background(),
		[]*messages.ClientResponse{
			{
				ClientId:      self.client_id,
				FlowId:        flow_id,
				RequestId:     tasks[0].RequestId,
				ResponseId:    1,
				Type:          messages.MESSAGE,
				Payload:       []byte("a file"),
				Authenticated: true,
			},
			{
				ClientId:      self.client_id,
				FlowId:        flow_id,
				RequestId:     tasks[0].RequestId,
				ResponseId:    2,
				Type:          messages.STATUS,
				Authenticated: true,
				Status: &messages.Status{
					Result:        messages.StatusOK,
					ResponseCount: 1,
				},
			},
		})

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.flowState(flow_id) == api.FLOW_FINISHED
	})

	flow, err := services.GetLauncher().GetFlow(self.client_id, flow_id)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), uint64(1), flow.NumResults)
}

func (self *ServerTestSuite) TestEnrollmentOfUnknownClient() {
	// Enrollment messages are unauthenticated - the client has no
	// keys yet.
	self.server.ProcessMessages(context.Background(),
		[]*messages.ClientResponse{{
			ClientId:      "C.brand-new",
			FlowId:        constants.ENROLLMENT_WELL_KNOWN_FLOW,
			Authenticated: false,
		}})

	db, _ := datastore.GetDB(self.config_obj)
	record := &flows.ClientRecord{}
	err := db.GetSubject(self.config_obj,
		"clients/C.brand-new", record)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), "C.brand-new", record.ClientId)

	// The client is searchable by its own id.
	err = db.CheckIndex(self.config_obj, constants.CLIENT_INDEX,
		"C.brand-new", []string{"C.brand-new"})
	require.NoError(self.T(), err)
}

func (self *ServerTestSuite) TestCrashSinkMarksFlowCrashed() {
	flow_id, err := services.GetLauncher().StartFlow(
		"IngestTestFlow", self.client_id, nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	// An unauthenticated crash report is ignored.
	self.server.ProcessMessages(context.Background(),
		[]*messages.ClientResponse{{
			ClientId:      self.client_id,
			FlowId:        flow_id,
			RequestId:     constants.CRASH_SINK,
			Payload:       []byte("spoofed crash"),
			Authenticated: false,
		}})
	assert.Equal(self.T(), api.FLOW_RUNNING, self.flowState(flow_id))

	self.server.ProcessMessages(context.Background(),
		[]*messages.ClientResponse{{
			ClientId:      self.client_id,
			FlowId:        flow_id,
			RequestId:     constants.CRASH_SINK,
			Payload:       []byte("Nanny restarted the client"),
			Authenticated: true,
		}})

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.flowState(flow_id) == api.FLOW_CRASHED
	})

	flow, err := services.GetLauncher().GetFlow(self.client_id, flow_id)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), "Nanny restarted the client",
		flow.ErrorMessage)
}

func (self *ServerTestSuite) TestLogSinkWritesFlowLog() {
	flow_id, err := services.GetLauncher().StartFlow(
		"IngestTestFlow", self.client_id, nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	self.server.ProcessMessages(context.Background(),
		[]*messages.ClientResponse{{
			ClientId:      self.client_id,
			FlowId:        flow_id,
			RequestId:     constants.LOG_SINK,
			ResponseId:    1,
			Payload:       []byte("Collecting /etc"),
			Authenticated: true,
		}})

	db, _ := datastore.GetDB(self.config_obj)
	path_manager := paths.NewFlowPathManager(self.client_id, flow_id)

	entry := &FlowLogEntry{}
	err = db.GetSubject(self.config_obj,
		path_manager.LogEntry(1), entry)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), "Collecting /etc", entry.Message)
}

func (self *ServerTestSuite) TestLeaseExpiryRedelivers() {
	_, err := services.GetLauncher().StartFlow(
		"IngestTestFlow", self.client_id, nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	tasks, err := self.server.DrainTasksForClient(
		context.Background(), self.client_id, 10, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(tasks))

	// The client never acked. After the lease expires the task is
	// served again.
	self.clock.Advance(time.Hour)

	tasks2, err := self.server.DrainTasksForClient(
		context.Background(), self.client_id, 10, 0)
	require.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(tasks2))
	assert.Equal(self.T(), tasks[0].RequestId, tasks2[0].RequestId)
}

func (self *ServerTestSuite) TestLongPollWakesOnNewTask() {
	type poll_result struct {
		tasks []*messages.TaskRequest
		err   error
	}
	done := make(chan *poll_result)
	go func() {
		tasks, err := self.server.DrainTasksForClient(
			context.Background(), self.client_id, 10, 30*time.Second)
		done <- &poll_result{tasks: tasks, err: err}
	}()

	// A blocked poller counts as connected.
	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return services.GetNotifier().IsClientConnected(self.client_id)
	})

	// Starting a flow queues a task and wakes the poller.
	_, err := services.GetLauncher().StartFlow(
		"IngestTestFlow", self.client_id, nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	select {
	case result := <-done:
		require.NoError(self.T(), result.err)
		require.Equal(self.T(), 1, len(result.tasks))
		assert.Equal(self.T(), "ListDirectory",
			result.tasks[0].ActionName)

	case <-time.After(5 * time.Second):
		self.T().Fatal("Long poll never woke up")
	}

	assert.False(self.T(),
		services.GetNotifier().IsClientConnected(self.client_id))
}

func TestServer(t *testing.T) {
	suite.Run(t, &ServerTestSuite{})
}
