package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/flows"
	"github.com/openfleet/fleetflow/ftesting"
	"github.com/openfleet/fleetflow/journal"
	"github.com/openfleet/fleetflow/messages"
	"github.com/openfleet/fleetflow/notifications"
	"github.com/openfleet/fleetflow/responses"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

// Echoes each response back as a result.
type EchoFlow struct {
	mu     sync.Mutex
	rounds int
}

func (self *EchoFlow) ValidateArgs(args []byte) error { return nil }

func (self *EchoFlow) States() []string {
	return []string{"Collect"}
}

func (self *EchoFlow) Start(flow *flows.FlowContext) error {
	_, err := flow.CallClient("Echo", nil, "Collect")
	return err
}

func (self *EchoFlow) HandleState(
	flow *flows.FlowContext, state string,
	responses *flows.Responses) error {

	self.mu.Lock()
	self.rounds++
	self.mu.Unlock()

	for _, response := range responses.Responses {
		err := flow.SendReply(response.Payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *EchoFlow) Rounds() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.rounds
}

// Finishes after an in process delay.
type NapFlow struct{}

func (self *NapFlow) ValidateArgs(args []byte) error { return nil }

func (self *NapFlow) States() []string {
	return []string{"Wake"}
}

func (self *NapFlow) Start(flow *flows.FlowContext) error {
	_, err := flow.CallState("Wake",
		utils.GetTime().Now().Add(30*time.Second))
	return err
}

func (self *NapFlow) HandleState(
	flow *flows.FlowContext, state string,
	responses *flows.Responses) error {
	return nil
}

type WorkerTestSuite struct {
	suite.Suite

	config_obj *config.Config
	sm         *services.Service
	clock      *utils.MockClock
	restore    func()
	client_id  string
	echo       *EchoFlow
	store      *responses.ResponseStore
}

func (self *WorkerTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()
	self.config_obj.Frontend.Resources.WorkerConcurrency = 2
	self.config_obj.Frontend.Resources.PollFrequencySeconds = 1
	self.client_id = "C.5678"

	self.clock = utils.NewMockClock(time.Unix(1000000000, 0))
	self.restore = utils.SetClockForTests(self.clock)

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	db.(*datastore.MemoryDataStore).Clear()

	self.echo = &EchoFlow{}
	flows.RegisterImplementation("WorkerEcho", self.echo)
	flows.RegisterImplementation("WorkerNap", &NapFlow{})

	self.sm = services.NewServiceManager(
		context.Background(), self.config_obj)
	require.NoError(self.T(), self.sm.Start(journal.StartJournalService))
	require.NoError(self.T(), self.sm.Start(
		notifications.StartNotificationService))
	require.NoError(self.T(), self.sm.Start(
		flows.StartFlowRunnerService))
	require.NoError(self.T(), self.sm.Start(StartWorkerService))

	self.store = responses.NewResponseStore(self.config_obj)
}

func (self *WorkerTestSuite) TearDownTest() {
	self.sm.Close()
	self.restore()
}

func (self *WorkerTestSuite) scheduleFlow(flow_id string) {
	journal_service := services.GetJournal()
	err := journal_service.PushRows("System.Flow.Ready",
		[]*ordereddict.Dict{ordereddict.NewDict().
			Set("ClientId", self.client_id).
			Set("FlowId", flow_id)})
	require.NoError(self.T(), err)
}

func (self *WorkerTestSuite) flowState(flow_id string) string {
	launcher := services.GetLauncher()
	flow, err := launcher.GetFlow(self.client_id, flow_id)
	if err != nil {
		return ""
	}
	return flow.State
}

func (self *WorkerTestSuite) TestWorkerProcessesReadyFlows() {
	launcher := services.GetLauncher()

	flow_id, err := launcher.StartFlow("WorkerEcho", self.client_id,
		nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	require.NoError(self.T(), self.store.Write(&messages.ClientResponse{
		ClientId:      self.client_id,
		FlowId:        flow_id,
		RequestId:     1,
		ResponseId:    1,
		Type:          messages.MESSAGE,
		Payload:       []byte("hello"),
		Authenticated: true,
	}))
	require.NoError(self.T(), self.store.Write(&messages.ClientResponse{
		ClientId:      self.client_id,
		FlowId:        flow_id,
		RequestId:     1,
		ResponseId:    2,
		Type:          messages.STATUS,
		Authenticated: true,
		Status: &messages.Status{
			Result:        messages.StatusOK,
			ResponseCount: 1,
		},
	}))

	self.scheduleFlow(flow_id)

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.flowState(flow_id) == api.FLOW_FINISHED
	})

	flow, err := services.GetLauncher().GetFlow(self.client_id, flow_id)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), uint64(1), flow.NumResults)
}

func (self *WorkerTestSuite) TestDuplicateWakeupsCollapse() {
	launcher := services.GetLauncher()

	flow_id, err := launcher.StartFlow("WorkerEcho", self.client_id,
		nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	require.NoError(self.T(), self.store.Write(&messages.ClientResponse{
		ClientId:      self.client_id,
		FlowId:        flow_id,
		RequestId:     1,
		ResponseId:    1,
		Type:          messages.STATUS,
		Authenticated: true,
		Status:        &messages.Status{Result: messages.StatusOK},
	}))

	// The transport may deliver several wake ups for the same round.
	self.scheduleFlow(flow_id)
	self.scheduleFlow(flow_id)
	self.scheduleFlow(flow_id)

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.flowState(flow_id) == api.FLOW_FINISHED
	})

	// The request was consumed exactly once.
	assert.Equal(self.T(), 1, self.echo.Rounds())
}

func (self *WorkerTestSuite) TestDelayedFlowRunsAfterDueTime() {
	launcher := services.GetLauncher()

	flow_id, err := launcher.StartFlow("WorkerNap", self.client_id,
		nil, services.FlowOptions{})
	require.NoError(self.T(), err)

	// Not due yet - the worker holds the flow.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(self.T(), api.FLOW_RUNNING, self.flowState(flow_id))

	self.clock.Advance(time.Minute)

	// The poll loop picks the held flow up once it comes due.
	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.flowState(flow_id) == api.FLOW_FINISHED
	})
}

func TestWorker(t *testing.T) {
	suite.Run(t, &WorkerTestSuite{})
}
