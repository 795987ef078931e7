package output

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/openfleet/fleetflow/api"
	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/datastore"
	"github.com/openfleet/fleetflow/ftesting"
	"github.com/openfleet/fleetflow/hunts"
	"github.com/openfleet/fleetflow/journal"
	"github.com/openfleet/fleetflow/paths"
	"github.com/openfleet/fleetflow/services"
	"github.com/openfleet/fleetflow/utils"
)

// Collects everything it is given.
type CollectingPlugin struct {
	mu       sync.Mutex
	payloads []string
	flushed  int
	inits    int
}

func (self *CollectingPlugin) InitializeState(
	config_obj *config.Config, args []byte) ([]byte, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.inits++
	return []byte("{}"), nil
}

func (self *CollectingPlugin) ProcessResults(
	config_obj *config.Config, state []byte,
	results []*api.FlowResult) ([]byte, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, result := range results {
		self.payloads = append(self.payloads, string(result.Payload))
	}
	return state, nil
}

func (self *CollectingPlugin) Flush(
	config_obj *config.Config, state []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.flushed++
	return nil
}

func (self *CollectingPlugin) Payloads() []string {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]string{}, self.payloads...)
}

func (self *CollectingPlugin) Flushed() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.flushed
}

// Fails every batch.
type BrokenPlugin struct{}

func (self *BrokenPlugin) InitializeState(
	config_obj *config.Config, args []byte) ([]byte, error) {
	return nil, nil
}

func (self *BrokenPlugin) ProcessResults(
	config_obj *config.Config, state []byte,
	results []*api.FlowResult) ([]byte, error) {
	return nil, errors.New("Upstream unreachable")
}

func (self *BrokenPlugin) Flush(
	config_obj *config.Config, state []byte) error {
	return nil
}

// Hangs in ProcessResults until released.
type StuckPlugin struct {
	release chan struct{}
}

func (self *StuckPlugin) InitializeState(
	config_obj *config.Config, args []byte) ([]byte, error) {
	return nil, nil
}

func (self *StuckPlugin) ProcessResults(
	config_obj *config.Config, state []byte,
	results []*api.FlowResult) ([]byte, error) {
	<-self.release
	return state, nil
}

func (self *StuckPlugin) Flush(
	config_obj *config.Config, state []byte) error {
	return nil
}

type OutputTestSuite struct {
	suite.Suite

	config_obj *config.Config
	sm         *services.Service
	clock      *utils.MockClock
	restore    func()
	dispatcher *hunts.HuntDispatcher
	collector  *CollectingPlugin
}

func (self *OutputTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()

	self.clock = utils.NewMockClock(time.Unix(1000000000, 0))
	self.restore = utils.SetClockForTests(self.clock)

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	db.(*datastore.MemoryDataStore).Clear()

	self.collector = &CollectingPlugin{}
	RegisterPlugin("collector", self.collector)
	RegisterPlugin("broken", &BrokenPlugin{})

	self.sm = services.NewServiceManager(
		context.Background(), self.config_obj)
	require.NoError(self.T(), self.sm.Start(journal.StartJournalService))
	require.NoError(self.T(), self.sm.Start(hunts.StartHuntDispatcher))
	require.NoError(self.T(), self.sm.Start(StartOutputPluginRunner))

	self.dispatcher = services.GetHuntDispatcher().(*hunts.HuntDispatcher)
}

func (self *OutputTestSuite) TearDownTest() {
	self.sm.Close()
	self.restore()
}

func (self *OutputTestSuite) createHunt() string {
	hunt_id, err := self.dispatcher.CreateHunt(&api.Hunt{
		FlowName: "SomeFlow",
		OutputPlugins: []*api.OutputPluginDescriptor{
			{PluginName: "collector", InstanceId: "1"},
			{PluginName: "broken", InstanceId: "1"},
		},
	})
	require.NoError(self.T(), err)
	require.NoError(self.T(), self.dispatcher.StartHunt(hunt_id))
	return hunt_id
}

func (self *OutputTestSuite) writeResults(
	client_id, flow_id string, payloads []string) {

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)

	path_manager := paths.NewFlowPathManager(client_id, flow_id)
	for i, payload := range payloads {
		require.NoError(self.T(), db.SetSubject(self.config_obj,
			path_manager.Result(uint64(i+1)), &api.FlowResult{
				ClientId: client_id,
				FlowId:   flow_id,
				ResultId: uint64(i + 1),
				Payload:  []byte(payload),
			}))
	}
}

func (self *OutputTestSuite) completeFlow(
	hunt_id, client_id, flow_id string) {

	flow := &api.FlowObject{
		ClientId:     client_id,
		FlowId:       flow_id,
		ParentHuntId: hunt_id,
		State:        api.FLOW_FINISHED,
	}
	serialized, err := json.Marshal(flow)
	require.NoError(self.T(), err)

	require.NoError(self.T(), services.GetJournal().PushRows(
		"System.Flow.Completion",
		[]*ordereddict.Dict{ordereddict.NewDict().
			Set("ClientId", client_id).
			Set("FlowId", flow_id).
			Set("HuntId", hunt_id).
			Set("State", api.FLOW_FINISHED).
			Set("Flow", string(serialized))}))
}

func (self *OutputTestSuite) TestResultsAreForwarded() {
	hunt_id := self.createHunt()

	self.writeResults("C.1", "F.AAA", []string{"row 1", "row 2"})
	self.completeFlow(hunt_id, "C.1", "F.AAA")

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return len(self.collector.Payloads()) == 2
	})
	assert.Equal(self.T(), []string{"row 1", "row 2"},
		self.collector.Payloads())

	// A redelivered completion event does not double deliver.
	self.completeFlow(hunt_id, "C.1", "F.AAA")

	self.writeResults("C.2", "F.BBB", []string{"row 3"})
	self.completeFlow(hunt_id, "C.2", "F.BBB")

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return len(self.collector.Payloads()) == 3
	})
	assert.Equal(self.T(), []string{"row 1", "row 2", "row 3"},
		self.collector.Payloads())

	// Each delivery leaves a SUCCESS record on the instance.
	db, _ := datastore.GetDB(self.config_obj)
	path_manager := paths.NewOutputPluginPathManager(
		hunt_id, "collector", "1")

	record := &pluginRecord{}
	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		err := db.GetSubject(self.config_obj,
			path_manager.Path(), record)
		return err == nil && len(record.Batches) == 2
	})
	assert.Equal(self.T(), "SUCCESS", record.Batches[0].Status)
	assert.Equal(self.T(), 2, record.Batches[0].BatchSize)
	assert.Equal(self.T(), "collector", record.Batches[0].Plugin)
	assert.Equal(self.T(), "SUCCESS", record.Batches[1].Status)
	assert.Equal(self.T(), 1, record.Batches[1].BatchSize)
	assert.Equal(self.T(), uint64(3), record.NumProcessed)
}

func (self *OutputTestSuite) TestFailingPluginIsIsolated() {
	hunt_id := self.createHunt()

	self.writeResults("C.1", "F.AAA", []string{"row 1"})
	self.completeFlow(hunt_id, "C.1", "F.AAA")

	// The healthy plugin still gets its delivery.
	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return len(self.collector.Payloads()) == 1
	})

	// The broken plugin's failure is recorded on its own instance.
	db, _ := datastore.GetDB(self.config_obj)
	path_manager := paths.NewOutputPluginPathManager(
		hunt_id, "broken", "1")

	record := &pluginRecord{}
	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		err := db.GetSubject(self.config_obj,
			path_manager.Path(), record)
		return err == nil && len(record.Errors) > 0
	})
	assert.Contains(self.T(), record.Errors[0], "Upstream unreachable")
	assert.Equal(self.T(), uint64(0), record.NumProcessed)

	// The failed batch is recorded too.
	require.Equal(self.T(), 1, len(record.Batches))
	assert.Equal(self.T(), "ERROR", record.Batches[0].Status)
	assert.Equal(self.T(), 1, record.Batches[0].BatchSize)
	assert.Contains(self.T(), record.Batches[0].Message,
		"Upstream unreachable")
}

func (self *OutputTestSuite) TestStuckPluginIsTimedOut() {
	release := make(chan struct{})
	defer close(release)
	RegisterPlugin("stuck", &StuckPlugin{release: release})

	hunt_id, err := self.dispatcher.CreateHunt(&api.Hunt{
		FlowName: "SomeFlow",
		OutputPlugins: []*api.OutputPluginDescriptor{
			{PluginName: "stuck", InstanceId: "1"},
		},
	})
	require.NoError(self.T(), err)
	require.NoError(self.T(), self.dispatcher.StartHunt(hunt_id))

	// A dedicated runner with a tight bound - the suite's runner
	// keeps the default.
	self.config_obj.Frontend.Resources.OutputPluginLifetimeSeconds = 1
	runner := NewOutputPluginRunner(self.config_obj)

	hunt, pres := self.dispatcher.GetHunt(hunt_id)
	require.True(self.T(), pres)

	runner.deliverBatch(hunt_id, "F.AAA", hunt.OutputPlugins[0],
		[]*api.FlowResult{{Payload: []byte("row 1")}})

	// The stuck call was cut loose: an ERROR batch is recorded and
	// the cursor did not advance, so the batch is retried later.
	db, _ := datastore.GetDB(self.config_obj)
	path_manager := paths.NewOutputPluginPathManager(
		hunt_id, "stuck", "1")

	record := &pluginRecord{}
	require.NoError(self.T(), db.GetSubject(self.config_obj,
		path_manager.Path(), record))
	require.Equal(self.T(), 1, len(record.Batches))
	assert.Equal(self.T(), "ERROR", record.Batches[0].Status)
	assert.Contains(self.T(), record.Batches[0].Message, "timed out")
	assert.Equal(self.T(), uint64(0), record.NumProcessed)
	assert.False(self.T(), record.ProcessedFlows["F.AAA"])
}

func (self *OutputTestSuite) TestHuntStopFlushesPlugins() {
	hunt_id := self.createHunt()

	self.writeResults("C.1", "F.AAA", []string{"row 1"})
	self.completeFlow(hunt_id, "C.1", "F.AAA")

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return len(self.collector.Payloads()) == 1
	})

	require.NoError(self.T(), services.GetJournal().PushRows(
		"System.Hunt.Stopped",
		[]*ordereddict.Dict{ordereddict.NewDict().
			Set("HuntId", hunt_id).
			Set("Reason", "Stopped by test")}))

	ftesting.WaitUntil(5*time.Second, self.T(), func() bool {
		return self.collector.Flushed() == 1
	})
}

func TestOutputPlugins(t *testing.T) {
	suite.Run(t, &OutputTestSuite{})
}
