// The journal service carries internal events between server
// components. Producers push rows onto named queues and any number of
// watchers receive a copy. Queues used by the engine:
//
//   System.Hunt.Participation - foreman decided a client may join a hunt
//   System.Flow.Completion    - a flow reached a terminal state
//   System.Flow.Crash         - a crash report arrived for a flow
//   System.Hunt.Stopped       - a hunt hit a stop condition
package journal

import (
	"context"
	"sync"

	"github.com/Velocidex/ordereddict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/services"
)

var (
	journalPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "journal_rows_pushed",
		Help: "Number of rows pushed to journal queues.",
	}, []string{"queue"})
)

type listener struct {
	id     uint64
	output chan *ordereddict.Dict
}

type JournalService struct {
	mu sync.Mutex

	config_obj *config.Config
	queues     map[string][]*listener
	next_id    uint64
	closed     bool
}

func NewJournalService(config_obj *config.Config) *JournalService {
	return &JournalService{
		config_obj: config_obj,
		queues:     make(map[string][]*listener),
	}
}

// Watch returns a channel of rows pushed to the named queue and a
// cancel function which unregisters the watcher.
func (self *JournalService) Watch(queue_name string) (
	<-chan *ordereddict.Dict, func()) {

	self.mu.Lock()
	defer self.mu.Unlock()

	self.next_id++
	new_listener := &listener{
		id:     self.next_id,
		output: make(chan *ordereddict.Dict, 1000),
	}
	self.queues[queue_name] = append(self.queues[queue_name], new_listener)

	id := new_listener.id
	return new_listener.output, func() {
		self.mu.Lock()
		defer self.mu.Unlock()

		listeners := self.queues[queue_name]
		new_listeners := make([]*listener, 0, len(listeners))
		for _, l := range listeners {
			if l.id == id {
				close(l.output)
			} else {
				new_listeners = append(new_listeners, l)
			}
		}
		self.queues[queue_name] = new_listeners
	}
}

func (self *JournalService) PushRows(
	queue_name string, rows []*ordereddict.Dict) error {

	self.mu.Lock()
	listeners := append([]*listener{}, self.queues[queue_name]...)
	closed := self.closed
	self.mu.Unlock()

	if closed {
		return nil
	}

	journalPushes.WithLabelValues(queue_name).Add(float64(len(rows)))

	for _, l := range listeners {
		for _, row := range rows {
			select {
			case l.output <- row:
			default:
				// A watcher which can not keep up loses events. The
				// polling fallback in the worker recovers flows whose
				// notifications are lost.
				logger := logging.GetLogger(
					self.config_obj, &logging.FrontendComponent)
				logger.Warnf("Journal queue %v overflow - dropping event",
					queue_name)
			}
		}
	}
	return nil
}

func (self *JournalService) Close() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.closed = true
	for _, listeners := range self.queues {
		for _, l := range listeners {
			close(l.output)
		}
	}
	self.queues = make(map[string][]*listener)
}

func StartJournalService(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Starting</> Journal service.")

	service := NewJournalService(config_obj)
	services.RegisterJournal(service)

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		service.Close()
	}()

	return nil
}
