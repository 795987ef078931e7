package notifications

import (
	"context"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/openfleet/fleetflow/config"
	"github.com/openfleet/fleetflow/logging"
	"github.com/openfleet/fleetflow/services"
)

var (
	notificationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_notification_count",
		Help: "Number of notifications we issue.",
	})
)

// The notification pool wakes up waiters keyed by an opaque id -
// client ids for connected agents and flow ids for the worker's
// dispatch loop.
type NotificationPool struct {
	mu      sync.Mutex
	clients map[string]chan bool
	done    chan bool
}

func NewNotificationPool() *NotificationPool {
	return &NotificationPool{
		clients: make(map[string]chan bool),
		done:    make(chan bool),
	}
}

func (self *NotificationPool) IsClientConnected(client_id string) bool {
	self.mu.Lock()
	_, pres := self.clients[client_id]
	self.mu.Unlock()

	return pres
}

func (self *NotificationPool) Listen(client_id string) (chan bool, func()) {
	new_c := make(chan bool)

	self.mu.Lock()

	// Close any old channels and make a new one. The old waiter
	// unblocks and should re-register if it is still interested.
	c, pres := self.clients[client_id]
	if pres {
		defer close(c)
		delete(self.clients, client_id)
	}
	self.clients[client_id] = new_c
	self.mu.Unlock()

	return new_c, func() {
		self.mu.Lock()
		c, pres := self.clients[client_id]
		if pres {
			defer close(c)
			delete(self.clients, client_id)
		}
		self.mu.Unlock()
	}
}

func (self *NotificationPool) Notify(client_id string) {
	self.mu.Lock()
	c, pres := self.clients[client_id]
	if pres {
		notificationCounter.Inc()
		defer close(c)
		delete(self.clients, client_id)
	}
	self.mu.Unlock()
}

func (self *NotificationPool) NotifyByRegex(
	config_obj *config.Config, re *regexp.Regexp) {

	// First take a snapshot of the current waiters.
	self.mu.Lock()
	snapshot := make([]string, 0, len(self.clients))
	for key := range self.clients {
		if re.MatchString(key) {
			snapshot = append(snapshot, key)
		}
	}
	self.mu.Unlock()

	// Notify in the background, rate limited so a fleet wide wake up
	// does not overwhelm the server.
	limiter_rate := rate.Limit(
		config_obj.Frontend.Resources.NotificationsPerSecond)
	limiter := rate.NewLimiter(limiter_rate, 1)

	subctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-self.done
		cancel()
	}()

	go func() {
		for _, client_id := range snapshot {
			self.Notify(client_id)
			_ = limiter.Wait(subctx)
		}
	}()
}

func (self *NotificationPool) NotifyAll(config_obj *config.Config) {
	self.NotifyByRegex(config_obj, regexp.MustCompile("."))
}

func (self *NotificationPool) Shutdown() {
	self.mu.Lock()
	defer self.mu.Unlock()

	close(self.done)

	for _, c := range self.clients {
		close(c)
	}
	self.clients = make(map[string]chan bool)
}

func StartNotificationService(
	ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("<green>Starting</> the notification service.")

	pool := NewNotificationPool()
	services.RegisterNotifier(pool)

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		pool.Shutdown()
	}()

	return nil
}
