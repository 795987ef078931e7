package utils

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (self RealClock) Now() time.Time {
	return time.Now()
}

func (self RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (self RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// A clock which may be moved forward manually by tests.
type MockClock struct {
	mu       sync.Mutex
	now_time time.Time
}

func NewMockClock(now time.Time) *MockClock {
	return &MockClock{now_time: now}
}

func (self *MockClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.now_time
}

func (self *MockClock) Set(t time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.now_time = t
}

func (self *MockClock) Advance(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.now_time = self.now_time.Add(d)
}

func (self *MockClock) After(d time.Duration) <-chan time.Time {
	return time.After(0)
}

func (self *MockClock) Sleep(d time.Duration) {}

var (
	clock_mu sync.Mutex
	g_clock  Clock = RealClock{}
)

// All time access goes through here so tests can inject a mock clock.
func GetTime() Clock {
	clock_mu.Lock()
	defer clock_mu.Unlock()

	return g_clock
}

// Returns a closer restoring the previous clock.
func SetClockForTests(clock Clock) func() {
	clock_mu.Lock()
	old_clock := g_clock
	g_clock = clock
	clock_mu.Unlock()

	return func() {
		clock_mu.Lock()
		defer clock_mu.Unlock()

		g_clock = old_clock
	}
}
