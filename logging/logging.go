package logging

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openfleet/fleetflow/config"
)

var (
	mu      sync.Mutex
	manager *LogManager

	FrontendComponent = "frontend"
	WorkerComponent   = "worker"
	HuntComponent     = "hunts"
	ClientComponent   = "client"
	ToolComponent     = "tool"

	tag_regex = regexp.MustCompile("<[^>]+>")
)

type LogContext struct {
	*logrus.Logger
}

type LogManager struct {
	mu       sync.Mutex
	contexts map[string]*LogContext
}

// Get the logger for the specified component. Loggers are cached per
// component.
func GetLogger(config_obj *config.Config, component *string) *LogContext {
	mu.Lock()
	defer mu.Unlock()

	if manager == nil {
		manager = &LogManager{
			contexts: make(map[string]*LogContext),
		}
	}
	return manager.GetLogger(config_obj, component)
}

func (self *LogManager) GetLogger(
	config_obj *config.Config, component *string) *LogContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, pres := self.contexts[*component]
	if !pres {
		ctx = self.makeNewComponent(config_obj, component)
		self.contexts[*component] = ctx
	}
	return ctx
}

func (self *LogManager) makeNewComponent(
	config_obj *config.Config, component *string) *LogContext {

	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel
	logger.Formatter = &Formatter{component: *component}

	if config_obj != nil && config_obj.Logging != nil {
		level, err := logrus.ParseLevel(config_obj.Logging.Level)
		if err == nil {
			logger.Level = level
		}
	}

	return &LogContext{logger}
}

// Log lines may carry markup tags (e.g. <green>Starting</>) for
// terminals that render them. We just strip them.
type Formatter struct {
	component string
}

func (self *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	msg := tag_regex.ReplaceAllString(entry.Message, "")
	return []byte(fmt.Sprintf("[%s] %s %s %s\n",
		entry.Level.String(),
		entry.Time.UTC().Format("2006-01-02T15:04:05Z"),
		self.component, msg)), nil
}

// Install a memory hook on the component's logger so tests can assert
// on emitted messages. Returns the hook.
func InstallMemoryHook(
	config_obj *config.Config, component *string) *MemoryHook {
	hook := &MemoryHook{}
	GetLogger(config_obj, component).AddHook(hook)
	return hook
}

type MemoryHook struct {
	mu       sync.Mutex
	Messages []string
}

func (self *MemoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (self *MemoryHook) Fire(entry *logrus.Entry) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.Messages = append(self.Messages, entry.Message)
	return nil
}

func (self *MemoryHook) Contains(needle string) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, line := range self.Messages {
		if strings.Contains(tag_regex.ReplaceAllString(line, ""), needle) {
			return true
		}
	}
	return false
}
