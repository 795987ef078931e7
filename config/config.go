package config

import (
	"io/ioutil"
	"os"

	"github.com/Velocidex/yaml/v2"
	errors "github.com/pkg/errors"
)

type DatastoreConfig struct {
	// One of "Memory" or "FileBaseDataStore".
	Implementation string `yaml:"implementation"`

	// Directory for the file based datastore.
	Location string `yaml:"location,omitempty"`
}

type ResourcesConfig struct {
	// How many flows may be processed in parallel by one worker
	// process. Distinct flows only - the same flow is never processed
	// concurrently.
	WorkerConcurrency uint64 `yaml:"worker_concurrency,omitempty"`

	// How long a leased client task stays invisible before it is
	// redelivered.
	TaskLeaseSeconds uint64 `yaml:"task_lease_seconds,omitempty"`

	// Polling fallback for lost flow notifications.
	PollFrequencySeconds uint64 `yaml:"poll_frequency_seconds,omitempty"`

	NotificationsPerSecond uint64 `yaml:"notifications_per_second,omitempty"`

	// Wall clock budget for one output plugin run. Runs checkpoint
	// and resume from their cursor when they exceed it.
	OutputPluginLifetimeSeconds uint64 `yaml:"output_plugin_lifetime_seconds,omitempty"`

	// Hunts created without an explicit expiry get this.
	DefaultHuntExpiryHours uint64 `yaml:"default_hunt_expiry_hours,omitempty"`
}

type FrontendConfig struct {
	Resources *ResourcesConfig `yaml:"resources,omitempty"`
}

type LoggingConfig struct {
	// One of "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty"`

	// When set, logs are also written to this directory.
	OutputDirectory string `yaml:"output_directory,omitempty"`
}

type Config struct {
	Datastore *DatastoreConfig `yaml:"datastore"`
	Frontend  *FrontendConfig  `yaml:"frontend,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Datastore: &DatastoreConfig{
			Implementation: "Memory",
		},
		Frontend: &FrontendConfig{
			Resources: &ResourcesConfig{
				WorkerConcurrency:           10,
				TaskLeaseSeconds:            600,
				PollFrequencySeconds:        60,
				NotificationsPerSecond:      30,
				OutputPluginLifetimeSeconds: 600,
				DefaultHuntExpiryHours:      24 * 7,
			},
		},
		Logging: &LoggingConfig{
			Level: "info",
		},
	}
}

// Load the config stored in the YAML file and return a config object.
func LoadConfig(filename string) (*Config, error) {
	result := GetDefaultConfig()

	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = yaml.UnmarshalStrict(data, result)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return result, Validate(result)
}

func Validate(config_obj *Config) error {
	if config_obj.Datastore == nil {
		return errors.New("No datastore configured")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory":
	case "FileBaseDataStore":
		if config_obj.Datastore.Location == "" {
			return errors.New(
				"No datastore location is set in the config")
		}
	default:
		return errors.Errorf("Invalid datastore implementation %v",
			config_obj.Datastore.Implementation)
	}

	if config_obj.Frontend == nil {
		config_obj.Frontend = GetDefaultConfig().Frontend
	}
	if config_obj.Frontend.Resources == nil {
		config_obj.Frontend.Resources = GetDefaultConfig().Frontend.Resources
	}
	return nil
}

func Encode(config_obj *Config) ([]byte, error) {
	return yaml.Marshal(config_obj)
}

func WriteConfigToFile(filename string, config_obj *Config) error {
	serialized, err := Encode(config_obj)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, serialized, os.ModePerm)
}
