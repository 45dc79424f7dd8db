package config

// Startup configuration. Loaded once from a YAML file; immutable for
// the process lifetime.

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PortAuto makes the reader probe the system for a plausible USB
// serial device instead of opening a fixed path.
const PortAuto = "auto"

type Config struct {
	// Port is the serial device path, or "auto" to probe.
	Port string `yaml:"port"`

	// Baudrate of the transducer's serial interface.
	Baudrate int `yaml:"baudrate"`

	// Timeout is the serial read timeout in seconds. A timed-out read
	// is idle, not an error; it also bounds how long shutdown waits.
	Timeout int `yaml:"timeout"`

	// MaxPackets caps how many queued sentences one drain cycle
	// processes.
	MaxPackets int `yaml:"max_packets"`

	// QueueDepth bounds the hand-off queue; when full the oldest batch
	// is evicted.
	QueueDepth int `yaml:"queue_depth"`

	// Cycle is the drain interval in seconds when running standalone.
	Cycle int `yaml:"cycle"`

	// SensorMap associates observation names with transducer
	// selectors, e.g. pressure: "P" or outTemp: "C:TempSensor". With
	// an empty map no measurements are ever surfaced.
	SensorMap map[string]string `yaml:"sensor_map"`

	Monitor Monitor `yaml:"monitor"`
}

type Monitor struct {
	// Listen is the HTTP address of the status and feed endpoints.
	// Empty disables the monitor.
	Listen string `yaml:"listen"`

	// Advertise publishes the feed endpoint on the LAN via mDNS.
	Advertise bool `yaml:"advertise"`
}

func Default() Config {
	return Config{
		Port:       "/dev/ttyACM0",
		Baudrate:   9600,
		Timeout:    5,
		MaxPackets: 5,
		QueueDepth: 32,
		Cycle:      2,
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if cfg.Baudrate <= 0 {
		return fmt.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", cfg.Timeout)
	}
	if cfg.MaxPackets < 0 {
		return fmt.Errorf("max_packets must not be negative, got %d", cfg.MaxPackets)
	}
	if cfg.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", cfg.QueueDepth)
	}
	if cfg.Cycle <= 0 {
		return fmt.Errorf("cycle must be positive, got %d", cfg.Cycle)
	}
	return nil
}

// ReadTimeout returns the serial read timeout as a duration.
func (cfg Config) ReadTimeout() time.Duration {
	return time.Duration(cfg.Timeout) * time.Second
}

// CycleInterval returns the standalone drain interval as a duration.
func (cfg Config) CycleInterval() time.Duration {
	return time.Duration(cfg.Cycle) * time.Second
}
