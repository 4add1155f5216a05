package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen       string  `yaml:"listen"`
	DataPath     string  `yaml:"dataPath"`
	LogLevel     string  `yaml:"logLevel"`
	TopologyFile string  `yaml:"topologyFile"`
	Network      Network `yaml:"network"`
}

type Network struct {
	MonitorID         string        `yaml:"monitorId"`
	SendTimeout       time.Duration `yaml:"sendTimeout"`
	ProbeInterval     time.Duration `yaml:"probeInterval"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	QueueSize         int           `yaml:"queueSize"`
	DerivationWorkers int           `yaml:"derivationWorkers"`
	DerivationDelay   time.Duration `yaml:"derivationDelay"`
	PathCacheSize     int           `yaml:"pathCacheSize"`
	SnapshotHistory   int           `yaml:"snapshotHistory"`
}

func Default() Config {
	return Config{
		Listen:   "127.0.0.1:8000",
		LogLevel: "info",
		Network: Network{
			MonitorID:         "Monitor_Admin",
			SendTimeout:       2 * time.Second,
			ProbeInterval:     15 * time.Second,
			ProbeTimeout:      45 * time.Second,
			QueueSize:         64,
			DerivationWorkers: 4,
			PathCacheSize:     1024,
			SnapshotHistory:   16,
		},
	}
}

// Load reads a YAML file on top of Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	n := c.Network
	if n.MonitorID == "" {
		errs = append(errs, errors.New("network.monitorId is empty"))
	}
	if n.SendTimeout <= 0 {
		errs = append(errs, errors.New("network.sendTimeout must be positive"))
	}
	if n.ProbeInterval > 0 && n.ProbeTimeout <= n.ProbeInterval {
		errs = append(errs, errors.New("network.probeTimeout must exceed network.probeInterval"))
	}
	if n.QueueSize < 1 {
		errs = append(errs, errors.New("network.queueSize must be at least 1"))
	}
	if n.DerivationWorkers < 1 {
		errs = append(errs, errors.New("network.derivationWorkers must be at least 1"))
	}
	if n.DerivationDelay < 0 {
		errs = append(errs, errors.New("network.derivationDelay is negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
