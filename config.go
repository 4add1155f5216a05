package citynet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i5heu/citynet/internal/config"
	"github.com/i5heu/citynet/internal/registry"
	"github.com/i5heu/citynet/pkg/routing"
)

// Config configures a Network. Zero values fall back to defaults.
type Config struct {
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// DataPath is the snapshot directory. Empty disables persistence.
	DataPath string
	// SnapshotHistory bounds the stored topology history.
	SnapshotHistory int

	MonitorID     string
	SendTimeout   time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	QueueSize     int

	DerivationWorkers int
	DerivationDelay   time.Duration
	PathCacheSize     int

	ShutdownTimeout time.Duration
	// MetricsRegisterer receives the prometheus collectors when set.
	MetricsRegisterer prometheus.Registerer
}

func (c *Config) applyDefaults() { // A
	if c.MonitorID == "" {
		c.MonitorID = registry.DefaultMonitorID
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = registry.DefaultSendTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = registry.DefaultProbeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = registry.DefaultQueueSize
	}
	if c.DerivationWorkers <= 0 {
		c.DerivationWorkers = 4
	}
	if c.PathCacheSize <= 0 {
		c.PathCacheSize = routing.DefaultPathCacheSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error { // A
	if c.DerivationDelay < 0 {
		return errors.New("citynet: negative derivation delay")
	}
	if c.ProbeInterval > 0 && c.ProbeTimeout <= c.ProbeInterval {
		return fmt.Errorf("citynet: probe timeout %s must exceed probe interval %s",
			c.ProbeTimeout, c.ProbeInterval)
	}
	return nil
}

// ConfigFromFile maps a daemon configuration onto a Network Config.
func ConfigFromFile(fc config.Config, logger *slog.Logger) Config { // A
	return Config{
		Logger:            logger,
		DataPath:          fc.DataPath,
		SnapshotHistory:   fc.Network.SnapshotHistory,
		MonitorID:         fc.Network.MonitorID,
		SendTimeout:       fc.Network.SendTimeout,
		ProbeInterval:     fc.Network.ProbeInterval,
		ProbeTimeout:      fc.Network.ProbeTimeout,
		QueueSize:         fc.Network.QueueSize,
		DerivationWorkers: fc.Network.DerivationWorkers,
		DerivationDelay:   fc.Network.DerivationDelay,
		PathCacheSize:     fc.Network.PathCacheSize,
	}
}
