package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/citynet"
	"github.com/i5heu/citynet/internal/api"
	"github.com/i5heu/citynet/internal/config"
	"github.com/i5heu/citynet/pkg/logging"
	"github.com/i5heu/citynet/pkg/metrics"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeyMonitor    = "monitor"
	logKeyTopology   = "topology"
	logKeyError      = "error"
)

type Arguments struct {
	Config    string `arg:"--config,env:CITYNET_CONFIG" help:"YAML configuration file."`
	Listen    string `arg:"--listen,env:CITYNET_LISTEN" help:"HTTP listen address."`
	Data      string `arg:"--data,env:CITYNET_DATA" help:"Directory for topology snapshots. Empty disables persistence."`
	MonitorID string `arg:"--monitor-id,env:CITYNET_MONITOR_ID" help:"City name of the admin monitor."`
	LogLevel  string `arg:"--log-level,env:CITYNET_LOG_LEVEL" help:"Minimum log level: debug, info, warn or error."`
	Topology  string `arg:"--topology,env:CITYNET_TOPOLOGY" help:"JSON topology loaded at start."`
}

func (Arguments) Description() string { // A
	return "citynetd serves a city network that relays encrypted messages along its MST."
}

func main() { // A
	args := &Arguments{}
	arg.MustParse(args)

	cfg, err := resolveConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.NewStderr(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "citynetd exit with error", logKeyError, err)
		os.Exit(1)
	}
	logger.Info("gracefully shutdown")
}

// resolveConfig layers command line arguments over the config file.
func resolveConfig(args *Arguments) (config.Config, error) { // A
	cfg, err := config.Load(args.Config)
	if err != nil {
		return config.Config{}, err
	}
	if args.Listen != "" {
		cfg.Listen = args.Listen
	}
	if args.Data != "" {
		cfg.DataPath = args.Data
	}
	if args.MonitorID != "" {
		cfg.Network.MonitorID = args.MonitorID
	}
	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}
	if args.Topology != "" {
		cfg.TopologyFile = args.Topology
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	netConf := citynet.ConfigFromFile(cfg, logger)
	netConf.MetricsRegisterer = prometheus.DefaultRegisterer
	network, err := citynet.New(netConf)
	if err != nil {
		return err
	}
	if err := network.Start(ctx); err != nil {
		return err
	}

	server := api.New(network,
		api.WithLogger(logger.With("component", "api")),
		api.WithGatherer(metrics.DefaultGatherer))

	if cfg.TopologyFile != "" {
		data, err := os.ReadFile(cfg.TopologyFile)
		if err != nil {
			_ = network.Close(context.Background())
			return fmt.Errorf("read topology: %w", err)
		}
		res, err := server.LoadTopologyJSON(ctx, data)
		if err != nil {
			_ = network.Close(context.Background())
			return fmt.Errorf("load topology %s: %w", cfg.TopologyFile, err)
		}
		logger.InfoContext(ctx, "topology loaded",
			logKeyTopology, cfg.TopologyFile,
			"cities", res.Cities,
			"components", res.Components)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return network.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.InfoContext(ctx, "citynetd running",
		logKeyListenAddr, cfg.Listen,
		logKeyDataPath, cfg.DataPath,
		logKeyMonitor, cfg.Network.MonitorID)
	return g.Wait()
}
