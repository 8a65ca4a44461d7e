// Command pingpongd runs the ping-pong grid trading daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pingpong/internal/adapter/binance"
	"pingpong/internal/adapter/gateway"
	"pingpong/internal/adapter/mock"
	"pingpong/internal/config"
	"pingpong/internal/core"
	"pingpong/internal/engine"
	"pingpong/internal/infrastructure/health"
	"pingpong/internal/infrastructure/metrics"
	"pingpong/internal/logging"
	"pingpong/internal/store"
	"pingpong/internal/telemetry"
)

// runner is an adapter with its own event loop.
type runner interface {
	Run(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := telemetry.InitLogs(); err != nil {
		return fmt.Errorf("failed to init log exporter: %w", err)
	}
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return err
	}
	logging.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pingpongd", "adapter", cfg.App.Adapter, "markets", len(cfg.Markets))

	settings := cfg.EngineSettings()
	pm := engine.NewPositionManager(settings, logger, telemetry.GetMeter("pingpong_engine"))

	marketNames := make([]string, 0, len(cfg.Markets))
	for name, marketCfg := range cfg.Markets {
		marketSettings, err := marketCfg.MarketSettings()
		if err != nil {
			return fmt.Errorf("market %s: %w", name, err)
		}
		pm.SetMarketSettings(name, marketSettings)
		marketNames = append(marketNames, name)
	}
	sort.Strings(marketNames)

	if cfg.App.JournalPath != "" {
		journal, err := store.NewFillJournal(cfg.App.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open fill journal: %w", err)
		}
		defer journal.Close()
		pm.SetJournal(journal)
	}

	adapter, err := buildAdapter(cfg, marketNames, pm, logger)
	if err != nil {
		return err
	}
	pm.SetAdapter(adapter)

	if cfg.App.SnapshotFile != "" {
		if _, err := os.Stat(cfg.App.SnapshotFile); err == nil {
			applied, err := pm.LoadSnapshot(cfg.App.SnapshotFile)
			if err != nil {
				return fmt.Errorf("failed to restore snapshot: %w", err)
			}
			logger.Info("restored snapshot", "file", cfg.App.SnapshotFile, "orders", applied)
		}
	}

	healthManager := health.NewHealthManager(logger)
	healthManager.Register("adapter_queue", func() error {
		if adapter.QueuedCommands() > 100 {
			return fmt.Errorf("adapter queue too deep: %d", adapter.QueuedCommands())
		}
		return nil
	})

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	fastTick := time.Duration(cfg.App.FastTickMs) * time.Millisecond
	slowTick := time.Duration(cfg.App.SlowTickMs) * time.Millisecond
	group.Go(func() error { return pm.Run(groupCtx, fastTick, slowTick) })

	if r, ok := adapter.(runner); ok {
		group.Go(func() error { return r.Run(groupCtx) })
	}

	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-ticker.C:
				if !healthManager.IsHealthy() {
					logger.Warn("health degraded", "status", healthManager.GetStatus())
				}
			}
		}
	})

	err = group.Wait()

	// best-effort snapshot on the way out, then local cleanup if asked
	if saveErr := pm.SaveMarket("all", 0); saveErr != nil {
		logger.Error("shutdown snapshot failed", "error", saveErr)
	}
	if cfg.System.CancelOnExit {
		pm.CancelLocal("all")
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}

	logger.Info("pingpongd stopped")
	return err
}

func buildAdapter(cfg *config.Config, marketNames []string, pm *engine.PositionManager,
	logger core.ILogger) (engine.ExchangeAdapter, error) {

	switch cfg.App.Adapter {
	case "mock":
		return mock.New(core.ExchangeTraits{Name: "mock", HasPostOnly: true, TickSlippage: true}), nil

	case "binance":
		exchange := cfg.Exchanges["binance"]
		return binance.New(exchange.APIKey, exchange.SecretKey, marketNames, pm, logger), nil

	case "gateway":
		exchange := cfg.Exchanges["gateway"]
		return gateway.New(gateway.Config{
			BaseURL:   exchange.BaseURL,
			StreamURL: exchange.StreamURL,
			APIKey:    exchange.APIKey,
			SecretKey: exchange.SecretKey,
			Markets:   marketNames,
		}, pm, logger), nil

	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.App.Adapter)
	}
}
