package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderfabric/internal/aggregator"
	"orderfabric/internal/bus"
	"orderfabric/internal/config"
	"orderfabric/internal/gateway"
	"orderfabric/internal/infrastructure/metrics"
	"orderfabric/pkg/logging"
	"orderfabric/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/aggregator.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aggregator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "aggregator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetGlobalLogger(logger)

	logger.Info("Starting aggregator",
		"version", version,
		"bus", cfg.Bus.URL,
		"gateway", cfg.Gateway.URL,
		"account", cfg.Gateway.AccountID,
	)

	tel, err := telemetry.Setup("orderfabric")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("orderfabric")); err != nil {
		logger.Warn("Failed to initialize metric instruments", "error", err)
	}

	busAdapter := bus.NewAdapter(cfg.Bus, logger)
	if err := busAdapter.Connect(); err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	defer busAdapter.Close()

	gatewayClient := gateway.NewClient(cfg.Gateway, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := aggregator.New(cfg, busAdapter, gatewayClient, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, engine.Health(), logger)
		metricsServer.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	engine.Stop()
	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsServer.Stop(shutdownCtx)
	}

	logger.Info("Aggregator stopped cleanly")
	return nil
}
