// Package main is the entry point for the LimiQuantix fabric scheduler.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/fabric/internal/claim"
	"github.com/limiquantix/fabric/internal/conductor"
	"github.com/limiquantix/fabric/internal/config"
	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/hoststate"
	"github.com/limiquantix/fabric/internal/ledger"
	"github.com/limiquantix/fabric/internal/scheduler"
	"github.com/limiquantix/fabric/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("LimiQuantix Fabric Scheduler")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting LimiQuantix Fabric Scheduler",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("ledger_endpoint", cfg.Ledger.Endpoint),
	)

	ledgerClient := ledger.NewHTTPClient(cfg.Ledger, logger)
	cache := hoststate.New(ledgerClient, cfg.Cache, logger)

	sched, err := scheduler.New(cache, ledgerClient, cfg.Scheduler, logger)
	if err != nil {
		logger.Fatal("Failed to build scheduler", zap.Error(err))
	}

	ratios := map[domain.ResourceClass]float64{
		domain.ResourceVCPU:     cfg.Scheduler.OvercommitCPU,
		domain.ResourceMemoryMB: cfg.Scheduler.OvercommitMemory,
		domain.ResourceDiskGB:   cfg.Scheduler.OvercommitDisk,
	}
	claimer := claim.New(ledgerClient, ratios, logger)
	driver := conductor.NewHTTPDriver(cfg.Driver, logger)
	cond := conductor.New(sched, claimer, ledgerClient, cache, driver, cfg.Conductor, logger)

	srv := server.New(cfg, cond, cache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	go cache.Start(ctx)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
