// Package main provides the entry point for the options pilot server: the
// stage orchestrator, the market-open scheduler and the HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/optionpilot/trading-backend/internal/api"
	"github.com/optionpilot/trading-backend/internal/config"
	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/journal"
	"github.com/optionpilot/trading-backend/internal/metrics"
	"github.com/optionpilot/trading-backend/internal/orchestrator"
	"github.com/optionpilot/trading-backend/internal/pipeline"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/plugins"
	"github.com/optionpilot/trading-backend/internal/regime"
	"github.com/optionpilot/trading-backend/internal/scheduler"
	"github.com/optionpilot/trading-backend/internal/tracing"
	"github.com/optionpilot/trading-backend/internal/workers"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	envFile := flag.String("env", ".env", "Dotenv file loaded before the environment")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*envFile, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting "+cfg.AppName,
		zap.String("version", cfg.Version),
		zap.String("symbol", cfg.Trading.Symbol),
		zap.String("spreadType", cfg.Trading.SpreadType),
		zap.Bool("paperTrading", cfg.Trading.PaperTrading),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "option-pilot",
		Version:     cfg.Version,
		PrettyPrint: cfg.Tracing.PrettyPrint,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Shared I/O pool for vendor round trips
	pool := workers.NewPool(logger, &workers.PoolConfig{
		Name:            "io",
		NumWorkers:      cfg.Workers.IOWorkers,
		QueueSize:       cfg.Workers.QueueSize,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	})
	pool.Start()

	ledger := execution.NewPaperLedger(logger, decimal.NewFromFloat(cfg.Trading.AccountEquity))
	regimes := regime.NewRegimeDetector(logger, &regime.RegimeConfig{
		ATRPeriod:        cfg.Trading.ATRPeriod,
		HighVolThreshold: cfg.Trading.HighVolThreshold,
		HistoryLimit:     100,
	})

	registry := orchestrator.NewRegistry()
	if err := plugins.Register(registry, plugins.Deps{Pool: pool, Ledger: ledger, Regimes: regimes}); err != nil {
		logger.Fatal("Failed to register plugins", zap.Error(err))
	}

	pluginCfg := cfg.PluginConfig()
	orchCfg := orchestrator.DefaultOrchestratorConfig()
	for role, name := range cfg.Plugins.Implementations() {
		orchCfg.Implementations[orchestrator.Role(role)] = name
	}
	orchCfg.Plugin = pluginCfg
	orchCfg.InitTimeout = cfg.Orchestrator.InitTimeout
	orchCfg.ShutdownTimeout = cfg.Orchestrator.ShutdownTimeout

	orch := orchestrator.New(logger, registry, orchCfg)
	m := metrics.NewMetrics(nil)

	// Stages that fail to load or initialize stay unavailable; the API
	// reports them and runs fail at that stage.
	if err := orch.Load(ctx); err != nil {
		logger.Warn("Some plugins failed to load", zap.Error(err))
	}
	if err := orch.InitializeAll(ctx); err != nil {
		logger.Warn("Some plugins failed to initialize", zap.Error(err))
	}
	for _, s := range orch.Status() {
		m.SetStageReady(string(s.Role), s.Implementation, s.State == plugin.StateReady.String())
	}

	bus := events.NewEventBus(logger)
	runner := pipeline.NewRunner(logger, pipeline.RunnerConfigFrom(pluginCfg), orch, bus, m)
	runner.SetSettler(ledger)

	// Persistence
	var history api.RunHistory
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			logger.Fatal("Failed to create journal directory", zap.Error(err))
		}
		j, err := journal.Open(logger, cfg.Journal.Path)
		if err != nil {
			logger.Fatal("Failed to open journal", zap.Error(err))
		}
		defer j.Close()
		j.Subscribe(bus)
		history = j
	}

	if cfg.Redis.Enabled {
		pubCfg := journal.DefaultPublisherConfig()
		pubCfg.Addr = cfg.Redis.Addr
		pubCfg.Password = cfg.Redis.Password
		pubCfg.DB = cfg.Redis.DB
		pubCfg.Channel = cfg.Redis.Channel
		publisher := journal.NewRedisPublisher(logger, pubCfg)
		defer publisher.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, pubCfg.Timeout)
		if err := publisher.Ping(pingCtx); err != nil {
			logger.Warn("Redis unreachable, publishing anyway", zap.Error(err))
		}
		pingCancel()
		publisher.Subscribe(bus)
	}

	// Market-open trigger
	sched := scheduler.New(logger)
	err = sched.Register(cfg.Schedule, func(ctx context.Context, triggerID string) {
		res, err := runner.Run(ctx, triggerID)
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return
		}
		if err != nil {
			logger.Error("Scheduled run failed", zap.String("trigger", triggerID), zap.Error(err))
			return
		}
		logger.Info("Scheduled run complete",
			zap.String("trigger", triggerID),
			zap.String("status", string(res.Status)),
		)
	})
	if err != nil {
		logger.Fatal("Failed to register schedule", zap.Error(err))
	}
	sched.Start()

	spreadType, _ := types.ParseSpreadType(strings.ToUpper(cfg.Trading.SpreadType))
	server := api.NewServer(logger, &cfg.Server, api.Options{
		AppName:       cfg.AppName,
		Version:       cfg.Version,
		PaperTrading:  cfg.Trading.PaperTrading,
		Symbol:        cfg.Trading.Symbol,
		HistoryPeriod: cfg.Trading.HistoryPeriod,
		SpreadType:    spreadType,
		Stages:        orch,
		Runner:        runner,
		Scheduler:     sched,
		Journal:       history,
		Portfolio:     ledger,
		Regimes:       regimes,
		Metrics:       m,
		Bus:           bus,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.Bool("healthy", orch.Healthy()),
	)
	for _, job := range sched.Jobs() {
		logger.Info("Next scheduled run", zap.String("trigger", job.ID), zap.Time("at", job.NextRun))
	}

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// No new fires; an in-flight run gets the shutdown window to finish.
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping scheduler", zap.Error(err))
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	if err := orch.ShutdownAll(shutdownCtx); err != nil {
		logger.Error("Error shutting down plugins", zap.Error(err))
	}
	for _, s := range orch.Status() {
		m.SetStageReady(string(s.Role), s.Implementation, false)
	}
	bus.Wait()

	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	cancel()
	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
