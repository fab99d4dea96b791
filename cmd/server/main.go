package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/console"
	"github.com/boardlab/backend/internal/exec"
	"github.com/boardlab/backend/internal/infrastructure/config"
	"github.com/boardlab/backend/internal/infrastructure/logging"
	"github.com/boardlab/backend/internal/infrastructure/monitoring"
	"github.com/boardlab/backend/internal/infrastructure/tracing"
	"github.com/boardlab/backend/internal/panes"
	"github.com/boardlab/backend/internal/server"
	"github.com/boardlab/backend/internal/transport"
)

func main() {
	dev := flag.Bool("dev", false, "Development mode (colored debug logs)")
	flag.Parse()

	cfg := config.LoadOrDefault()

	logCfg := logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development || *dev,
		OutputPaths: []string{"stdout"},
	}
	if *dev {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("bad log config, using defaults", zap.Error(err))
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics(nil)
	tracer := tracing.New("console-backend", logger.Logger)

	// Device service collaborators: request/response API and the
	// multiplexed event channel.
	execClient := exec.NewClient(exec.Config{
		BaseURL:    cfg.DeviceService.APIURL,
		MaxRetries: cfg.Exec.MaxRetries,
	}, logger)

	consoleMgr := console.NewManager(execClient, nil, logger,
		console.WithExecTimeout(time.Duration(cfg.Exec.TimeoutSeconds)*time.Second),
		console.WithPortScanner(execClient),
		console.WithRecorder(metrics),
	)

	channel := transport.New(cfg.DeviceService.EventsURL, consoleMgr, logger,
		transport.WithRecorder(metrics))
	consoleMgr.SetSubscriber(channel)

	paneMgr := panes.NewManager(logger)
	hub := server.NewHub(logger, metrics)
	channel.Tap(hub.ForwardEnvelope)

	consoleMgr.AddNotifier(paneMgr)
	consoleMgr.AddNotifier(hub)

	preset, err := config.LoadLayoutPreset(cfg.Layout.PresetPath)
	if err != nil {
		logger.Warn("layout preset not loaded", zap.Error(err))
	}
	server.ApplyPreset(preset, paneMgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := channel.Connect(ctx); err != nil {
		// The channel reconnects on its own; startup continues.
		logger.Warn("event channel not connected", zap.Error(err))
	}

	srv := server.New(server.Deps{
		Config:  cfg,
		Console: consoleMgr,
		Panes:   paneMgr,
		Hub:     hub,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(cfg.Server.Host, cfg.Server.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := channel.Close(); err != nil {
		logger.Warn("channel close failed", zap.Error(err))
	}
}
