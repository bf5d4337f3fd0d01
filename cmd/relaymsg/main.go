package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaymsg/internal/capture"
	"github.com/agentworkforce/relaymsg/internal/clock"
	"github.com/agentworkforce/relaymsg/internal/collector"
	"github.com/agentworkforce/relaymsg/internal/engine"
	"github.com/agentworkforce/relaymsg/internal/httpapi"
	"github.com/agentworkforce/relaymsg/internal/outbox"
	"github.com/agentworkforce/relaymsg/internal/platform"
)

const syncTaskName = "liveness-sync"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	listenAddr := pflag.String("addr", "", "listen address override")
	pflag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listenAddr) != "" {
		config.ListenAddr = *listenAddr
	}

	logger := newLogger(config.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config, logger *slog.Logger) error {
	clk := clock.Real()

	store, err := outbox.BuildEventStoreFromDSN(config.StoreDSN, clk, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := capture.NewHub()
	ingestor, err := capture.NewIngestor(store, hub, clk, logger)
	if err != nil {
		return err
	}

	var client collector.Client
	if config.Sync.Enabled {
		client, err = collector.NewHTTPClient(collector.HTTPClientOptions{
			BaseURL:   config.Collector.BaseURL,
			DeviceID:  config.DeviceID,
			DeviceKey: config.Collector.DeviceKey,
			UserAgent: "relaymsg-agent",
		})
		if err != nil {
			return err
		}
	}

	process, permission, alerter, err := buildPlatform(config, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(store, client, process, permission, alerter, clk, logger, engine.Config{
		SyncEnabled:        config.Sync.Enabled,
		BatchSize:          config.Sync.BatchSize,
		RetryCeiling:       config.Sync.RetryCeiling,
		PacingDelay:        config.Sync.PacingDelay,
		DeliveredRetention: config.Sync.DeliveredRetention,
		SafetyNetRetention: config.Sync.SafetyNetRetention,
	})
	if err != nil {
		return err
	}

	scheduler := engine.NewScheduler(clk, logger, config.Sync.RetryDelay)
	defer scheduler.Close()

	server, err := httpapi.NewServer(store, ingestor, hub, func() error {
		return scheduler.Submit(syncTaskName)
	}, httpapi.ServerConfig{
		APIToken:     config.APIToken,
		SyncEnabled:  config.Sync.Enabled,
		SyncInterval: config.Sync.Interval,
	}, logger)
	if err != nil {
		return err
	}

	task := func(ctx context.Context) error {
		report, err := eng.RunOnce(ctx)
		server.RecordRun(report)
		return err
	}
	if err := scheduler.Schedule(ctx, syncTaskName, config.Sync.Interval, task); err != nil {
		return err
	}
	// Drain whatever accumulated while the agent was down.
	if err := scheduler.Submit(syncTaskName); err != nil {
		return err
	}

	if strings.TrimSpace(config.SpoolDir) != "" {
		watcher, err := capture.NewSpoolWatcher(config.SpoolDir, ingestor, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("spool watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("relaymsg listening", "addr", config.ListenAddr, "sync_enabled", config.Sync.Enabled)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}

func buildPlatform(config Config, logger *slog.Logger) (platform.ProcessProbe, platform.PermissionProbe, platform.Alerter, error) {
	var process platform.ProcessProbe
	if strings.TrimSpace(config.Capture.Pidfile) != "" {
		probe, err := platform.NewPidfileProbe(config.Capture.Pidfile, config.Capture.StartCommand)
		if err != nil {
			return nil, nil, nil, err
		}
		process = probe
	} else {
		// Liveness managed externally (systemd, launchd, the spool
		// writer itself).
		process = &platform.StaticProcessProbe{Alive: true}
	}

	var permission platform.PermissionProbe
	if len(config.Capture.PermissionCommand) > 0 {
		probe, err := platform.NewCommandPermissionProbe(config.Capture.PermissionCommand)
		if err != nil {
			return nil, nil, nil, err
		}
		permission = probe
	} else {
		permission = &platform.StaticPermissionProbe{Answer: true}
	}

	var alerter platform.Alerter
	if len(config.Alert.RaiseCommand) > 0 {
		commandAlerter, err := platform.NewCommandAlerter(config.Alert.RaiseCommand, config.Alert.ClearCommand, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		alerter = commandAlerter
	} else {
		alerter = platform.NewLogAlerter(logger)
	}
	return process, permission, alerter, nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "", "info":
		slogLevel = slog.LevelInfo
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
