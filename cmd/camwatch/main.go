// Package main is the CamWatch server: liveness monitoring, stream sessions
// and the realtime feed
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Spatial-NVR/CamWatch/internal/api"
	"github.com/Spatial-NVR/CamWatch/internal/camera"
	"github.com/Spatial-NVR/CamWatch/internal/config"
	"github.com/Spatial-NVR/CamWatch/internal/core"
	"github.com/Spatial-NVR/CamWatch/internal/database"
	"github.com/Spatial-NVR/CamWatch/internal/logging"
	"github.com/Spatial-NVR/CamWatch/internal/monitor"
	"github.com/Spatial-NVR/CamWatch/internal/mqtt"
	"github.com/Spatial-NVR/CamWatch/internal/notification"
	"github.com/Spatial-NVR/CamWatch/internal/probe"
	"github.com/Spatial-NVR/CamWatch/internal/stream"
)

const (
	version         = "0.1.0"
	defaultDataPath = "/data"
)

func main() {
	if err := run(); err != nil {
		slog.Error("CamWatch exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := getEnv("CONFIG_PATH", filepath.Join(dataPath, "config.yaml"))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logBuffer := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		BufferSize: cfg.Logging.BufferSize,
	}, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting CamWatch", "version", version, "config_path", configPath, "data_path", cfg.Server.DataPath)

	if err := os.MkdirAll(cfg.Server.DataPath, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	dbCfg := database.DefaultConfig(cfg.Server.DataPath)
	dbCfg.Driver = cfg.Database.Type
	dbCfg.Path = cfg.Database.Path
	dbCfg.DSN = cfg.Database.DSN
	db, err := database.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Embedded NATS event bus
	busCfg := core.DefaultEventBusConfig()
	busCfg.Host = cfg.Events.Host
	busCfg.Port = cfg.Events.Port
	bus, err := core.NewEventBus(busCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	cameras := camera.NewRepository(db)
	ledger := notification.NewLedger(db)
	prober := probe.New(probe.WithConcurrency(cfg.Monitor.Concurrency))

	listeners := []monitor.Listener{notification.NewTransitionHandler(cameras, ledger, bus)}
	if cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(mqtt.Config{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			BaseTopic: cfg.MQTT.BaseTopic,
		})
		if err != nil {
			slog.Error("MQTT republish disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer pub.Close()
			listeners = append(listeners, pub)
		}
	}

	settings := cfg.MonitorSettings()
	scheduler := monitor.New(cameras, prober, monitor.Config{
		Interval:     settings.Interval.Std(),
		ProbeTimeout: settings.ProbeTimeout.Std(),
	}, listeners...)

	// Stream sessions
	supervisor := stream.NewSupervisor(stream.Config{
		OutputDir:      cfg.Stream.OutputDir,
		SegmentSeconds: cfg.Stream.SegmentSeconds,
		ListSize:       cfg.Stream.ListSize,
		StartTimeout:   cfg.Stream.StartTimeout.Std(),
		IdleTimeout:    cfg.Stream.IdleTimeout.Std(),
		ReapInterval:   cfg.Stream.ReapInterval.Std(),
	}, stream.NewFFmpegSpawner(cfg.Stream.FFmpegPath))
	supervisor.StartReaper(ctx)

	// Realtime fan-out
	hub := api.NewHub(api.HubConfig{
		PingInterval:   cfg.Realtime.PingInterval.Std(),
		MaxMissedPings: cfg.Realtime.MaxMissedPings,
		WriteTimeout:   cfg.Realtime.WriteTimeout.Std(),
		SendBuffer:     cfg.Realtime.SendBuffer,
	})
	if err := hub.Bridge(bus); err != nil {
		return fmt.Errorf("failed to bridge event bus: %w", err)
	}

	// Hot reload of the sweep settings
	cfg.OnChange(func(c *config.Config) {
		m := c.MonitorSettings()
		scheduler.SetInterval(m.Interval.Std())
		scheduler.SetProbeTimeout(m.ProbeTimeout.Std())
		if err := bus.Publish(core.SubjectConfigChanged, map[string]interface{}{
			"monitor_interval": m.Interval.Std().String(),
			"probe_timeout":    m.ProbeTimeout.Std().String(),
		}); err != nil {
			slog.Warn("Failed to publish config change", "error", err)
		}
	})
	stopWatch, err := cfg.Watch()
	if err != nil {
		slog.Warn("Config file watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	scheduler.Start(ctx)

	router := api.NewRouter(api.RouterConfig{
		Hub:           hub,
		Streams:       api.NewStreamHandler(supervisor, cameras),
		Cameras:       api.NewCameraHandler(cameras, prober, settings.InteractiveTimeout.Std()),
		Monitor:       api.NewMonitorHandler(scheduler),
		Notifications: api.NewNotificationHandler(ledger),
		System: api.NewSystemHandler(map[string]api.HealthChecker{
			"database": api.HealthCheckFunc(db.Health),
			"events":   api.HealthCheckFunc(bus.HealthCheck),
		}, logBuffer, cfg.Server.DataPath),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	// Stream start blocks until the transcoder is up, so writes may take
	// longer than stream.start_timeout
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Stream.StartTimeout.Std() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	if err := bus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "signal"}); err != nil {
		slog.Warn("Failed to publish shutdown", "error", err)
	}

	scheduler.Stop()
	supervisor.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
	return runErr
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
