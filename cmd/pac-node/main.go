package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/capture"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/catalog"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/server"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/session"
)

const (
	defaultConfigPath = "configs/node.yaml"
	serviceName       = "pac-node"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout).With(slog.String("node", cfg.Node.Name))

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Node.BindAddress),
		slog.Int("port", cfg.Node.Port),
		slog.String("driver", cfg.Capture.Driver),
		slog.Any("devices", cfg.Capture.Devices),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("channels", cfg.Capture.Channels),
		slog.Int("period_size", cfg.Capture.PeriodSize),
		slog.Int("periods", cfg.Capture.Periods),
		slog.String("storage_path", cfg.Storage.Path),
		slog.Duration("retention", cfg.Storage.GetRetention()),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	var opener audio.Opener
	switch cfg.Capture.Driver {
	case "sine":
		opener = audio.SineOpener{Frequency: cfg.Capture.ToneFrequency}
	default:
		opener = audio.ArecordOpener{Logger: logger}
	}

	coord, err := capture.NewCoordinator(capture.Config{
		Devices: cfg.Capture.Devices,
		Format: audio.Format{
			SampleRate:   cfg.Capture.SampleRate,
			Channels:     cfg.Capture.Channels,
			PeriodFrames: cfg.Capture.PeriodSize,
			Periods:      cfg.Capture.Periods,
		},
		StoragePath:    cfg.Storage.Path,
		TempDir:        cfg.Storage.TempDir,
		FilePrefix:     cfg.Storage.FilePrefix,
		StatusInterval: cfg.Capture.GetStatusInterval(),
		FragmentBytes:  cfg.Capture.GetFragmentBytes(),
		MinFreeBytes:   cfg.Capture.GetMinFreeBytes(),
	}, opener, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create capture coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Capture coordinator initialized", slog.Int("devices", len(cfg.Capture.Devices)))

	cat, err := catalog.New(cfg.Storage.Path, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create file catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessions := session.NewManager(coord, cat, cfg.Storage.GetRetention(), logger)

	tcpServer := server.NewTCPServer(&cfg.Node, logger, sessions, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, sessions, tcpServer, appMetrics, registry)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start command server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", slog.String("error", err.Error()))
	} else if ok {
		logger.Debug("Notified systemd of readiness")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for commands...",
		slog.String("command_address", tcpServer.Addr().String()),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	logger.Info("Starting graceful shutdown...")

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping command server", slog.String("error", err.Error()))
	}

	// Interrupts a running capture; what was recorded so far is finalized.
	sessions.Stop()

	stats := tcpServer.GetStatistics()
	st := sessions.Status()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("requests_handled", stats.RequestsHandled),
		slog.Uint64("protocol_errors", stats.ProtocolErrors),
		slog.Uint64("sessions_started", st.Started),
		slog.Uint64("sessions_finished", st.Finished),
		slog.Uint64("sessions_failed", st.Failed),
	)

	logger.Info("Service stopped")
}
