package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/client"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/fleet"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/orchestrator"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/retrieval"
)

// app holds the components shared by all commands.
type app struct {
	cfg       *config.FleetConfig
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	clients   []*client.Client
	scheduler *fleet.Scheduler
}

func newApp(cmd *cli.Command) (*app, error) {
	cfg, err := config.LoadFleet(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	logger := config.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	clientCfg := client.Config{
		DialTimeout:    cfg.Network.GetDialTimeout(),
		RequestTimeout: cfg.Network.GetRequestTimeout(),
	}

	a := &app{cfg: cfg, logger: logger, registry: registry, metrics: m}
	nodeClients := make([]fleet.NodeClient, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		c, err := client.New(n.Name, n.CommandAddress(), clientCfg, m)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		a.clients = append(a.clients, c)
		nodeClients = append(nodeClients, c)
	}

	a.scheduler, err = fleet.New(nodeClients, fleet.OptionsFromConfig(&cfg.Schedule), logger, m)
	if err != nil {
		return nil, err
	}

	logger.Debug("Fleet controller initialized",
		slog.String("version", version),
		slog.Int("nodes", len(cfg.Nodes)),
		slog.String("transfer_method", cfg.Transfer.Method))
	return a, nil
}

func (a *app) dialer() (retrieval.Dialer, error) {
	if a.cfg.Transfer.Method == "local" {
		return retrieval.LocalDialer{}, nil
	}
	return retrieval.NewSFTPDialer(&a.cfg.Transfer, a.cfg.Nodes, a.logger)
}

func (a *app) orchestrator() (*orchestrator.Orchestrator, *retrieval.Retriever, error) {
	d, err := a.dialer()
	if err != nil {
		return nil, nil, err
	}
	ret, err := retrieval.NewRetriever(d, retrieval.OptionsFromConfig(&a.cfg.Transfer), a.logger, a.metrics)
	if err != nil {
		return nil, nil, err
	}
	return orchestrator.New(a.scheduler, ret, orchestrator.RemoteDirs(a.cfg), a.logger, a.metrics), ret, nil
}

// serveMetrics exposes the registry while ctx is live, if enabled.
func (a *app) serveMetrics(ctx context.Context) func() {
	if !a.cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.nodeStatus())
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Metrics.Address, strconv.Itoa(a.cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Starting metrics server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", slog.String("error", err.Error()))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

type nodeStatus struct {
	fleet.NodeInfo
	Client client.ClientStats `json:"client"`
}

func (a *app) nodeStatus() []nodeStatus {
	nodes := a.scheduler.Nodes()
	out := make([]nodeStatus, len(nodes))
	for i, n := range nodes {
		out[i] = nodeStatus{NodeInfo: n.Info(), Client: a.clients[i].GetStats()}
	}
	return out
}
