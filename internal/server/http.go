package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/session"
)

// SessionStatusProvider exposes the node's recording state.
type SessionStatusProvider interface {
	Status() session.Status
}

// HTTPServer provides HTTP API endpoints for monitoring a capture node
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.NodeConfig
	sessions  SessionStatusProvider
	tcpServer *TCPServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.NodeConfig,
	sessions SessionStatusProvider, tcpServer *TCPServer, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		tcpServer: tcpServer,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/capture", h.withMetrics("/capture", h.handleCapture))
	mux.HandleFunc("/files", h.withMetrics("/files", h.handleFiles))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the API's request router.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.sessions.Status()
	tcpStats := h.tcpServer.GetStatistics()

	storage := map[string]any{
		"path": h.config.Storage.Path,
	}
	if usage, err := disk.UsageWithContext(r.Context(), h.config.Storage.Path); err == nil {
		storage["free_bytes"] = usage.Free
		storage["used_percent"] = usage.UsedPercent
	} else {
		storage["error"] = err.Error()
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"node": map[string]any{
			"name": h.config.Node.Name,
			"port": h.config.Node.Port,
		},
		"components": map[string]any{
			"command_server": map[string]any{
				"status":             "running",
				"active_connections": tcpStats.ActiveConnections,
				"requests_handled":   tcpStats.RequestsHandled,
				"protocol_errors":    tcpStats.ProtocolErrors,
			},
			"capture": map[string]any{
				"active":   st.Active,
				"complete": st.Complete,
				"devices":  len(st.Capture.Devices),
			},
			"storage": storage,
		},
	}

	writeJSON(w, health)
}

// handleCapture implements the /capture endpoint
func (h *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.sessions.Status())
}

// handleFiles implements the /files endpoint
func (h *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files := h.sessions.Status().NewFiles
	if files == nil {
		files = []string{}
	}

	writeJSON(w, map[string]any{
		"directory": h.config.Storage.Path,
		"count":     len(files),
		"files":     files,
		"timestamp": time.Now().UTC(),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"node": map[string]any{
			"name":         h.config.Node.Name,
			"bind_address": h.config.Node.BindAddress,
			"port":         h.config.Node.Port,
		},
		"capture": map[string]any{
			"driver":      h.config.Capture.Driver,
			"devices":     h.config.Capture.Devices,
			"sample_rate": h.config.Capture.SampleRate,
			"channels":    h.config.Capture.Channels,
			"period_size": h.config.Capture.PeriodSize,
			"periods":     h.config.Capture.Periods,
		},
		"storage": map[string]any{
			"path":            h.config.Storage.Path,
			"temp_dir":        h.config.Storage.TempDir,
			"file_prefix":     h.config.Storage.FilePrefix,
			"retention_hours": h.config.Storage.RetentionHours,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.sessions.Status()

	writeJSON(w, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"tcp":       h.tcpServer.GetStatistics(),
		"sessions": map[string]any{
			"started":  st.Started,
			"finished": st.Finished,
			"failed":   st.Failed,
			"rejected": st.Rejected,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "Passive Audio Capture Node",
		"node":    h.config.Node.Name,
		"endpoints": map[string]any{
			"GET /":        "API documentation",
			"GET /health":  "Node health check",
			"GET /capture": "Recording session and device status",
			"GET /files":   "Recordings produced by the last session",
			"GET /config":  "Node configuration",
			"GET /stats":   "Command server and session statistics",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
