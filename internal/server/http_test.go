package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/session"
)

type staticStatus struct {
	status session.Status
}

func (s staticStatus) Status() session.Status {
	return s.status
}

func newTestHTTPServer(t *testing.T, st session.Status) *HTTPServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultNodeConfig()
	cfg.Storage.Path = t.TempDir()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	tcp := NewTCPServer(&cfg.Node, logger, &fakeService{}, m)

	return NewHTTPServer(cfg.HTTP, logger, cfg, staticStatus{st}, tcp, m, reg)
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Code == http.StatusOK && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
	}
	return rec.Code, body
}

func TestHTTPServerEndpoints(t *testing.T) {
	h := newTestHTTPServer(t, session.Status{
		Complete: true,
		NewFiles: []string{"PZOrec_2024_05_06_07_08_10_Udev0.wav"},
		Started:  1,
		Finished: 1,
	}).Handler()

	code, body := getJSON(t, h, "/health")
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("/health: %d %v", code, body)
	}

	code, body = getJSON(t, h, "/files")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("/files: %d %v", code, body)
	}

	code, body = getJSON(t, h, "/capture")
	if code != http.StatusOK || body["complete"] != true {
		t.Errorf("/capture: %d %v", code, body)
	}

	code, body = getJSON(t, h, "/stats")
	if code != http.StatusOK || body["tcp"] == nil {
		t.Errorf("/stats: %d %v", code, body)
	}

	code, body = getJSON(t, h, "/config")
	if code != http.StatusOK || body["storage"] == nil {
		t.Errorf("/config: %d %v", code, body)
	}

	code, body = getJSON(t, h, "/")
	if code != http.StatusOK || body["endpoints"] == nil {
		t.Errorf("/: %d %v", code, body)
	}

	if code, _ := getJSON(t, h, "/nope"); code != http.StatusNotFound {
		t.Errorf("/nope: %d", code)
	}
}

func TestHTTPServerMetrics(t *testing.T) {
	h := newTestHTTPServer(t, session.Status{}).Handler()

	getJSON(t, h, "/health")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Errorf("/metrics missing request counter:\n%s", rec.Body.String())
	}
}

func TestHTTPServerMethodNotAllowed(t *testing.T) {
	h := newTestHTTPServer(t, session.Status{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capture", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /capture: %d", rec.Code)
	}
}
