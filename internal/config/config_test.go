package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func TestNodeConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *NodeConfig)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *NodeConfig) {},
		},
		{
			name:        "invalid port",
			mutate:      func(c *NodeConfig) { c.Node.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "no devices",
			mutate:      func(c *NodeConfig) { c.Capture.Devices = nil },
			expectError: true,
			errorMsg:    "at least one device",
		},
		{
			name:        "duplicate device",
			mutate:      func(c *NodeConfig) { c.Capture.Devices = []string{"hw:1,0", "hw:1,0"} },
			expectError: true,
			errorMsg:    "listed twice",
		},
		{
			name:        "unknown driver",
			mutate:      func(c *NodeConfig) { c.Capture.Driver = "pulse" },
			expectError: true,
			errorMsg:    "driver must be",
		},
		{
			name:        "temp dir equals storage path",
			mutate:      func(c *NodeConfig) { c.Storage.TempDir = c.Storage.Path },
			expectError: true,
			errorMsg:    "temp_dir must differ",
		},
		{
			name:        "zero retention",
			mutate:      func(c *NodeConfig) { c.Storage.RetentionHours = 0 },
			expectError: true,
			errorMsg:    "retention_hours must be positive",
		},
		{
			name:        "bad log level",
			mutate:      func(c *NodeConfig) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNodeConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestLoadNode(t *testing.T) {
	path := writeConfig(t, `
node:
  name: "rpi-north"
  port: 5002
capture:
  driver: "sine"
  devices: ["hw:1,0", "hw:2,0"]
  sample_rate: 48000
storage:
  path: "/data/rec"
  temp_dir: "/data/tmp"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}

	if cfg.Node.Name != "rpi-north" || cfg.Node.Port != 5002 {
		t.Errorf("Unexpected node identity: %+v", cfg.Node)
	}
	if len(cfg.Capture.Devices) != 2 {
		t.Errorf("Expected 2 devices, got %v", cfg.Capture.Devices)
	}
	if cfg.Capture.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", cfg.Capture.SampleRate)
	}
	// Omitted keys keep their defaults.
	if cfg.Capture.PeriodSize != 4096 {
		t.Errorf("Expected default period size 4096, got %d", cfg.Capture.PeriodSize)
	}
	if cfg.Storage.FilePrefix != "PZOrec" {
		t.Errorf("Expected default prefix, got %q", cfg.Storage.FilePrefix)
	}
	if cfg.Node.BindAddress != "0.0.0.0" {
		t.Errorf("Expected default bind address, got %q", cfg.Node.BindAddress)
	}
}

func TestLoadNodeEnvOverride(t *testing.T) {
	t.Setenv(EnvNodeName, "from-env")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := LoadNode(writeConfig(t, "node:\n  name: from-file\n"))
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if cfg.Node.Name != "from-env" {
		t.Errorf("Expected env name override, got %q", cfg.Node.Name)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env log level override, got %q", cfg.Logging.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadNode("nonexistent.yaml"); err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected read error, got %v", err)
	}

	if _, err := LoadNode(writeConfig(t, "node:\n  port: not_a_number\n")); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got %v", err)
	}

	if _, err := LoadFleet(writeConfig(t, "transfer:\n  method: sftp\n")); err == nil || !strings.Contains(err.Error(), "at least one node") {
		t.Errorf("Expected missing nodes error, got %v", err)
	}
}

func TestLoadFleet(t *testing.T) {
	t.Setenv(EnvTransferPassword, "secret")

	path := writeConfig(t, `
nodes:
  - name: "rpi-1"
    ip_address: "10.0.0.11"
    port: 5001
  - name: "rpi-2"
    ip_address: "10.0.0.12"
    port: 5001
transfer:
  username: "pi"
  local_storage_path: "/srv/pac"
schedule:
  poll_interval: 2.5
run:
  duration: 30
  repetitions: 4
`)

	cfg, err := LoadFleet(path)
	if err != nil {
		t.Fatalf("LoadFleet failed: %v", err)
	}

	if len(cfg.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(cfg.Nodes))
	}
	if got := cfg.Nodes[1].CommandAddress(); got != "10.0.0.12:5001" {
		t.Errorf("CommandAddress() = %q", got)
	}
	if cfg.Transfer.Password != "secret" {
		t.Errorf("Expected password from environment")
	}
	if cfg.Schedule.GetPollInterval() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s poll interval, got %v", cfg.Schedule.GetPollInterval())
	}
	if cfg.Schedule.GetGridStep() != 10*time.Second {
		t.Errorf("Expected default 10s grid, got %v", cfg.Schedule.GetGridStep())
	}
	if cfg.Run.Repetitions != 4 || cfg.Run.GetDuration() != 30*time.Second {
		t.Errorf("Unexpected run config: %+v", cfg.Run)
	}
}

func TestFleetConfigValidation(t *testing.T) {
	base := func() *FleetConfig {
		cfg := DefaultFleetConfig()
		cfg.Nodes = []NodeEntry{{Name: "a", Address: "10.0.0.1", Port: 5001}}
		return cfg
	}

	tests := []struct {
		name     string
		mutate   func(c *FleetConfig)
		errorMsg string
	}{
		{"valid", func(c *FleetConfig) {}, ""},
		{"duplicate node", func(c *FleetConfig) { c.Nodes = append(c.Nodes, c.Nodes[0]) }, "duplicate node name"},
		{"node without address", func(c *FleetConfig) { c.Nodes[0].Address = "" }, "ip_address cannot be empty"},
		{"min lead above grid", func(c *FleetConfig) { c.Schedule.MinLead = 20 }, "min_lead must be between"},
		{"unknown transfer", func(c *FleetConfig) { c.Transfer.Method = "ftp" }, "method must be"},
		{"local transfer needs no user", func(c *FleetConfig) {
			c.Transfer.Method = "local"
			c.Transfer.Username = ""
		}, ""},
		{"zero repetitions", func(c *FleetConfig) { c.Run.Repetitions = 0 }, "repetitions must be at least 1"},
		{"zero poll tries", func(c *FleetConfig) { c.Schedule.MaxPollTries = 0 }, "max_poll_tries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestNodeDurationHelpers(t *testing.T) {
	capture := CaptureConfig{StatusInterval: 5, FragmentSizeMB: 2, MinFreeMB: 1}

	if capture.GetStatusInterval() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", capture.GetStatusInterval())
	}
	if capture.GetFragmentBytes() != 2<<20 {
		t.Errorf("Expected 2 MiB, got %d", capture.GetFragmentBytes())
	}
	if capture.GetMinFreeBytes() != 1<<20 {
		t.Errorf("Expected 1 MiB, got %d", capture.GetMinFreeBytes())
	}

	storage := StorageConfig{RetentionHours: 3}
	if storage.GetRetention() != 3*time.Hour {
		t.Errorf("Expected 3h retention, got %v", storage.GetRetention())
	}
}
