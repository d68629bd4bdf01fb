package config

import (
	"fmt"
	"time"
)

// NodeConfig is the configuration of a single capture node daemon.
type NodeConfig struct {
	Node    NodeIdentityConfig `yaml:"node"`
	Capture CaptureConfig      `yaml:"capture"`
	Storage StorageConfig      `yaml:"storage"`
	HTTP    HTTPConfig         `yaml:"http"`
	Logging LoggingConfig      `yaml:"logging"`
}

// NodeIdentityConfig contains the node name and the command listener address
type NodeIdentityConfig struct {
	Name        string `yaml:"name"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	IdleTimeout int    `yaml:"idle_timeout"` // seconds
}

// CaptureConfig describes the local input devices and their PCM format
type CaptureConfig struct {
	Driver         string   `yaml:"driver"` // "arecord" or "sine"
	Devices        []string `yaml:"devices"`
	SampleRate     int      `yaml:"sample_rate"`
	Channels       int      `yaml:"channels"`
	PeriodSize     int      `yaml:"period_size"` // frames per read
	Periods        int      `yaml:"periods"`
	ToneFrequency  float64  `yaml:"tone_frequency"`  // Hz, sine driver only
	StatusInterval float64  `yaml:"status_interval"` // seconds
	FragmentSizeMB int      `yaml:"fragment_size_mb"`
	MinFreeMB      int      `yaml:"min_free_mb"`
}

// StorageConfig contains the artifact and temp directories
type StorageConfig struct {
	Path           string  `yaml:"path"`
	TempDir        string  `yaml:"temp_dir"`
	FilePrefix     string  `yaml:"file_prefix"`
	RetentionHours float64 `yaml:"retention_hours"`
}

// DefaultNodeConfig returns the node configuration used for omitted keys.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Node: NodeIdentityConfig{
			Name:        "pac-node",
			BindAddress: "0.0.0.0",
			Port:        5001,
			IdleTimeout: 300,
		},
		Capture: CaptureConfig{
			Driver:         "arecord",
			Devices:        []string{"hw:1,0"},
			SampleRate:     256000,
			Channels:       1,
			PeriodSize:     4096,
			Periods:        4,
			ToneFrequency:  1000,
			StatusInterval: 5,
			FragmentSizeMB: 64,
			MinFreeMB:      256,
		},
		Storage: StorageConfig{
			Path:           "/var/lib/pac/recordings",
			TempDir:        "/var/lib/pac/temp_raw",
			FilePrefix:     "PZOrec",
			RetentionHours: 3,
		},
		HTTP: HTTPConfig{
			Port:    8081,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate performs validation of the node configuration
func (c *NodeConfig) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the node identity
func (n *NodeIdentityConfig) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if n.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", n.Port)
	}

	if n.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", n.IdleTimeout)
	}

	return nil
}

// Validate validates the capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Driver {
	case "arecord", "sine":
	default:
		return fmt.Errorf("driver must be 'arecord' or 'sine', got '%s'", c.Driver)
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d == "" {
			return fmt.Errorf("device name cannot be empty")
		}
		if seen[d] {
			return fmt.Errorf("device %q listed twice", d)
		}
		seen[d] = true
	}

	if c.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000 Hz, got %d", c.SampleRate)
	}

	if c.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", c.Channels)
	}

	if c.PeriodSize < 64 {
		return fmt.Errorf("period_size must be at least 64 frames, got %d", c.PeriodSize)
	}

	if c.Periods < 2 {
		return fmt.Errorf("periods must be at least 2, got %d", c.Periods)
	}

	if c.StatusInterval <= 0 {
		return fmt.Errorf("status_interval must be positive, got %f", c.StatusInterval)
	}

	if c.FragmentSizeMB < 1 {
		return fmt.Errorf("fragment_size_mb must be at least 1, got %d", c.FragmentSizeMB)
	}

	if c.MinFreeMB < 0 {
		return fmt.Errorf("min_free_mb cannot be negative, got %d", c.MinFreeMB)
	}

	return nil
}

// Validate validates the storage configuration
func (s *StorageConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if s.TempDir == "" {
		return fmt.Errorf("temp_dir cannot be empty")
	}

	if s.TempDir == s.Path {
		return fmt.Errorf("temp_dir must differ from path")
	}

	if s.FilePrefix == "" {
		return fmt.Errorf("file_prefix cannot be empty")
	}

	if s.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive, got %f", s.RetentionHours)
	}

	return nil
}

// GetIdleTimeoutDuration returns the per-connection idle timeout
func (n *NodeIdentityConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(n.IdleTimeout) * time.Second
}

// GetStatusInterval returns the status reporting interval
func (c *CaptureConfig) GetStatusInterval() time.Duration {
	return seconds(c.StatusInterval)
}

// GetFragmentBytes returns the temp fragment rotation size in bytes
func (c *CaptureConfig) GetFragmentBytes() int64 {
	return int64(c.FragmentSizeMB) << 20
}

// GetMinFreeBytes returns the free space required before a round starts
func (c *CaptureConfig) GetMinFreeBytes() uint64 {
	return uint64(c.MinFreeMB) << 20
}

// GetRetention returns the artifact retention window
func (s *StorageConfig) GetRetention() time.Duration {
	return seconds(s.RetentionHours * 3600)
}
