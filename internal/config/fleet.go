package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// FleetConfig is the configuration of the central fleet controller.
type FleetConfig struct {
	Nodes    []NodeEntry    `yaml:"nodes"`
	Transfer TransferConfig `yaml:"transfer"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Network  NetworkConfig  `yaml:"network"`
	Run      RunConfig      `yaml:"run"`
	Metrics  HTTPConfig     `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeEntry identifies one remote capture node
type NodeEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"ip_address"`
	Port    int    `yaml:"port"`

	// Optional per-node transfer overrides
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	KeyFile           string `yaml:"key_file"`
	RemoteStoragePath string `yaml:"remote_storage_path"`
}

// TransferConfig controls how recordings are copied off the nodes
type TransferConfig struct {
	Method              string  `yaml:"method"` // "sftp" or "local"
	Port                int     `yaml:"port"`
	Username            string  `yaml:"username"`
	Password            string  `yaml:"password"`
	KeyFile             string  `yaml:"key_file"`
	KnownHostsFile      string  `yaml:"known_hosts_file"`
	RemoteStoragePath   string  `yaml:"remote_storage_path"`
	LocalStoragePath    string  `yaml:"local_storage_path"`
	DeleteRemote        bool    `yaml:"delete_remote"`
	MaxFetchesPerSecond float64 `yaml:"max_fetches_per_second"`
	Concurrency         int     `yaml:"concurrency"`
	Timeout             int     `yaml:"timeout"` // seconds
}

// ScheduleConfig contains start-grid and completion polling parameters
type ScheduleConfig struct {
	GridStep        float64 `yaml:"grid_step"` // seconds
	MinLead         float64 `yaml:"min_lead"`  // seconds
	ProbeAttempts   int     `yaml:"probe_attempts"`
	ProbeBackoff    float64 `yaml:"probe_backoff"` // seconds
	PollInterval    float64 `yaml:"poll_interval"` // seconds
	MaxPollTries    int     `yaml:"max_poll_tries"`
	CompletionGrace float64 `yaml:"completion_grace"` // seconds past start+duration
}

// NetworkConfig contains protocol client timeouts
type NetworkConfig struct {
	DialTimeout    float64 `yaml:"dial_timeout"`    // seconds
	RequestTimeout float64 `yaml:"request_timeout"` // seconds
}

// RunConfig holds defaults for the run command
type RunConfig struct {
	Duration    float64 `yaml:"duration"` // seconds
	Repetitions int     `yaml:"repetitions"`
}

// DefaultFleetConfig returns the fleet configuration used for omitted keys.
func DefaultFleetConfig() *FleetConfig {
	return &FleetConfig{
		Transfer: TransferConfig{
			Method:              "sftp",
			Port:                22,
			Username:            "pi",
			RemoteStoragePath:   "/var/lib/pac/recordings",
			LocalStoragePath:    "./recordings",
			DeleteRemote:        true,
			MaxFetchesPerSecond: 4,
			Concurrency:         2,
			Timeout:             30,
		},
		Schedule: ScheduleConfig{
			GridStep:        10,
			MinLead:         5,
			ProbeAttempts:   3,
			ProbeBackoff:    1,
			PollInterval:    10,
			MaxPollTries:    10,
			CompletionGrace: 120,
		},
		Network: NetworkConfig{
			DialTimeout:    5,
			RequestTimeout: 5,
		},
		Run: RunConfig{
			Duration:    15,
			Repetitions: 1,
		},
		Metrics: HTTPConfig{
			Port:    9091,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Validate performs validation of the fleet configuration
func (c *FleetConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes: at least one node is required")
	}

	names := make(map[string]bool, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if err := n.Validate(); err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
		if names[n.Name] {
			return fmt.Errorf("nodes[%d]: duplicate node name %q", i, n.Name)
		}
		names[n.Name] = true
	}

	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}

	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule config: %w", err)
	}

	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}

	if err := c.Run.Validate(); err != nil {
		return fmt.Errorf("run config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates a node entry
func (n *NodeEntry) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if n.Address == "" {
		return fmt.Errorf("ip_address cannot be empty")
	}

	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", n.Port)
	}

	return nil
}

// Validate validates the transfer configuration
func (t *TransferConfig) Validate() error {
	switch t.Method {
	case "sftp":
		if t.Username == "" {
			return fmt.Errorf("username cannot be empty for sftp transfers")
		}
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", t.Port)
		}
	case "local":
	default:
		return fmt.Errorf("method must be 'sftp' or 'local', got '%s'", t.Method)
	}

	if t.RemoteStoragePath == "" {
		return fmt.Errorf("remote_storage_path cannot be empty")
	}

	if t.LocalStoragePath == "" {
		return fmt.Errorf("local_storage_path cannot be empty")
	}

	if t.MaxFetchesPerSecond <= 0 {
		return fmt.Errorf("max_fetches_per_second must be positive, got %f", t.MaxFetchesPerSecond)
	}

	if t.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", t.Concurrency)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates the scheduling parameters
func (s *ScheduleConfig) Validate() error {
	if s.GridStep <= 0 {
		return fmt.Errorf("grid_step must be positive, got %f", s.GridStep)
	}

	if s.MinLead < 0 || s.MinLead > s.GridStep {
		return fmt.Errorf("min_lead must be between 0 and grid_step (%f), got %f", s.GridStep, s.MinLead)
	}

	if s.ProbeAttempts < 1 {
		return fmt.Errorf("probe_attempts must be at least 1, got %d", s.ProbeAttempts)
	}

	if s.ProbeBackoff < 0 {
		return fmt.Errorf("probe_backoff cannot be negative, got %f", s.ProbeBackoff)
	}

	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", s.PollInterval)
	}

	if s.MaxPollTries < 1 {
		return fmt.Errorf("max_poll_tries must be at least 1, got %d", s.MaxPollTries)
	}

	if s.CompletionGrace <= 0 {
		return fmt.Errorf("completion_grace must be positive, got %f", s.CompletionGrace)
	}

	return nil
}

// Validate validates network timeouts
func (n *NetworkConfig) Validate() error {
	if n.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %f", n.DialTimeout)
	}

	if n.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %f", n.RequestTimeout)
	}

	return nil
}

// Validate validates run defaults
func (r *RunConfig) Validate() error {
	if r.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %f", r.Duration)
	}

	if r.Repetitions < 1 {
		return fmt.Errorf("repetitions must be at least 1, got %d", r.Repetitions)
	}

	return nil
}

// CommandAddress returns host:port of the node's command listener
func (n *NodeEntry) CommandAddress() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// GetGridStep returns the start-instant grid step
func (s *ScheduleConfig) GetGridStep() time.Duration {
	return seconds(s.GridStep)
}

// GetMinLead returns the minimum lead before a scheduled start
func (s *ScheduleConfig) GetMinLead() time.Duration {
	return seconds(s.MinLead)
}

// GetProbeBackoff returns the pause between liveness probe attempts
func (s *ScheduleConfig) GetProbeBackoff() time.Duration {
	return seconds(s.ProbeBackoff)
}

// GetPollInterval returns the pause between completion polls
func (s *ScheduleConfig) GetPollInterval() time.Duration {
	return seconds(s.PollInterval)
}

// GetCompletionGrace returns how long past start+duration polling may continue
func (s *ScheduleConfig) GetCompletionGrace() time.Duration {
	return seconds(s.CompletionGrace)
}

// GetDialTimeout returns the protocol connect timeout
func (n *NetworkConfig) GetDialTimeout() time.Duration {
	return seconds(n.DialTimeout)
}

// GetRequestTimeout returns the protocol round-trip timeout
func (n *NetworkConfig) GetRequestTimeout() time.Duration {
	return seconds(n.RequestTimeout)
}

// GetDuration returns the default round duration
func (r *RunConfig) GetDuration() time.Duration {
	return seconds(r.Duration)
}

// GetTimeoutDuration returns the per-file transfer timeout
func (t *TransferConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
