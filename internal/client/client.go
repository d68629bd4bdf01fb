package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// Client sends commands to one capture node. Every command uses its own
// connection: dial, write one line, read one line, close.
type Client struct {
	name      string
	address   string
	config    Config
	dialer    net.Dialer
	semaphore chan struct{}
	metrics   *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains node client configuration
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxConcurrent  int // simultaneous connections to the node
}

// ClientStats represents client statistics
type ClientStats struct {
	Node            string        `json:"node"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// New creates a client for the node listening on address (host:port).
func New(name, address string, config Config, m *metrics.Metrics) (*Client, error) {
	if address == "" {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "node address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, pacerrors.Wrap(pacerrors.ErrCodeInvalidArgument, "invalid node address", err)
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if name == "" {
		name = address
	}

	return &Client{
		name:      name,
		address:   address,
		config:    config,
		dialer:    net.Dialer{Timeout: config.DialTimeout},
		semaphore: make(chan struct{}, config.MaxConcurrent),
		metrics:   m,
	}, nil
}

// Name returns the node name.
func (c *Client) Name() string {
	return c.name
}

// Address returns the node's command address.
func (c *Client) Address() string {
	return c.address
}

func (c *Client) unresponsive(op string, err error) error {
	return pacerrors.WrapWithContext(pacerrors.ErrCodeNodeUnresponsive, fmt.Sprintf("%s failed", op), err,
		map[string]any{"node": c.name, "address": c.address})
}

// Ping checks that the node accepts connections.
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		c.metrics.RecordClientRequest("PING", "unresponsive", time.Since(start).Seconds())
		return c.unresponsive("connect", err)
	}
	conn.Close()
	c.metrics.RecordClientRequest("PING", "ok", time.Since(start).Seconds())
	return nil
}

// Send performs one request/response exchange and returns the reply line.
// Connection and read failures are reported as NODE_UNRESPONSIVE.
func (c *Client) Send(ctx context.Context, request string) (string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", c.unresponsive("send", ctx.Err())
	}

	command, _, _ := strings.Cut(request, protocol.Separator)
	start := time.Now()
	c.incrementTotalRequests()

	resp, err := c.exchange(ctx, request)
	elapsed := time.Since(start)
	if err != nil {
		c.incrementFailedRequests()
		c.metrics.RecordClientRequest(command, "unresponsive", elapsed.Seconds())
		return "", c.unresponsive(command, err)
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(elapsed)
	c.metrics.RecordClientRequest(command, "ok", elapsed.Seconds())
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, request string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout+c.config.RequestTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	// Unblock the read if ctx is cancelled first.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(request + string(protocol.Terminator))); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := reader.ReadString(protocol.Terminator)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	if len(line) > protocol.MaxLineLength {
		return "", fmt.Errorf("response exceeds %d bytes", protocol.MaxLineLength)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// StartRecording asks the node to record for duration from startAt. A reply
// other than REC_START is returned as an error carrying the reply; the
// node's "already running" answer maps to ALREADY_RUNNING.
func (c *Client) StartRecording(ctx context.Context, duration time.Duration, startAt time.Time) (*protocol.RecStart, error) {
	resp, err := c.Send(ctx, protocol.FormatStartRecording(duration, startAt))
	if err != nil {
		return nil, err
	}

	if !protocol.IsRecStart(resp) {
		code := pacerrors.ErrCodeInternal
		if resp == protocol.RespAlreadyRunning {
			code = pacerrors.ErrCodeAlreadyRunning
		}
		return nil, pacerrors.NewWithContext(code, "node refused to start recording",
			map[string]any{"node": c.name, "reply": resp})
	}

	rs, err := protocol.ParseRecStart(resp)
	if err != nil {
		return nil, pacerrors.WrapWithContext(pacerrors.ErrCodeInternal, "malformed REC_START reply", err,
			map[string]any{"node": c.name, "reply": resp})
	}
	return rs, nil
}

// IsCaptureComplete asks whether the node's last capture has finished.
func (c *Client) IsCaptureComplete(ctx context.Context) (bool, error) {
	resp, err := c.Send(ctx, protocol.CmdIsCaptureComplete)
	if err != nil {
		return false, err
	}
	return protocol.ParseCompletion(resp), nil
}

// ListAudioFiles returns the recordings the node produced in its last round.
func (c *Client) ListAudioFiles(ctx context.Context) ([]string, error) {
	resp, err := c.Send(ctx, protocol.CmdListAudioFiles)
	if err != nil {
		return nil, err
	}

	names, err := protocol.ParseFileList(resp)
	if err != nil {
		return nil, pacerrors.WrapWithContext(pacerrors.ErrCodeInternal, "malformed FILES reply", err,
			map[string]any{"node": c.name, "reply": resp})
	}
	return names, nil
}

// Reset clears the node's capture state and file catalog.
func (c *Client) Reset(ctx context.Context) error {
	resp, err := c.Send(ctx, protocol.CmdReset)
	if err != nil {
		return err
	}

	switch resp {
	case protocol.RespReset:
		return nil
	case protocol.RespAlreadyRunning:
		return pacerrors.NewWithContext(pacerrors.ErrCodeAlreadyRunning, "node is recording",
			map[string]any{"node": c.name})
	default:
		return pacerrors.NewWithContext(pacerrors.ErrCodeInternal, "unexpected RESET reply",
			map[string]any{"node": c.name, "reply": resp})
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Node:            c.name,
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
