package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// CaptureService is the node state the command protocol operates on.
type CaptureService interface {
	StartRecording(duration time.Duration, startAt time.Time) (*protocol.RecStart, error)
	IsCaptureComplete() bool
	ListFiles() []string
	Reset() error
}

// TCPServer serves the node command protocol to the fleet controller
type TCPServer struct {
	listener net.Listener
	config   *config.NodeIdentityConfig
	logger   *slog.Logger
	service  CaptureService
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	// Basic counters
	connectionsAccepted uint64
	requestsHandled     uint64
	protocolErrors      uint64
	unknownCommands     uint64
	panicsRecovered     uint64
	mu                  sync.RWMutex
}

// NewTCPServer creates a new command server instance
func NewTCPServer(cfg *config.NodeIdentityConfig, logger *slog.Logger, service CaptureService, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:  cfg,
		logger:  logger,
		service: service,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))

	var lc net.ListenConfig
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("Command server started",
		slog.String("address", listener.Addr().String()),
		slog.Duration("idle_timeout", s.config.GetIdleTimeoutDuration()),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection and waits for the
// handlers to return
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping command server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("Command server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("requests_handled", stats.RequestsHandled),
		slog.Uint64("protocol_errors", stats.ProtocolErrors),
	)

	return nil
}

// acceptLoop accepts connections until the server is stopped
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				s.logger.Info("Accept loop stopping due to context cancellation")
				return
			default:
			}

			// Keep serving after transient failures such as fd exhaustion.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Error("Failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		s.mu.Lock()
		s.connectionsAccepted++
		s.mu.Unlock()

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves request lines on one connection until the peer closes
// it. Any failure closes this connection only.
func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	s.metrics.AddActiveConnections(1)
	s.logger.Debug("Connection established", slog.String("remote_addr", remote))

	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.panicsRecovered++
			s.mu.Unlock()
			s.metrics.RecordProtocolError()
			s.logger.Error("Panic while handling connection",
				slog.String("remote_addr", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}

		_ = conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.metrics.AddActiveConnections(-1)
		s.logger.Debug("Connection closed", slog.String("remote_addr", remote))
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxLineLength)
	writer := bufio.NewWriter(conn)
	idle := s.config.GetIdleTimeoutDuration()

	for {
		if idle > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
				s.recordProtocolError()
				s.logger.Warn("Connection read failed",
					slog.String("remote_addr", remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		line := scanner.Text()
		s.logger.Debug("Request received",
			slog.String("remote_addr", remote),
			slog.String("request", line),
		)

		resp, err := s.dispatch(line)
		if err != nil {
			s.recordProtocolError()
			s.logger.Error("Failed to handle request",
				slog.String("remote_addr", remote),
				slog.String("request", line),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return
		}
		_, err = writer.WriteString(resp + string(protocol.Terminator))
		if err == nil {
			err = writer.Flush()
		}
		if err != nil {
			s.logger.Warn("Failed to write response",
				slog.String("remote_addr", remote),
				slog.String("error", err.Error()),
			)
			return
		}

		s.mu.Lock()
		s.requestsHandled++
		s.mu.Unlock()
	}
}

// dispatch executes one request line and returns the response line. An
// error means the request could not be understood.
func (s *TCPServer) dispatch(line string) (string, error) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		s.metrics.RecordProtocolRequest("malformed")
		return "", err
	}

	switch req.Command {
	case protocol.CmdIsCaptureComplete:
		s.metrics.RecordProtocolRequest(req.Command)
		return protocol.FormatCompletion(s.service.IsCaptureComplete()), nil

	case protocol.CmdListAudioFiles:
		s.metrics.RecordProtocolRequest(req.Command)
		return protocol.FormatFileList(s.service.ListFiles()), nil

	case protocol.CmdReset:
		s.metrics.RecordProtocolRequest(req.Command)
		if err := s.service.Reset(); err != nil {
			if pacerrors.IsCode(err, pacerrors.ErrCodeAlreadyRunning) {
				return protocol.RespAlreadyRunning, nil
			}
			return "", err
		}
		return protocol.RespReset, nil

	case protocol.CmdStartRecording:
		s.metrics.RecordProtocolRequest(req.Command)
		rs, err := s.service.StartRecording(req.Duration, req.StartAt)
		if err != nil {
			if pacerrors.IsCode(err, pacerrors.ErrCodeAlreadyRunning) {
				s.logger.Warn("Start rejected, capture already running",
					slog.Time("requested_start", req.StartAt),
				)
				return protocol.RespAlreadyRunning, nil
			}
			s.logger.Error("Failed to start recording",
				slog.String("code", string(pacerrors.CodeOf(err))),
				slog.String("error", err.Error()),
			)
			return protocol.RespStartFailed + protocol.Separator + string(pacerrors.CodeOf(err)), nil
		}
		return rs.Format(), nil

	default:
		// Calibration commands are recognized by name only and land here too.
		s.metrics.RecordProtocolRequest("unknown")
		s.mu.Lock()
		s.unknownCommands++
		s.mu.Unlock()
		s.logger.Info("Unknown command", slog.String("command", req.Command))
		return protocol.RespUnknownCommand, nil
	}
}

func (s *TCPServer) recordProtocolError() {
	s.mu.Lock()
	s.protocolErrors++
	s.mu.Unlock()
	s.metrics.RecordProtocolError()
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.connsMu.Lock()
	active := len(s.conns)
	s.connsMu.Unlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ActiveConnections:   uint64(active),
		RequestsHandled:     s.requestsHandled,
		ProtocolErrors:      s.protocolErrors,
		UnknownCommands:     s.unknownCommands,
		PanicsRecovered:     s.panicsRecovered,
	}
}

// ServerStatistics represents command server counters
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ActiveConnections   uint64 `json:"active_connections"`
	RequestsHandled     uint64 `json:"requests_handled"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	UnknownCommands     uint64 `json:"unknown_commands"`
	PanicsRecovered     uint64 `json:"panics_recovered"`
}
