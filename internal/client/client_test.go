package client

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// lineServer answers each request line with handler's reply. An empty reply
// closes the connection without answering.
type lineServer struct {
	listener net.Listener
	handler  func(string) string

	mu       sync.Mutex
	requests []string
}

func newLineServer(t *testing.T, handler func(string) string) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &lineServer{listener: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *lineServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				s.mu.Lock()
				s.requests = append(s.requests, sc.Text())
				s.mu.Unlock()

				reply := s.handler(sc.Text())
				if reply == "" {
					return
				}
				conn.Write([]byte(reply + "\n"))
			}
		}()
	}
}

func (s *lineServer) addr() string {
	return s.listener.Addr().String()
}

func (s *lineServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// newSilentListener accepts connections but never answers.
func newSilentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New("node-a", addr, Config{DialTimeout: 500 * time.Millisecond, RequestTimeout: 500 * time.Millisecond}, nil)
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	_, err := New("n", "", Config{}, nil)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))

	_, err = New("n", "no-port", Config{}, nil)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))

	c, err := New("", "127.0.0.1:5001", Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5001", c.Name())
	assert.Equal(t, 5*time.Second, c.config.RequestTimeout)
}

func TestSendAndCommands(t *testing.T) {
	startAt := time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC)
	srv := newLineServer(t, func(req string) string {
		switch {
		case req == protocol.CmdIsCaptureComplete:
			return protocol.RespCaptureComplete
		case req == protocol.CmdListAudioFiles:
			return "FILES#2#a.wav#b.wav"
		case req == protocol.CmdReset:
			return protocol.RespReset
		case strings.HasPrefix(req, protocol.CmdStartRecording):
			return protocol.FormatRecStart(startAt, startAt.Add(-6*time.Second))
		}
		return protocol.RespUnknownCommand
	})
	c := newTestClient(t, srv.addr())
	ctx := context.Background()

	resp, err := c.Send(ctx, "HELLO")
	require.NoError(t, err)
	assert.Equal(t, protocol.RespUnknownCommand, resp)

	complete, err := c.IsCaptureComplete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)

	files, err := c.ListAudioFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.wav", "b.wav"}, files)

	require.NoError(t, c.Reset(ctx))

	rs, err := c.StartRecording(ctx, 10*time.Second, startAt)
	require.NoError(t, err)
	assert.True(t, rs.StartAt.Equal(startAt))
	assert.Equal(t, 6*time.Second, rs.Lead)

	assert.Contains(t, srv.received(), protocol.FormatStartRecording(10*time.Second, startAt))
	require.NoError(t, c.Ping(ctx))

	stats := c.GetStats()
	assert.Equal(t, uint64(5), stats.TotalRequests)
	assert.Equal(t, uint64(5), stats.SuccessRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestStartRecordingRefused(t *testing.T) {
	var reply atomic.Value
	reply.Store(protocol.RespAlreadyRunning)
	srv := newLineServer(t, func(string) string { return reply.Load().(string) })
	c := newTestClient(t, srv.addr())

	_, err := c.StartRecording(context.Background(), time.Second, time.Now())
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeAlreadyRunning), "got %v", err)

	reply.Store("Capture start failed#RESOURCE_EXHAUSTED")
	_, err = c.StartRecording(context.Background(), time.Second, time.Now())
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInternal), "got %v", err)
	assert.Contains(t, err.Error(), "refused")
}

func TestIncompleteAndMalformedReplies(t *testing.T) {
	srv := newLineServer(t, func(req string) string {
		if req == protocol.CmdListAudioFiles {
			return "FILES#3#only-one.wav"
		}
		if req == protocol.CmdReset {
			return protocol.RespAlreadyRunning
		}
		return protocol.RespNotComplete
	})
	c := newTestClient(t, srv.addr())
	ctx := context.Background()

	complete, err := c.IsCaptureComplete(ctx)
	require.NoError(t, err)
	assert.False(t, complete)

	_, err = c.ListAudioFiles(ctx)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInternal))

	err = c.Reset(ctx)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeAlreadyRunning))
}

func TestUnreachableNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, addr)
	ctx := context.Background()

	err = c.Ping(ctx)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeNodeUnresponsive), "got %v", err)

	complete, err := c.IsCaptureComplete(ctx)
	assert.False(t, complete)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeNodeUnresponsive))

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.FailedRequests)
}

func TestSilentNodeTimesOut(t *testing.T) {
	addr := newSilentListener(t)

	c := newTestClient(t, addr)
	start := time.Now()
	_, err := c.Send(context.Background(), protocol.CmdIsCaptureComplete)

	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeNodeUnresponsive), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClosedWithoutReply(t *testing.T) {
	srv := newLineServer(t, func(string) string { return "" })
	c := newTestClient(t, srv.addr())

	_, err := c.Send(context.Background(), "START_RECORDING#abc")
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeNodeUnresponsive), "got %v", err)
}

func TestSendHonoursContext(t *testing.T) {
	c, err := New("slow", newSilentListener(t), Config{RequestTimeout: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Send(ctx, protocol.CmdIsCaptureComplete)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
