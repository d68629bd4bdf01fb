package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/capture"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/catalog"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// Manager runs the node's recording sessions. At most one session is in
// flight: it opens a catalog round, records one capture round, finalizes
// it, marks the new recordings and applies retention.
type Manager struct {
	coord     *capture.Coordinator
	catalog   *catalog.Catalog
	retention time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  bool
	current *Session
	last    *Session

	stats Statistics
}

// Session describes one recording session.
type Session struct {
	Duration   time.Duration   `json:"duration"`
	StartAt    time.Time       `json:"start_at"`
	AcceptedAt time.Time       `json:"accepted_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Files      []string        `json:"files,omitempty"`
	Pruned     []string        `json:"pruned,omitempty"`
	Result     *capture.Result `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Statistics counts sessions since the manager was created.
type Statistics struct {
	Started  atomic.Uint64
	Finished atomic.Uint64
	Failed   atomic.Uint64
	Rejected atomic.Uint64
}

// Status is a snapshot of the manager for monitoring.
type Status struct {
	Active   bool           `json:"active"`
	Complete bool           `json:"complete"`
	Capture  capture.Status `json:"capture"`
	NewFiles []string       `json:"new_files"`
	Current  *Session       `json:"current,omitempty"`
	Last     *Session       `json:"last,omitempty"`
	Started  uint64         `json:"sessions_started"`
	Finished uint64         `json:"sessions_finished"`
	Failed   uint64         `json:"sessions_failed"`
	Rejected uint64         `json:"sessions_rejected"`
}

// NewManager creates a session manager over a coordinator and the catalog
// of its storage directory. A zero retention keeps recordings forever.
func NewManager(coord *capture.Coordinator, cat *catalog.Catalog, retention time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		coord:     coord,
		catalog:   cat,
		retention: retention,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartRecording starts a session that records for duration from startAt.
// It returns once the capture tasks are running; the session completes in
// the background. A second call while a session is in flight fails with
// ALREADY_RUNNING and leaves the running session untouched.
func (m *Manager) StartRecording(duration time.Duration, startAt time.Time) (*protocol.RecStart, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active || m.coord.IsRunning() {
		m.stats.Rejected.Add(1)
		return nil, pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "capture already running")
	}
	if m.ctx.Err() != nil {
		return nil, pacerrors.New(pacerrors.ErrCodeInternal, "session manager stopped")
	}

	if err := m.catalog.BeginRound(); err != nil {
		m.logger.Warn("Failed to snapshot recordings", slog.String("error", err.Error()))
	}
	if err := m.coord.Reset(); err != nil {
		return nil, err
	}
	if err := m.coord.Start(m.ctx, duration, startAt); err != nil {
		m.stats.Failed.Add(1)
		return nil, err
	}

	s := &Session{
		Duration:   duration,
		StartAt:    startAt,
		AcceptedAt: now,
	}
	m.active = true
	m.current = s
	m.stats.Started.Add(1)

	m.wg.Add(1)
	go m.run(s)

	m.logger.Info("Recording session started",
		slog.Duration("duration", duration),
		slog.Time("start_at", startAt),
		slog.Duration("lead", startAt.Sub(now)),
	)

	return &protocol.RecStart{StartAt: startAt, Lead: startAt.Sub(now)}, nil
}

// run waits for the capture to finish and then does the bookkeeping. The
// coordinator is always stopped, even if the manager is shutting down.
func (m *Manager) run(s *Session) {
	defer m.wg.Done()

	select {
	case <-m.coord.Captured():
	case <-m.ctx.Done():
		m.logger.Warn("Recording session interrupted")
	}

	result, err := m.coord.Stop()
	var errMsg string
	if err != nil {
		errMsg = err.Error()
		m.stats.Failed.Add(1)
		m.logger.Error("Recording session finished with errors",
			slog.String("code", string(pacerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
	}

	if err := m.catalog.MarkNew(); err != nil {
		m.logger.Error("Failed to list new recordings", slog.String("error", err.Error()))
	}
	files := m.catalog.NewFiles()

	pruned, err := m.catalog.PruneOlderThan(m.retention)
	if err != nil {
		m.logger.Error("Failed to apply retention", slog.String("error", err.Error()))
	}

	if err := m.catalog.Snapshot(); err != nil {
		m.logger.Warn("Failed to snapshot recordings", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	s.Result = result
	s.Error = errMsg
	s.Files = files
	s.Pruned = pruned
	s.FinishedAt = time.Now()
	m.active = false
	m.current = nil
	m.last = s
	m.mu.Unlock()
	m.stats.Finished.Add(1)

	var bytesRead int64
	if result != nil {
		bytesRead = result.BytesRead()
	}
	m.logger.Info("Recording session finished",
		slog.Int("files", len(s.Files)),
		slog.Int64("bytes_read", bytesRead),
		slog.Int("pruned", len(pruned)),
		slog.Duration("elapsed", s.FinishedAt.Sub(s.AcceptedAt)),
	)
}

// IsCaptureComplete reports whether the last session has finished,
// including its bookkeeping, and has not been reset since.
func (m *Manager) IsCaptureComplete() bool {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	return !active && m.coord.IsComplete()
}

// IsActive reports whether a session is in flight.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ListFiles returns the recordings not yet collected: those of the last
// session plus any earlier ones that were never listed. Listed recordings
// are dropped from the list when the next session starts.
func (m *Manager) ListFiles() []string {
	return m.catalog.Report()
}

// Reset clears the coordinator and the catalog. It fails with
// ALREADY_RUNNING while a session is in flight.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "cannot reset while capture is running")
	}
	if err := m.coord.Reset(); err != nil {
		return err
	}
	if err := m.catalog.Reset(); err != nil {
		return pacerrors.Wrap(pacerrors.ErrCodeInternal, "failed to reset file catalog", err)
	}
	m.last = nil

	m.logger.Info("Node state reset")
	return nil
}

// Status returns a snapshot for monitoring.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{Active: m.active}
	if m.current != nil {
		cur := *m.current
		st.Current = &cur
	}
	if m.last != nil {
		last := *m.last
		st.Last = &last
	}
	m.mu.Unlock()

	st.Capture = m.coord.Status()
	st.Complete = !st.Active && st.Capture.Complete
	st.NewFiles = m.catalog.NewFiles()
	st.Started = m.stats.Started.Load()
	st.Finished = m.stats.Finished.Load()
	st.Failed = m.stats.Failed.Load()
	st.Rejected = m.stats.Rejected.Load()
	return st
}

// Wait blocks until no session is in flight.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop interrupts an in-flight session, waits for it to finalize and
// refuses further sessions.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Session manager stopped",
		slog.Uint64("sessions_started", m.stats.Started.Load()),
		slog.Uint64("sessions_failed", m.stats.Failed.Load()),
	)
}
