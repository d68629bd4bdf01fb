package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
)

// Config contains the devices and storage layout of a capture node.
type Config struct {
	Devices        []string
	Format         audio.Format
	StoragePath    string
	TempDir        string
	FilePrefix     string
	StatusInterval time.Duration
	FragmentBytes  int64
	MinFreeBytes   uint64
}

// Coordinator records all local devices in lockstep. One round at a time:
// Start opens every device and releases them together at the start instant,
// Stop joins all tasks and assembles one recording per device.
type Coordinator struct {
	cfg     Config
	opener  audio.Opener
	logger  *slog.Logger
	metrics *metrics.Metrics

	stopMu sync.Mutex // serializes Stop

	mu       sync.RWMutex
	running  bool
	complete bool
	devices  []*device
	round    *round
}

// round holds the tasks of the round in progress.
type round struct {
	startAt  time.Time
	duration time.Duration
	devices  []*device
	gate     *startGate
	cancel   context.CancelFunc

	recorders sync.WaitGroup
	drains    sync.WaitGroup
	aux       sync.WaitGroup
	captured  chan struct{}

	cancelStatus context.CancelFunc
}

// device is the per-device recorder state.
type device struct {
	index int
	name  string
	queue *chunkQueue
	spool *spool

	bytesRead   atomic.Int64
	overflows   atomic.Int64
	readErrors  atomic.Int64
	writeErrors atomic.Int64
	startedAt   atomic.Int64 // unix nanos, zero until released

	logLimit *rate.Sometimes

	mu      sync.Mutex
	openErr error
}

func newDevice(index int, name string) *device {
	return &device{
		index:    index,
		name:     name,
		queue:    newChunkQueue(),
		logLimit: &rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

func (d *device) setOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *device) getOpenErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openErr
}

// NewCoordinator validates cfg and returns an idle coordinator.
func NewCoordinator(cfg Config, opener audio.Opener, logger *slog.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if len(cfg.Devices) == 0 {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "at least one capture device is required")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, pacerrors.Wrap(pacerrors.ErrCodeInvalidArgument, "invalid capture format", err)
	}
	if cfg.StoragePath == "" || cfg.TempDir == "" {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "storage path and temp dir are required")
	}
	if opener == nil {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "device opener is required")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "PZOrec"
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:     cfg,
		opener:  opener,
		logger:  logger,
		metrics: m,
	}
	c.resetLocked()

	return c, nil
}

func (c *Coordinator) resetLocked() {
	c.devices = make([]*device, len(c.cfg.Devices))
	for i, name := range c.cfg.Devices {
		c.devices[i] = newDevice(i, name)
	}
	c.complete = false
	c.round = nil
}

// Start begins a round of the given duration. Recorders open their devices
// immediately and start reading together once startAt is reached; a zero
// startAt releases them as soon as every device is open. Start returns once
// all tasks are running. Cancelling ctx ends the recording early; Stop must
// still be called to assemble the recordings.
func (c *Coordinator) Start(ctx context.Context, duration time.Duration, startAt time.Time) error {
	if duration <= 0 {
		return pacerrors.NewWithContext(pacerrors.ErrCodeInvalidArgument, "capture duration must be positive",
			map[string]any{"duration": duration.String()})
	}
	// Reads cover whole periods, so a round may overshoot by one.
	perDevice := duration.Seconds()*float64(c.cfg.Format.ByteRate()) + float64(c.cfg.Format.PeriodBytes())
	if perDevice > audio.MaxWAVDataBytes {
		return pacerrors.NewWithContext(pacerrors.ErrCodeInvalidArgument, "capture duration exceeds the WAV size limit",
			map[string]any{"duration": duration.String(), "max_bytes": int64(audio.MaxWAVDataBytes)})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "capture already running")
	}

	if err := c.checkFreeSpace(ctx); err != nil {
		return err
	}

	for _, dir := range []string{c.cfg.StoragePath, c.cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return pacerrors.Wrap(pacerrors.ErrCodeInternal, fmt.Sprintf("failed to create %s", dir), err)
		}
	}

	if startAt.IsZero() {
		startAt = time.Now()
	}

	// Every round starts from fresh per-device state.
	c.resetLocked()
	for _, d := range c.devices {
		base := fmt.Sprintf("%s_%s_Udev%d", c.cfg.FilePrefix, startAt.UTC().Format("20060102T150405"), d.index)
		d.spool = newSpool(c.cfg.TempDir, base, c.cfg.FragmentBytes)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &round{
		startAt:  startAt,
		duration: duration,
		devices:  c.devices,
		gate:     newStartGate(len(c.devices), startAt),
		cancel:   cancel,
		captured: make(chan struct{}),
	}

	for _, d := range c.devices {
		r.recorders.Add(1)
		go c.record(rctx, r, d)

		r.drains.Add(1)
		go c.drain(d, &r.drains)
	}

	r.aux.Add(1)
	go func() {
		defer r.aux.Done()
		r.gate.run(rctx)
	}()

	go func() {
		r.recorders.Wait()
		close(r.captured)
	}()

	statusCtx, cancelStatus := context.WithCancel(context.Background())
	r.cancelStatus = cancelStatus
	r.aux.Add(1)
	go c.reportStatus(statusCtx, r)

	c.round = r
	c.running = true
	c.metrics.SetCaptureActive(true)

	c.logger.Info("Capture round started",
		slog.Int("devices", len(c.devices)),
		slog.Duration("duration", duration),
		slog.Time("start_at", startAt),
		slog.Duration("lead", time.Until(startAt)),
	)

	return nil
}

// checkFreeSpace refuses to start when the storage volume is nearly full.
func (c *Coordinator) checkFreeSpace(ctx context.Context) error {
	if c.cfg.MinFreeBytes == 0 {
		return nil
	}

	usage, err := disk.UsageWithContext(ctx, existingParent(c.cfg.StoragePath))
	if err != nil {
		c.logger.Warn("Failed to read free disk space", slog.String("error", err.Error()))
		return nil
	}
	c.metrics.SetDiskFree(usage.Free)

	if usage.Free < c.cfg.MinFreeBytes {
		return pacerrors.NewWithContext(pacerrors.ErrCodeResourceExhausted, "not enough free space to record",
			map[string]any{"free_bytes": usage.Free, "required_bytes": c.cfg.MinFreeBytes})
	}
	return nil
}

// Captured returns a channel that is closed once every recorder of the
// current round has finished reading. With no round in progress the channel
// is already closed.
func (c *Coordinator) Captured() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.round == nil || !c.running {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.round.captured
}

// Stop ends the round: it signals recorders to exit, waits for every
// recorder and drain, then assembles the recordings. Stopping an idle
// coordinator is a no-op returning nil, nil. A non-nil Result may come with
// a PARTIAL_FAILURE or RESOURCE_LEFTOVER error.
func (c *Coordinator) Stop() (*Result, error) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.RLock()
	running, r := c.running, c.round
	devices := c.devices
	c.mu.RUnlock()

	if !running || r == nil {
		return nil, nil
	}

	// Recorders first, so no chunk is pushed after its queue closes.
	r.cancel()
	r.recorders.Wait()

	for _, d := range devices {
		d.queue.close()
	}
	r.drains.Wait()

	r.cancelStatus()
	r.aux.Wait()

	start := time.Now()
	result, err := c.finalize(r, devices)

	outcome := "complete"
	if err != nil {
		outcome = string(pacerrors.CodeOf(err))
	}
	c.metrics.RecordCaptureRound(outcome, time.Since(start).Seconds())
	c.metrics.SetCaptureActive(false)

	c.mu.Lock()
	c.running = false
	c.complete = true
	c.mu.Unlock()

	c.logger.Info("Capture round finished",
		slog.Int("artifacts", len(result.Artifacts)),
		slog.Int("leftovers", len(result.Leftovers)),
		slog.Duration("finalize_time", time.Since(start)),
	)

	return result, err
}

// Reset clears the per-device state of a finished round. It fails with
// ALREADY_RUNNING while a round is in progress.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "cannot reset while capture is running")
	}
	c.resetLocked()
	return nil
}

// IsRunning reports whether a round is in progress, including its finalize step.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// IsComplete reports whether the last round finished and has not been reset.
func (c *Coordinator) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.complete
}

// DeviceStatus describes one device's progress in the current or last round.
type DeviceStatus struct {
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	BytesRead    int64      `json:"bytes_read"`
	BytesWritten int64      `json:"bytes_written"`
	Fragments    int        `json:"fragments"`
	QueuedChunks int        `json:"queued_chunks"`
	Overflows    int64      `json:"overflows"`
	ReadErrors   int64      `json:"read_errors"`
	WriteErrors  int64      `json:"write_errors"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Status is a snapshot of the coordinator for monitoring.
type Status struct {
	Running  bool           `json:"running"`
	Complete bool           `json:"complete"`
	StartAt  *time.Time     `json:"start_at,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Devices  []DeviceStatus `json:"devices"`
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Running:  c.running,
		Complete: c.complete,
		Devices:  make([]DeviceStatus, 0, len(c.devices)),
	}
	if c.round != nil {
		at := c.round.startAt
		st.StartAt = &at
		st.Duration = c.round.duration.String()
	}

	for _, d := range c.devices {
		ds := DeviceStatus{
			Index:        d.index,
			Name:         d.name,
			BytesRead:    d.bytesRead.Load(),
			QueuedChunks: d.queue.len(),
			Overflows:    d.overflows.Load(),
			ReadErrors:   d.readErrors.Load(),
			WriteErrors:  d.writeErrors.Load(),
		}
		if d.spool != nil {
			ds.BytesWritten = d.spool.bytesWritten()
			ds.Fragments = d.spool.fileCount()
		}
		if ns := d.startedAt.Load(); ns != 0 {
			t := time.Unix(0, ns)
			ds.StartedAt = &t
		}
		if err := d.getOpenErr(); err != nil {
			ds.Error = err.Error()
		}
		st.Devices = append(st.Devices, ds)
	}

	return st
}
