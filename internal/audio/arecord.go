package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// flushWindow bounds how long Flush keeps reading from the pipe.
const flushWindow = time.Millisecond

// ArecordOpener captures from ALSA devices by streaming raw PCM from an
// arecord child process.
type ArecordOpener struct {
	Path   string // defaults to "arecord"
	Logger *slog.Logger
}

// Open starts arecord for device with the given format.
func (o ArecordOpener) Open(device string, format Format) (Channel, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	path := o.Path
	if path == "" {
		path = "arecord"
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path,
		"-D", device,
		"-t", "raw",
		"-f", "S16_LE",
		"-c", strconv.Itoa(format.Channels),
		"-r", strconv.Itoa(format.SampleRate),
		"--period-size="+strconv.Itoa(format.PeriodFrames),
		"--buffer-size="+strconv.Itoa(format.PeriodFrames*format.Periods),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open arecord stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open arecord stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start arecord for %s: %w", device, err)
	}

	c := &arecordChannel{
		cmd:    cmd,
		stdout: stdout,
		format: format,
		buf:    make([]byte, format.PeriodBytes()),
		done:   make(chan struct{}),
	}

	go c.watchStderr(stderr, device, logger)

	return c, nil
}

type arecordChannel struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	format  Format
	buf     []byte
	overrun atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// watchStderr flags overruns reported by arecord ("overrun!!!").
func (c *arecordChannel) watchStderr(r io.Reader, device string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "overrun") {
			c.overrun.Store(true)
			continue
		}
		logger.Debug("arecord", slog.String("device", device), slog.String("output", line))
	}
}

func (c *arecordChannel) Read() (int, []byte, error) {
	select {
	case <-c.done:
		return 0, nil, ErrChannelClosed
	default:
	}

	if c.overrun.Swap(false) {
		return FramesOverrun, nil, nil
	}

	n, err := io.ReadFull(c.stdout, c.buf)
	frames := n / c.format.FrameBytes()
	if frames > 0 {
		// A short final read still carries whole frames.
		return frames, c.buf[:frames*c.format.FrameBytes()], nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("arecord read: %w", err)
	}
	return 0, nil, nil
}

// Flush drops the audio arecord produced between Open and now. The pipe
// holds up to 64 KiB, which is what a recorder waiting at the start gate
// would otherwise write into its recording.
func (c *arecordChannel) Flush() (int, error) {
	pipe, ok := c.stdout.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return 0, nil
	}
	if err := pipe.SetReadDeadline(time.Now().Add(flushWindow)); err != nil {
		// Not pollable, nothing can be dropped without blocking.
		return 0, nil
	}

	var dropped int
	for {
		n, err := c.stdout.Read(c.buf)
		dropped += n
		if errors.Is(err, os.ErrDeadlineExceeded) {
			break
		}
		if err != nil {
			_ = pipe.SetReadDeadline(time.Time{})
			return dropped, fmt.Errorf("arecord flush: %w", err)
		}
	}
	if err := pipe.SetReadDeadline(time.Time{}); err != nil {
		return dropped, fmt.Errorf("arecord flush: %w", err)
	}
	c.overrun.Store(false)

	// arecord writes whole frames, so the rest of a split one is on its way.
	if rem := dropped % c.format.FrameBytes(); rem != 0 {
		n, err := io.ReadFull(c.stdout, c.buf[:c.format.FrameBytes()-rem])
		dropped += n
		if err != nil {
			return dropped, fmt.Errorf("arecord flush: %w", err)
		}
	}
	return dropped, nil
}

func (c *arecordChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		// Wait reports the kill as an error; only a failure to reap matters.
		if werr := c.cmd.Wait(); werr != nil {
			if _, ok := werr.(*exec.ExitError); !ok {
				err = werr
			}
		}
	})
	return err
}
