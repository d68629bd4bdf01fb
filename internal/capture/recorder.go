package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
)

// record drives one device for the round: open, wait at the gate, then read
// until the round's duration has elapsed since release or ctx ends.
func (c *Coordinator) record(ctx context.Context, r *round, d *device) {
	defer r.recorders.Done()

	ch, err := c.opener.Open(d.name, c.cfg.Format)
	if err != nil {
		d.setOpenErr(err)
		r.gate.leave()
		c.logger.Error("Failed to open capture device",
			slog.String("device", d.name),
			slog.Int("index", d.index),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() {
		if err := ch.Close(); err != nil {
			c.logger.Warn("Failed to close capture device",
				slog.String("device", d.name),
				slog.String("error", err.Error()),
			)
		}
	}()

	releasedAt, err := r.gate.arrive(ctx)
	if err != nil {
		c.logger.Warn("Recorder cancelled before start",
			slog.String("device", d.name),
			slog.String("error", err.Error()),
		)
		return
	}

	// Audio buffered while waiting at the gate predates the start instant.
	if f, ok := ch.(audio.Flusher); ok {
		n, err := f.Flush()
		if err != nil {
			c.logger.Warn("Failed to discard audio buffered before start",
				slog.String("device", d.name),
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			c.logger.Debug("Discarded audio buffered before start",
				slog.String("device", d.name),
				slog.Int("bytes", n),
			)
		}
	}

	started := time.Now()
	d.startedAt.Store(started.UnixNano())
	if skew := started.Sub(r.startAt); skew >= 0 {
		c.metrics.RecordStartSkew(skew.Seconds())
	}
	c.logger.Debug("Recorder released",
		slog.String("device", d.name),
		slog.Time("started_at", started),
		slog.Duration("skew", started.Sub(r.startAt)),
	)

	deadline := releasedAt.Add(r.duration)
	period := c.cfg.Format.PeriodDuration()

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}

		frames, data, err := ch.Read()
		switch {
		case err != nil:
			d.readErrors.Add(1)
			c.metrics.RecordReadError(d.name)
			d.logLimit.Do(func() {
				c.logger.Warn("Capture read failed",
					slog.String("device", d.name),
					slog.String("error", err.Error()),
					slog.Int64("read_errors", d.readErrors.Load()),
				)
			})
			if errors.Is(err, context.Canceled) {
				return
			}
			// Back off for a period so a dead device does not spin.
			wait := min(period, time.Until(deadline))
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
		case frames > 0:
			chunk := bytes.Clone(data)
			if d.queue.push(chunk) {
				d.bytesRead.Add(int64(len(chunk)))
				c.metrics.RecordCaptureBytes(d.name, len(chunk))
			}
		case frames == 0:
		default:
			d.overflows.Add(1)
			c.metrics.RecordOverflow(d.name)
			d.logLimit.Do(func() {
				c.logger.Warn("Buffer overflow, chunk dropped",
					slog.String("device", d.name),
					slog.Int("code", frames),
					slog.Int64("overflows", d.overflows.Load()),
				)
			})
		}
	}

	c.logger.Debug("Recorder finished",
		slog.String("device", d.name),
		slog.Int64("bytes_read", d.bytesRead.Load()),
		slog.Duration("elapsed", time.Since(started)),
	)
}

// drain moves chunks from the device queue to its spool until the queue is
// closed and empty. A failed write loses that chunk only.
func (c *Coordinator) drain(d *device, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		chunk, err := d.queue.pop(context.Background())
		if err != nil {
			return
		}

		if err := d.spool.write(chunk); err != nil {
			d.writeErrors.Add(1)
			c.metrics.RecordSpoolWriteError()
			d.logLimit.Do(func() {
				c.logger.Error("Failed to write chunk to temp storage",
					slog.String("device", d.name),
					slog.Int("chunk_bytes", len(chunk)),
					slog.String("error", err.Error()),
				)
			})
		}
	}
}
