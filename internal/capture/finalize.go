package capture

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
)

// Artifact is one finalized recording.
type Artifact struct {
	Device     int    `json:"device"`
	DeviceName string `json:"device_name"`
	Path       string `json:"path"`
	SampleRate int    `json:"sample_rate"`
	Bytes      int64  `json:"bytes"` // PCM payload, excluding the WAV header
}

// Result describes a finished round.
type Result struct {
	StartAt   time.Time      `json:"start_at"`
	Duration  time.Duration  `json:"duration"`
	Artifacts []Artifact     `json:"artifacts"`
	Leftovers []string       `json:"leftovers,omitempty"`
	Failed    []string       `json:"failed_devices,omitempty"`
	Devices   []DeviceStatus `json:"devices"`
}

// BytesRead returns the PCM bytes read from all devices in the round.
func (r *Result) BytesRead() int64 {
	var n int64
	for _, d := range r.Devices {
		n += d.BytesRead
	}
	return n
}

// finalize assembles one recording per device from its fragments, removes
// the fragments and reports anything left behind in the temp directory.
// It runs only after every recorder and drain has returned.
func (c *Coordinator) finalize(r *round, devices []*device) (*Result, error) {
	result := &Result{
		StartAt:  r.startAt,
		Duration: r.duration,
	}

	for _, d := range devices {
		if err := d.spool.close(); err != nil {
			c.logger.Warn("Failed to close temp fragment",
				slog.String("device", d.name),
				slog.String("error", err.Error()),
			)
		}

		if err := d.getOpenErr(); err != nil {
			result.Failed = append(result.Failed, d.name)
			continue
		}

		artifact, err := c.assemble(r, d)
		if err != nil {
			// Fragments stay on disk so the audio can be recovered by hand.
			result.Failed = append(result.Failed, d.name)
			c.logger.Error("Failed to assemble recording",
				slog.String("device", d.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Artifacts = append(result.Artifacts, *artifact)
		c.metrics.RecordArtifact(artifact.Bytes)

		for _, frag := range d.spool.fragmentPaths() {
			if err := os.Remove(frag); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("Failed to remove temp fragment",
					slog.String("path", frag),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	for _, d := range devices {
		result.Devices = append(result.Devices, DeviceStatus{
			Index:        d.index,
			Name:         d.name,
			BytesRead:    d.bytesRead.Load(),
			BytesWritten: d.spool.bytesWritten(),
			Fragments:    d.spool.fileCount(),
			Overflows:    d.overflows.Load(),
			ReadErrors:   d.readErrors.Load(),
			WriteErrors:  d.writeErrors.Load(),
		})
	}

	leftovers, err := c.sweepTempDir()
	if err != nil {
		c.logger.Warn("Failed to inspect temp directory",
			slog.String("path", c.cfg.TempDir),
			slog.String("error", err.Error()),
		)
	}
	result.Leftovers = leftovers

	if len(result.Failed) > 0 {
		return result, pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure, "some devices produced no recording",
			map[string]any{"devices": result.Failed})
	}
	if len(leftovers) > 0 {
		c.metrics.RecordLeftovers(len(leftovers))
		c.logger.Warn("Temp directory not empty after cleanup",
			slog.String("path", c.cfg.TempDir),
			slog.Int("files", len(leftovers)),
		)
		return result, pacerrors.NewWithContext(pacerrors.ErrCodeResourceLeftover, "temporary files remain after finalize",
			map[string]any{"files": leftovers})
	}

	return result, nil
}

// assemble writes header plus fragments to a partial file and renames it
// into place.
func (c *Coordinator) assemble(r *round, d *device) (*Artifact, error) {
	size := d.spool.bytesWritten()
	name := audio.ArtifactName(c.cfg.FilePrefix, r.startAt, d.index)
	path := filepath.Join(c.cfg.StoragePath, name)
	partial := path + ".partial"

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", partial, err)
	}

	w := bufio.NewWriterSize(f, 1<<20)
	written, err := writeArtifact(w, c.cfg.Format, size, d.spool.fragmentPaths())
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written != size {
		err = fmt.Errorf("fragments hold %d bytes, expected %d", written, size)
	}
	if err != nil {
		_ = os.Remove(partial)
		return nil, err
	}

	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return nil, fmt.Errorf("failed to move recording into place: %w", err)
	}

	return &Artifact{
		Device:     d.index,
		DeviceName: d.name,
		Path:       path,
		SampleRate: c.cfg.Format.SampleRate,
		Bytes:      size,
	}, nil
}

func writeArtifact(w io.Writer, f audio.Format, size int64, fragments []string) (int64, error) {
	if err := audio.WriteWAVHeader(w, f, size); err != nil {
		return 0, err
	}

	var written int64
	for _, frag := range fragments {
		n, err := copyFile(w, frag)
		written += n
		if err != nil {
			return written, err
		}
	}

	if written%2 == 1 {
		if _, err := w.Write([]byte{0}); err != nil {
			return written, fmt.Errorf("failed to write pad byte: %w", err)
		}
	}
	return written, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open fragment %s: %w", path, err)
	}
	defer src.Close()

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("failed to copy fragment %s: %w", path, err)
	}
	return n, nil
}

// sweepTempDir lists whatever is still in the temp directory and removes
// the directory when it is empty. Nothing is deleted on the caller's behalf.
func (c *Coordinator) sweepTempDir() ([]string, error) {
	entries, err := os.ReadDir(c.cfg.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if len(entries) == 0 {
		if err := os.Remove(c.cfg.TempDir); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return nil, nil
	}

	leftovers := make([]string, 0, len(entries))
	for _, e := range entries {
		leftovers = append(leftovers, filepath.Join(c.cfg.TempDir, e.Name()))
	}
	return leftovers, nil
}
