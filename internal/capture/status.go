package capture

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// reportStatus logs the round's progress every StatusInterval: bytes and
// fragments written since the last report, queued chunks and free space on
// the recording volume. It is observability only.
func (c *Coordinator) reportStatus(ctx context.Context, r *round) {
	defer r.aux.Done()

	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	var lastBytes int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var written, queued int64
		files := 0
		for _, d := range r.devices {
			written += d.spool.bytesWritten()
			files += d.spool.fileCount()
			queued += d.queue.pendingBytes()
		}

		attrs := []any{
			slog.Int("files", files),
			slog.Int64("bytes_written", written),
			slog.Int64("kb_delta", (written-lastBytes)/1024),
			slog.Int64("queued_bytes", queued),
		}
		lastBytes = written

		if usage, err := disk.UsageWithContext(ctx, c.cfg.StoragePath); err == nil {
			c.metrics.SetDiskFree(usage.Free)
			attrs = append(attrs,
				slog.Uint64("free_mb", usage.Free>>20),
				slog.Float64("used_percent", usage.UsedPercent),
			)
		}

		c.logger.Info("Capture status", attrs...)
	}
}

// existingParent returns path or its nearest existing ancestor, so free
// space can be checked before the storage directory is created.
func existingParent(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
