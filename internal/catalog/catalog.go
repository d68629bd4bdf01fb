package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
)

// Catalog tracks which recordings in a storage directory have not yet been
// collected. A recording enters the pending list when the round that made
// it finishes and leaves it at the start of the first round after it was
// reported. Recordings nobody asked for are carried into the next round.
type Catalog struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	known   map[string]struct{}
	pending map[string]bool // name -> reported
}

// New creates a catalog over dir and takes an initial snapshot. A missing
// directory is treated as empty.
func New(dir string, logger *slog.Logger, m *metrics.Metrics) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		dir:     dir,
		logger:  logger,
		metrics: m,
		known:   make(map[string]struct{}),
		pending: make(map[string]bool),
	}
	if err := c.Snapshot(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) list() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// isRecording reports whether name is a finalized capture artifact.
func isRecording(name string) bool {
	_, _, _, err := audio.ParseArtifactName(name)
	return err == nil
}

// Snapshot records the files currently in the directory as known.
func (c *Catalog) Snapshot() error {
	names, err := c.list()
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}

	c.mu.Lock()
	c.known = known
	c.mu.Unlock()

	c.logger.Debug("Catalog snapshot taken",
		slog.String("dir", c.dir),
		slog.Int("files", len(names)),
	)
	return nil
}

// BeginRound prepares the catalog for a new round. Reported recordings and
// recordings that no longer exist leave the pending list; the rest stay
// pending. The directory is then re-snapshotted.
func (c *Catalog) BeginRound() error {
	names, err := c.list()
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(names))
	for _, n := range names {
		present[n] = struct{}{}
	}

	c.mu.Lock()
	var carried int
	for n, reported := range c.pending {
		if _, ok := present[n]; reported || !ok {
			delete(c.pending, n)
			continue
		}
		carried++
	}
	c.known = present
	c.mu.Unlock()

	if carried > 0 {
		c.logger.Info("Carrying uncollected recordings into next round",
			slog.String("dir", c.dir),
			slog.Int("files", carried),
		)
	}
	return nil
}

// MarkNew adds the recordings that appeared since the last snapshot to the
// pending list. In-progress artifacts and foreign files are skipped.
func (c *Catalog) MarkNew() error {
	names, err := c.list()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	present := make(map[string]struct{}, len(names))
	var fresh int
	for _, n := range names {
		present[n] = struct{}{}
		if _, ok := c.known[n]; ok {
			continue
		}
		if _, ok := c.pending[n]; ok || !isRecording(n) {
			continue
		}
		c.pending[n] = false
		fresh++
	}
	for n := range c.pending {
		if _, ok := present[n]; !ok {
			delete(c.pending, n)
		}
	}

	c.logger.Info("New recordings catalogued",
		slog.String("dir", c.dir),
		slog.Int("files", fresh),
		slog.Int("pending", len(c.pending)),
	)
	return nil
}

// NewFiles returns the pending recordings in name order without marking
// them reported.
func (c *Catalog) NewFiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedPending()
}

// Report returns the pending recordings in name order and marks them
// reported, so the next round does not list them again.
func (c *Catalog) Report() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := range c.pending {
		c.pending[n] = true
	}
	return c.sortedPending()
}

func (c *Catalog) sortedPending() []string {
	if len(c.pending) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.pending))
	for n := range c.pending {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Reset forgets the pending list and re-snapshots the directory.
func (c *Catalog) Reset() error {
	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()
	return c.Snapshot()
}

// PruneOlderThan deletes recordings whose modification time is older than
// maxAge and returns their names. Only audio artifacts are removed.
func (c *Catalog) PruneOlderThan(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}

	names, err := c.list()
	if err != nil {
		return nil, err
	}

	threshold := time.Now().Add(-maxAge)
	var deleted []string
	for _, n := range names {
		if filepath.Ext(n) != audio.ArtifactExt {
			continue
		}
		path := filepath.Join(c.dir, n)
		info, err := os.Stat(path)
		if err != nil {
			c.logger.Error("Failed to stat file", slog.String("file", n), slog.String("error", err.Error()))
			continue
		}
		if !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(path); err != nil {
			c.logger.Error("Failed to delete old recording", slog.String("file", n), slog.String("error", err.Error()))
			continue
		}
		deleted = append(deleted, n)
		c.mu.Lock()
		delete(c.pending, n)
		c.mu.Unlock()
		c.logger.Info("Deleted old recording",
			slog.String("file", n),
			slog.Time("modified", info.ModTime()),
		)
	}

	c.metrics.RecordRetentionDeleted(len(deleted))
	return deleted, nil
}
