package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/audio"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
)

const partialSuffix = ".part"

// Options contains retrieval settings
type Options struct {
	LocalDir            string
	DeleteRemote        bool
	MaxFetchesPerSecond float64
	Concurrency         int           // nodes served in parallel
	Timeout             time.Duration // per file
}

// OptionsFromConfig converts the YAML transfer section.
func OptionsFromConfig(cfg *config.TransferConfig) Options {
	return Options{
		LocalDir:            cfg.LocalStoragePath,
		DeleteRemote:        cfg.DeleteRemote,
		MaxFetchesPerSecond: cfg.MaxFetchesPerSecond,
		Concurrency:         cfg.Concurrency,
		Timeout:             cfg.GetTimeoutDuration(),
	}
}

// FetchedFile describes a recording copied to local storage
type FetchedFile struct {
	Node          string        `json:"node"`
	Name          string        `json:"name"`
	LocalPath     string        `json:"local_path"`
	Bytes         int64         `json:"bytes"`
	Duration      time.Duration `json:"duration"`
	RemoteDeleted bool          `json:"remote_deleted"`
}

// FailedFile describes a recording that could not be copied
type FailedFile struct {
	Node  string `json:"node"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Report summarizes one Fetch call
type Report struct {
	Fetched  []FetchedFile `json:"fetched"`
	Failed   []FailedFile  `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Retriever copies recordings from nodes into per-node local directories
// (<LocalDir>/<node>/<name>) and optionally removes the remote copies.
type Retriever struct {
	dialer  Dialer
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Statistics
	totalFetched uint64
	totalFailed  uint64
	totalBytes   int64
	mu           sync.Mutex
}

// NewRetriever creates a retriever
func NewRetriever(dialer Dialer, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Retriever, error) {
	if dialer == nil {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "dialer cannot be nil")
	}
	if opts.LocalDir == "" {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "local storage directory cannot be empty")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.MaxFetchesPerSecond > 0 {
		limit = rate.Limit(opts.MaxFetchesPerSecond)
	}

	if err := os.MkdirAll(opts.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}

	return &Retriever{
		dialer:  dialer,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: m,
	}, nil
}

// Fetch copies every record. A node that cannot be reached fails only its
// own files; the error is PARTIAL_FAILURE when any file was not copied, and
// the report is returned either way.
func (r *Retriever) Fetch(ctx context.Context, records []RemoteFileRecord) (*Report, error) {
	start := time.Now()
	report := &Report{}

	byNode := make(map[string][]RemoteFileRecord)
	var order []string
	for _, rec := range records {
		if err := rec.validate(); err != nil {
			report.Failed = append(report.Failed, FailedFile{Node: rec.Node, Name: rec.Name, Error: err.Error()})
			continue
		}
		if _, seen := byNode[rec.Node]; !seen {
			order = append(order, rec.Node)
		}
		byNode[rec.Node] = append(byNode[rec.Node], rec)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, node := range order {
		g.Go(func() error {
			fetched, failed := r.fetchNode(gctx, node, byNode[node])
			mu.Lock()
			report.Fetched = append(report.Fetched, fetched...)
			report.Failed = append(report.Failed, failed...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report.Duration = time.Since(start)
	r.recordReport(report)

	r.logger.Info("Retrieval finished",
		slog.Int("fetched", len(report.Fetched)),
		slog.Int("failed", len(report.Failed)),
		slog.Duration("duration", report.Duration))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Failed) > 0 {
		nodes := make([]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			nodes = append(nodes, f.Node+"/"+f.Name)
		}
		return report, pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure,
			fmt.Sprintf("%d of %d files not retrieved", len(report.Failed), len(records)),
			map[string]any{"files": nodes})
	}
	return report, nil
}

func (r *Retriever) fetchNode(ctx context.Context, node string, records []RemoteFileRecord) ([]FetchedFile, []FailedFile) {
	var fetched []FetchedFile
	var failed []FailedFile

	fail := func(rec RemoteFileRecord, err error) {
		r.logger.Error("Failed to fetch audio file",
			slog.String("node", node),
			slog.String("file", rec.Name),
			slog.String("error", err.Error()))
		r.metrics.RecordFetchFailure(node)
		failed = append(failed, FailedFile{Node: node, Name: rec.Name, Error: err.Error()})
	}

	localDir := filepath.Join(r.opts.LocalDir, node)
	if err := os.MkdirAll(localDir, 0755); err != nil {
		for _, rec := range records {
			fail(rec, fmt.Errorf("failed to create local directory: %w", err))
		}
		return nil, failed
	}

	var ch Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for _, rec := range records {
		if err := r.limiter.Wait(ctx); err != nil {
			fail(rec, err)
			continue
		}

		if ch == nil {
			var err error
			ch, err = r.dialer.Dial(ctx, node)
			if err != nil {
				fail(rec, pacerrors.WrapWithContext(pacerrors.ErrCodeNodeUnresponsive, "transfer channel unavailable", err,
					map[string]any{"node": node}))
				ch = nil
				continue
			}
		}

		f, err := r.fetchOne(ctx, ch, rec, localDir)
		if err != nil {
			fail(rec, err)
			// The session may be unusable after a failed transfer.
			ch.Close()
			ch = nil
			continue
		}
		fetched = append(fetched, *f)
	}
	return fetched, failed
}

func (r *Retriever) fetchOne(ctx context.Context, ch Channel, rec RemoteFileRecord, localDir string) (*FetchedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	localPath := filepath.Join(localDir, rec.Name)
	partPath := localPath + partialSuffix

	r.logger.Info("Fetching audio file",
		slog.String("node", rec.Node),
		slog.String("remote", rec.RemotePath()),
		slog.String("local", localPath))

	n, err := ch.Download(ctx, rec.RemoteDir, rec.Name, partPath)
	if err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("download failed: %w", err)
	}

	if strings.HasSuffix(rec.Name, ".wav") {
		if err := checkWAV(partPath); err != nil {
			os.Remove(partPath)
			return nil, err
		}
	}

	if err := os.Rename(partPath, localPath); err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	elapsed := time.Since(start)
	r.metrics.RecordFetch(rec.Node, n, elapsed.Seconds())
	f := &FetchedFile{
		Node:      rec.Node,
		Name:      rec.Name,
		LocalPath: localPath,
		Bytes:     n,
		Duration:  elapsed,
	}

	if r.opts.DeleteRemote {
		if err := ch.Delete(ctx, rec.RemoteDir, rec.Name); err != nil {
			r.logger.Warn("Failed to delete remote audio file",
				slog.String("node", rec.Node),
				slog.String("file", rec.Name),
				slog.String("error", err.Error()))
		} else {
			f.RemoteDeleted = true
			r.metrics.RecordRemoteDelete()
		}
	}

	r.logger.Info("Audio file fetched",
		slog.String("node", rec.Node),
		slog.String("file", rec.Name),
		slog.Int64("bytes", n),
		slog.Duration("duration", elapsed),
		slog.Bool("remote_deleted", f.RemoteDeleted))
	return f, nil
}

func checkWAV(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := audio.ReadWAVInfo(file); err != nil {
		return fmt.Errorf("downloaded file is not a valid recording: %w", err)
	}
	return nil
}

func (r *Retriever) recordReport(report *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalFetched += uint64(len(report.Fetched))
	r.totalFailed += uint64(len(report.Failed))
	for _, f := range report.Fetched {
		r.totalBytes += f.Bytes
	}
}

// RetrieverStatistics holds cumulative retrieval counters
type RetrieverStatistics struct {
	FilesFetched uint64 `json:"files_fetched"`
	FilesFailed  uint64 `json:"files_failed"`
	BytesFetched int64  `json:"bytes_fetched"`
}

// GetStatistics returns cumulative retrieval counters
func (r *Retriever) GetStatistics() RetrieverStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RetrieverStatistics{
		FilesFetched: r.totalFetched,
		FilesFailed:  r.totalFailed,
		BytesFetched: r.totalBytes,
	}
}
