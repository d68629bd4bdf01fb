package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/fleet"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/retrieval"
)

// Orchestrator runs capture rounds and hands each round's recordings to the
// retriever while the next round is being scheduled.
type Orchestrator struct {
	scheduler  *fleet.Scheduler
	retriever  *retrieval.Retriever
	remoteDirs map[string]string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// RoundSummary describes one repetition
type RoundSummary struct {
	Index        int       `json:"index"`
	ID           string    `json:"id,omitempty"`
	StartAt      time.Time `json:"start_at"`
	Participants []string  `json:"participants"`
	Skipped      bool      `json:"skipped"`
	Degraded     bool      `json:"degraded"`
	Listed       int       `json:"files_listed"`
	Fetched      int       `json:"files_fetched"`
	Failed       int       `json:"files_failed"`
	Errors       []string  `json:"errors,omitempty"`
}

// Summary describes a Run
type Summary struct {
	Rounds   []RoundSummary `json:"rounds"`
	Skipped  int            `json:"skipped"`
	Degraded int            `json:"degraded"`
	Fetched  int            `json:"files_fetched"`
	Failed   int            `json:"files_failed"`
	Duration time.Duration  `json:"duration"`
}

// batch is the hand-off unit between the capture and retrieval stages.
type batch struct {
	round   int
	records []retrieval.RemoteFileRecord
}

// New creates an orchestrator. remoteDirs maps node names to the directory
// their recordings are stored in.
func New(scheduler *fleet.Scheduler, retriever *retrieval.Retriever, remoteDirs map[string]string, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		scheduler:  scheduler,
		retriever:  retriever,
		remoteDirs: remoteDirs,
		logger:     logger,
		metrics:    m,
	}
}

// RemoteDirs resolves each node's remote storage directory from the fleet
// configuration.
func RemoteDirs(cfg *config.FleetConfig) map[string]string {
	dirs := make(map[string]string, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		dir := cfg.Transfer.RemoteStoragePath
		if n.RemoteStoragePath != "" {
			dir = n.RemoteStoragePath
		}
		dirs[n.Name] = dir
	}
	return dirs
}

// Records converts node listings into retrieval records.
func (o *Orchestrator) Records(listings []fleet.NodeFiles) []retrieval.RemoteFileRecord {
	var records []retrieval.RemoteFileRecord
	for _, nf := range listings {
		for _, name := range nf.Files {
			records = append(records, retrieval.RemoteFileRecord{
				Node:      nf.Node,
				RemoteDir: o.remoteDirs[nf.Node],
				Name:      name,
			})
		}
	}
	return records
}

// Run performs repetitions capture rounds of the given duration. Capture and
// retrieval run concurrently: round N's files are fetched while round N+1
// is scheduled and recorded. A round in which no node accepted the start
// command is skipped but counts as a repetition.
//
// Problems confined to some nodes or files do not stop the run; they are
// reported in the summary and as a final PARTIAL_FAILURE error.
func (o *Orchestrator) Run(ctx context.Context, duration time.Duration, repetitions int) (*Summary, error) {
	if duration <= 0 {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "capture duration must be positive")
	}
	if repetitions < 1 {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "repetitions must be at least 1")
	}

	start := time.Now()
	summary := &Summary{Rounds: make([]RoundSummary, repetitions)}
	var mu sync.Mutex

	// One slot per repetition: the capture stage never waits on retrieval.
	handoff := make(chan batch, repetitions)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(handoff)
		for i := 0; i < repetitions; i++ {
			rs, b, err := o.captureRound(gctx, i, duration, repetitions)

			mu.Lock()
			summary.Rounds[i] = rs
			mu.Unlock()

			if err != nil {
				return err
			}
			if b != nil {
				handoff <- *b
				o.metrics.SetRetrievalQueueSize(len(handoff))
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range handoff {
			o.metrics.SetRetrievalQueueSize(len(handoff))
			report, err := o.retriever.Fetch(gctx, b.records)

			mu.Lock()
			rs := &summary.Rounds[b.round]
			if report != nil {
				rs.Fetched = len(report.Fetched)
				rs.Failed = len(report.Failed)
			}
			if err != nil {
				rs.Errors = append(rs.Errors, err.Error())
			}
			mu.Unlock()

			if err != nil && !pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure) {
				return err
			}
		}
		return nil
	})

	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, rs := range summary.Rounds {
		if rs.Skipped {
			summary.Skipped++
		}
		if rs.Degraded {
			summary.Degraded++
		}
		summary.Fetched += rs.Fetched
		summary.Failed += rs.Failed
	}
	summary.Duration = time.Since(start)

	o.logger.Info("Capture sequence finished",
		slog.Int("repetitions", repetitions),
		slog.Int("skipped", summary.Skipped),
		slog.Int("degraded", summary.Degraded),
		slog.Int("files_fetched", summary.Fetched),
		slog.Int("files_failed", summary.Failed),
		slog.Duration("duration", summary.Duration))

	if err != nil {
		return summary, err
	}
	if summary.Skipped > 0 || summary.Degraded > 0 || summary.Failed > 0 {
		return summary, pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure,
			fmt.Sprintf("%d skipped, %d degraded rounds and %d failed files", summary.Skipped, summary.Degraded, summary.Failed),
			map[string]any{"repetitions": repetitions})
	}
	return summary, nil
}

// captureRound schedules one round, waits for it and lists its files. The
// returned error is non-nil only when the whole run must stop.
func (o *Orchestrator) captureRound(ctx context.Context, i int, duration time.Duration, repetitions int) (RoundSummary, *batch, error) {
	rs := RoundSummary{Index: i + 1}
	o.logger.Info("Running passive audio capture",
		slog.Int("repetition", i+1),
		slog.Int("repetitions", repetitions))

	round, err := o.scheduler.ScheduleCapture(ctx, duration)
	if err != nil {
		return rs, nil, err
	}
	rs.ID = round.ID
	rs.StartAt = round.StartAt
	rs.Participants = round.Participants

	if len(round.Participants) == 0 {
		o.logger.Warn("No active nodes, skipping capture", slog.String("round", round.ID))
		o.metrics.RecordFleetRound("skipped", 0)
		rs.Skipped = true
		return rs, nil, nil
	}

	if err := o.scheduler.AwaitCompletion(ctx, round); err != nil {
		if !pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure) {
			return rs, nil, err
		}
		rs.Errors = append(rs.Errors, err.Error())
	}
	rs.Degraded = round.Degraded()

	listings, err := o.scheduler.CollectFiles(ctx, round)
	if err != nil {
		if !pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure) {
			return rs, nil, err
		}
		rs.Errors = append(rs.Errors, err.Error())
	}

	records := o.Records(listings)
	rs.Listed = len(records)
	o.logger.Info("Handing recordings to retrieval",
		slog.String("round", round.ID),
		slog.Int("files", len(records)))

	if len(records) == 0 {
		return rs, nil, nil
	}
	return rs, &batch{round: i, records: records}, nil
}

// FetchListed fetches whatever every node currently lists, outside any
// capture round.
func (o *Orchestrator) FetchListed(ctx context.Context) (*retrieval.Report, error) {
	listings, listErr := o.scheduler.ListFiles(ctx)
	if listErr != nil && !pacerrors.IsCode(listErr, pacerrors.ErrCodePartialFailure) {
		return nil, listErr
	}

	report, err := o.retriever.Fetch(ctx, o.Records(listings))
	if err != nil {
		return report, err
	}
	return report, listErr
}
