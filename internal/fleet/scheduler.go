package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/config"
	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/metrics"
)

// Options contains scheduling and polling parameters
type Options struct {
	GridStep        time.Duration
	MinLead         time.Duration
	ProbeAttempts   int
	ProbeBackoff    time.Duration
	PollInterval    time.Duration
	MaxPollTries    int
	CompletionGrace time.Duration
}

// OptionsFromConfig converts the YAML schedule section.
func OptionsFromConfig(cfg *config.ScheduleConfig) Options {
	return Options{
		GridStep:        cfg.GetGridStep(),
		MinLead:         cfg.GetMinLead(),
		ProbeAttempts:   cfg.ProbeAttempts,
		ProbeBackoff:    cfg.GetProbeBackoff(),
		PollInterval:    cfg.GetPollInterval(),
		MaxPollTries:    cfg.MaxPollTries,
		CompletionGrace: cfg.GetCompletionGrace(),
	}
}

// Scheduler drives capture rounds across the node registry.
type Scheduler struct {
	nodes   []*Node
	byName  map[string]*Node
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a scheduler over the given node clients. Node names must be
// unique.
func New(clients []NodeClient, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if len(clients) == 0 {
		return nil, pacerrors.New(pacerrors.ErrCodeInvalidArgument, "at least one node is required")
	}
	if opts.ProbeAttempts < 1 {
		opts.ProbeAttempts = 3
	}
	if opts.MaxPollTries < 1 {
		opts.MaxPollTries = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.GridStep <= 0 {
		opts.GridStep = 10 * time.Second
	}

	s := &Scheduler{
		byName:  make(map[string]*Node, len(clients)),
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
	for _, c := range clients {
		if _, dup := s.byName[c.Name()]; dup {
			return nil, pacerrors.NewWithContext(pacerrors.ErrCodeInvalidArgument, "duplicate node name",
				map[string]any{"node": c.Name()})
		}
		n := &Node{client: c}
		s.nodes = append(s.nodes, n)
		s.byName[c.Name()] = n
	}
	return s, nil
}

// Nodes returns the registry in configuration order
func (s *Scheduler) Nodes() []*Node {
	return append([]*Node(nil), s.nodes...)
}

// Node looks up a node by name.
func (s *Scheduler) Node(name string) (*Node, bool) {
	n, ok := s.byName[name]
	return n, ok
}

// ProbeNodes checks every node's liveness, retrying each up to
// ProbeAttempts times, and returns the names of responsive nodes.
func (s *Scheduler) ProbeNodes(ctx context.Context) []string {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.nodes {
		g.Go(func() error {
			ok := s.probe(gctx, n)
			n.responsive.Store(ok)
			s.metrics.SetNodeResponsive(n.Name(), ok)
			return nil
		})
	}
	g.Wait()

	var alive []string
	for _, n := range s.nodes {
		if n.IsResponsive() {
			alive = append(alive, n.Name())
		}
	}
	return alive
}

func (s *Scheduler) probe(ctx context.Context, n *Node) bool {
	for attempt := 1; attempt <= s.opts.ProbeAttempts; attempt++ {
		err := n.client.Ping(ctx)
		if err == nil {
			return true
		}
		s.logger.Info("Node not responsive",
			slog.String("node", n.Name()),
			slog.String("address", n.Address()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.opts.ProbeAttempts),
			slog.String("error", err.Error()))

		if attempt == s.opts.ProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.ProbeBackoff):
		}
	}
	return false
}

// ScheduleCapture probes the fleet, picks the next grid-aligned start
// instant and asks every responsive node to record. Nodes that refuse or
// fail to answer are excluded; the returned round lists the participants,
// possibly none.
func (s *Scheduler) ScheduleCapture(ctx context.Context, duration time.Duration) (*Round, error) {
	if duration <= 0 {
		return nil, pacerrors.NewWithContext(pacerrors.ErrCodeInvalidArgument, "capture duration must be positive",
			map[string]any{"duration": duration.String()})
	}

	alive := s.ProbeNodes(ctx)
	for _, n := range s.nodes {
		n.active.Store(false)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startAt := NextStartInstant(time.Now(), s.opts.GridStep, s.opts.MinLead)
	round := newRound(startAt, duration)

	s.logger.Info("Scheduling capture",
		slog.String("round", round.ID),
		slog.Duration("duration", duration),
		slog.Time("start_at", startAt),
		slog.Int("responsive_nodes", len(alive)))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range alive {
		n := s.byName[name]
		g.Go(func() error {
			rs, err := n.client.StartRecording(gctx, duration, startAt)
			if err != nil {
				s.logger.Error("Error starting recording",
					slog.String("round", round.ID),
					slog.String("node", n.Name()),
					slog.String("address", n.Address()),
					slog.String("error", err.Error()))
				if pacerrors.IsCode(err, pacerrors.ErrCodeNodeUnresponsive) {
					n.responsive.Store(false)
					s.metrics.SetNodeResponsive(n.Name(), false)
				}
				return nil
			}
			n.active.Store(true)
			s.logger.Info("Recording planned",
				slog.String("round", round.ID),
				slog.String("node", n.Name()),
				slog.Time("start_at", rs.StartAt),
				slog.Duration("lead", rs.Lead))
			return nil
		})
	}
	g.Wait()

	for _, n := range s.nodes {
		if n.IsActive() {
			round.Participants = append(round.Participants, n.Name())
		}
	}

	s.logger.Info("Active nodes",
		slog.String("round", round.ID),
		slog.String("nodes", strings.Join(round.Participants, ",")))
	return round, nil
}

// IsCaptureComplete performs at most one polling round. It returns false
// until the round's end instant has passed, then polls every still-active
// participant once per call. The round is complete when all of them report
// completion; after MaxPollTries polls it is declared complete regardless
// and marked degraded.
func (s *Scheduler) IsCaptureComplete(ctx context.Context, round *Round) bool {
	if round.done {
		return true
	}
	if round.polls == 0 && time.Now().Before(round.EndAt()) {
		return false
	}

	if round.polls >= s.opts.MaxPollTries {
		s.logger.Warn("Capture polling exhausted, declaring round complete",
			slog.String("round", round.ID),
			slog.Int("polls", round.polls),
			slog.String("pending", strings.Join(round.Pending(), ",")))
		round.degraded = true
		round.done = true
		return true
	}

	round.polls++
	s.metrics.RecordCompletionPoll()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range round.polled() {
		n := s.byName[name]
		g.Go(func() error {
			complete, err := n.client.IsCaptureComplete(gctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("Node stopped answering, excluding from round",
					slog.String("round", round.ID),
					slog.String("node", name),
					slog.String("error", err.Error()))
				round.dropped[name] = true
				n.active.Store(false)
				n.responsive.Store(false)
				s.metrics.SetNodeResponsive(name, false)
				return nil
			}
			round.complete[name] = complete
			return nil
		})
	}
	g.Wait()

	pending := round.Pending()
	if len(pending) > 0 {
		s.logger.Info("Capture not complete yet",
			slog.String("round", round.ID),
			slog.Int("attempt", round.polls),
			slog.Int("max_attempts", s.opts.MaxPollTries),
			slog.String("pending", strings.Join(pending, ",")))
		return false
	}

	if len(round.dropped) > 0 {
		round.degraded = true
	}
	round.done = true
	s.logger.Info("Capture complete",
		slog.String("round", round.ID),
		slog.Int("polls", round.polls),
		slog.Bool("degraded", round.degraded))
	return true
}

// AwaitCompletion polls until the round is complete or its deadline
// (end instant plus CompletionGrace) passes. A degraded completion returns a
// PARTIAL_FAILURE error naming the nodes that never confirmed.
func (s *Scheduler) AwaitCompletion(ctx context.Context, round *Round) error {
	deadline := round.EndAt().Add(s.opts.CompletionGrace)
	if s.opts.CompletionGrace <= 0 {
		deadline = round.EndAt().Add(time.Duration(s.opts.MaxPollTries+1) * s.opts.PollInterval)
	}

	// Nothing to ask before the nodes are due to stop.
	if wait := time.Until(round.EndAt()); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if s.IsCaptureComplete(ctx, round) {
			break
		}
		if time.Now().After(deadline) {
			s.logger.Warn("Capture completion deadline passed",
				slog.String("round", round.ID),
				slog.Time("deadline", deadline),
				slog.String("pending", strings.Join(round.Pending(), ",")))
			round.degraded = true
			round.done = true
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if !round.degraded {
		s.metrics.RecordFleetRound("complete", len(round.Participants))
		return nil
	}

	s.metrics.RecordFleetRound("degraded", len(round.Participants))
	unconfirmed := append(round.Pending(), round.Dropped()...)
	return pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure,
		fmt.Sprintf("%d of %d nodes did not confirm completion", len(unconfirmed), len(round.Participants)),
		map[string]any{"round": round.ID, "nodes": unconfirmed})
}

// CollectFiles asks each participant that confirmed the round for its new
// recordings. Unconfirmed nodes are not asked: their recordings stay on the
// node and are listed after a later round they do confirm. Nodes that cannot
// be reached are reported in a PARTIAL_FAILURE error alongside the listings
// that were obtained.
func (s *Scheduler) CollectFiles(ctx context.Context, round *Round) ([]NodeFiles, error) {
	confirmed := round.Confirmed()
	if skipped := len(round.Participants) - len(confirmed); skipped > 0 {
		s.logger.Warn("Not collecting files from unconfirmed nodes",
			slog.String("round", round.ID),
			slog.Any("pending", round.Pending()),
			slog.Any("dropped", round.Dropped()))
	}
	return s.listFiles(ctx, slog.String("round", round.ID), confirmed)
}

// ListFiles asks every node, regardless of round participation, for the
// recordings of its last round.
func (s *Scheduler) ListFiles(ctx context.Context) ([]NodeFiles, error) {
	names := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		names[i] = n.Name()
	}
	return s.listFiles(ctx, slog.String("round", ""), names)
}

func (s *Scheduler) listFiles(ctx context.Context, round slog.Attr, names []string) ([]NodeFiles, error) {
	results := make([]NodeFiles, len(names))
	failed := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		n := s.byName[name]
		g.Go(func() error {
			files, err := n.client.ListAudioFiles(gctx)
			if err != nil {
				s.logger.Error("Error listing audio files",
					round,
					slog.String("node", name),
					slog.String("error", err.Error()))
				failed[i] = true
				return nil
			}
			results[i] = NodeFiles{Node: name, Files: files}
			return nil
		})
	}
	g.Wait()

	var out []NodeFiles
	var missing []string
	for i, nf := range results {
		if failed[i] {
			missing = append(missing, names[i])
			continue
		}
		if len(nf.Files) > 0 {
			out = append(out, nf)
		}
	}

	if len(missing) > 0 {
		return out, pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure, "file listing failed on some nodes",
			map[string]any{"round": round.Value.String(), "nodes": missing})
	}
	return out, nil
}

// ResetNodes sends RESET to the named nodes, or to every node when names is
// empty. Unknown names are an INVALID_ARGUMENT; per-node failures are
// collected into a PARTIAL_FAILURE.
func (s *Scheduler) ResetNodes(ctx context.Context, names ...string) error {
	targets := s.nodes
	if len(names) > 0 {
		targets = make([]*Node, 0, len(names))
		for _, name := range names {
			n, ok := s.byName[name]
			if !ok {
				return pacerrors.NewWithContext(pacerrors.ErrCodeInvalidArgument, "unknown node",
					map[string]any{"node": name})
			}
			targets = append(targets, n)
		}
	}

	var mu sync.Mutex
	failures := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range targets {
		g.Go(func() error {
			if err := n.client.Reset(gctx); err != nil {
				s.logger.Error("Error resetting node",
					slog.String("node", n.Name()),
					slog.String("error", err.Error()))
				mu.Lock()
				failures[n.Name()] = string(pacerrors.CodeOf(err))
				mu.Unlock()
				return nil
			}
			s.logger.Info("Node reset", slog.String("node", n.Name()))
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		return pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure,
			fmt.Sprintf("reset failed on %d of %d nodes", len(failures), len(targets)),
			map[string]any{"nodes": failures})
	}
	return nil
}
