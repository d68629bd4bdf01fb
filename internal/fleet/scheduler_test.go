package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// fakeNode answers from scripted state.
type fakeNode struct {
	name string

	mu          sync.Mutex
	pingErr     error
	pings       int
	startErr    error
	starts      []time.Time
	completions []bool // consumed one per poll; the last value repeats
	completeErr error
	polls       int
	files       []string
	listErr     error
	lists       int
	resetErr    error
	resets      int
}

func (f *fakeNode) Name() string    { return f.name }
func (f *fakeNode) Address() string { return f.name + ":5001" }

func (f *fakeNode) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeNode) StartRecording(_ context.Context, _ time.Duration, at time.Time) (*protocol.RecStart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts = append(f.starts, at)
	return &protocol.RecStart{StartAt: at, Lead: time.Until(at)}, nil
}

func (f *fakeNode) IsCaptureComplete(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.completeErr != nil {
		return false, f.completeErr
	}
	if len(f.completions) == 0 {
		return true, nil
	}
	v := f.completions[0]
	if len(f.completions) > 1 {
		f.completions = f.completions[1:]
	}
	return v, nil
}

func (f *fakeNode) ListAudioFiles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.files, f.listErr
}

func (f *fakeNode) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeNode) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

var errUnreachable = pacerrors.New(pacerrors.ErrCodeNodeUnresponsive, "connect failed")

func testOptions() Options {
	return Options{
		GridStep:        100 * time.Millisecond,
		MinLead:         50 * time.Millisecond,
		ProbeAttempts:   3,
		ProbeBackoff:    time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		MaxPollTries:    10,
		CompletionGrace: 2 * time.Second,
	}
}

func newTestScheduler(t *testing.T, opts Options, nodes ...*fakeNode) *Scheduler {
	t.Helper()
	clients := make([]NodeClient, len(nodes))
	for i, n := range nodes {
		clients[i] = n
	}
	s, err := New(clients, opts, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	return s
}

// endedRound returns a round whose end instant has passed.
func endedRound(participants ...string) *Round {
	r := newRound(time.Now().Add(-2*time.Second), time.Second)
	r.Participants = participants
	return r
}

func TestNextStartInstant(t *testing.T) {
	base := time.Date(2024, 5, 6, 7, 8, 0, 0, time.UTC)
	step := 10 * time.Second
	lead := 5 * time.Second

	tests := []struct {
		now      time.Time
		expected time.Time
	}{
		{base.Add(1 * time.Second), base.Add(10 * time.Second)},
		{base.Add(4*time.Second + 999*time.Millisecond), base.Add(10 * time.Second)},
		{base.Add(5 * time.Second), base.Add(10 * time.Second)},
		{base.Add(5*time.Second + time.Millisecond), base.Add(20 * time.Second)},
		{base.Add(9 * time.Second), base.Add(20 * time.Second)},
		{base, base.Add(10 * time.Second)},
	}

	for _, tt := range tests {
		got := NextStartInstant(tt.now, step, lead)
		assert.True(t, got.Equal(tt.expected), "now=%v: got %v, want %v", tt.now, got, tt.expected)
		assert.GreaterOrEqual(t, got.Sub(tt.now), lead)
		assert.Zero(t, got.UnixNano()%int64(step))
	}
}

func TestNewValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(nil, testOptions(), logger, nil)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))

	_, err = New([]NodeClient{&fakeNode{name: "a"}, &fakeNode{name: "a"}}, testOptions(), logger, nil)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))

	s, err := New([]NodeClient{&fakeNode{name: "a"}, &fakeNode{name: "b"}}, Options{}, logger, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.opts.ProbeAttempts)
	assert.Equal(t, 10, s.opts.MaxPollTries)
	require.Len(t, s.Nodes(), 2)
	assert.Equal(t, "a", s.Nodes()[0].Name())
}

func TestProbeNodesRetries(t *testing.T) {
	up := &fakeNode{name: "up"}
	down := &fakeNode{name: "down", pingErr: errUnreachable}
	s := newTestScheduler(t, testOptions(), up, down)

	alive := s.ProbeNodes(context.Background())

	assert.Equal(t, []string{"up"}, alive)
	assert.Equal(t, 1, up.pings)
	assert.Equal(t, 3, down.pings)

	n, ok := s.Node("down")
	require.True(t, ok)
	assert.False(t, n.IsResponsive())
}

func TestScheduleCapture(t *testing.T) {
	a := &fakeNode{name: "a"}
	b := &fakeNode{name: "b", startErr: pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "busy")}
	c := &fakeNode{name: "c", pingErr: errUnreachable}
	d := &fakeNode{name: "d"}
	s := newTestScheduler(t, testOptions(), a, b, c, d)

	before := time.Now()
	round, err := s.ScheduleCapture(context.Background(), 10*time.Second)
	require.NoError(t, err)

	assert.NotEmpty(t, round.ID)
	assert.Equal(t, []string{"a", "d"}, round.Participants)
	assert.GreaterOrEqual(t, round.StartAt.Sub(before), 50*time.Millisecond)
	assert.Equal(t, round.StartAt.Add(10*time.Second), round.EndAt())

	// Every participant was sent the same start instant.
	require.Len(t, a.starts, 1)
	require.Len(t, d.starts, 1)
	assert.True(t, a.starts[0].Equal(round.StartAt))
	assert.True(t, d.starts[0].Equal(round.StartAt))
	assert.Empty(t, c.starts)

	na, _ := s.Node("a")
	nb, _ := s.Node("b")
	assert.True(t, na.IsActive())
	assert.False(t, nb.IsActive())
	assert.True(t, nb.IsResponsive())
}

func TestScheduleCaptureRejectsBadDuration(t *testing.T) {
	s := newTestScheduler(t, testOptions(), &fakeNode{name: "a"})

	_, err := s.ScheduleCapture(context.Background(), 0)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))
}

func TestScheduleCaptureNoResponsiveNodes(t *testing.T) {
	s := newTestScheduler(t, testOptions(), &fakeNode{name: "a", pingErr: errUnreachable})

	round, err := s.ScheduleCapture(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, round.Participants)
}

func TestIsCaptureCompleteWaitsForEndInstant(t *testing.T) {
	a := &fakeNode{name: "a"}
	s := newTestScheduler(t, testOptions(), a)

	round := newRound(time.Now().Add(time.Hour), time.Second)
	round.Participants = []string{"a"}

	assert.False(t, s.IsCaptureComplete(context.Background(), round))
	assert.Equal(t, 0, a.pollCount())
	assert.Equal(t, 0, round.Polls())
}

func TestIsCaptureCompleteRequiresAllNodes(t *testing.T) {
	a := &fakeNode{name: "a", completions: []bool{true, true}}
	b := &fakeNode{name: "b", completions: []bool{false, true}}
	c := &fakeNode{name: "c", completions: []bool{true, true}}
	s := newTestScheduler(t, testOptions(), a, b, c)
	round := endedRound("a", "b", "c")
	ctx := context.Background()

	assert.False(t, s.IsCaptureComplete(ctx, round))
	assert.Equal(t, []string{"b"}, round.Pending())

	assert.True(t, s.IsCaptureComplete(ctx, round))
	assert.Equal(t, 2, round.Polls())
	assert.False(t, round.Degraded())
	assert.Equal(t, 2, b.pollCount())
}

func TestIsCaptureCompleteDegradesAfterMaxTries(t *testing.T) {
	opts := testOptions()
	opts.MaxPollTries = 4
	stuck := &fakeNode{name: "stuck", completions: []bool{false}}
	s := newTestScheduler(t, opts, stuck)
	round := endedRound("stuck")
	ctx := context.Background()

	for i := 0; i < opts.MaxPollTries; i++ {
		require.False(t, s.IsCaptureComplete(ctx, round), "poll %d", i+1)
	}
	assert.True(t, s.IsCaptureComplete(ctx, round))
	assert.True(t, round.Degraded())
	assert.Equal(t, opts.MaxPollTries, stuck.pollCount())
	assert.Equal(t, []string{"stuck"}, round.Pending())
}

func TestIsCaptureCompleteDropsUnresponsiveNodes(t *testing.T) {
	a := &fakeNode{name: "a", completions: []bool{false, true}}
	gone := &fakeNode{name: "gone", completeErr: errUnreachable}
	s := newTestScheduler(t, testOptions(), a, gone)
	round := endedRound("a", "gone")
	ctx := context.Background()

	assert.False(t, s.IsCaptureComplete(ctx, round))
	assert.Equal(t, []string{"gone"}, round.Dropped())

	assert.True(t, s.IsCaptureComplete(ctx, round))
	assert.True(t, round.Degraded())
	assert.Equal(t, 1, gone.pollCount())
}

func TestAwaitCompletion(t *testing.T) {
	a := &fakeNode{name: "a", completions: []bool{false, false, true}}
	s := newTestScheduler(t, testOptions(), a)

	round := newRound(time.Now().Add(20*time.Millisecond), 30*time.Millisecond)
	round.Participants = []string{"a"}

	start := time.Now()
	err := s.AwaitCompletion(context.Background(), round)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 3, round.Polls())
}

func TestAwaitCompletionDegraded(t *testing.T) {
	opts := testOptions()
	opts.MaxPollTries = 3
	a := &fakeNode{name: "a"}
	stuck := &fakeNode{name: "stuck", completions: []bool{false}}
	s := newTestScheduler(t, opts, a, stuck)
	round := endedRound("a", "stuck")

	err := s.AwaitCompletion(context.Background(), round)
	require.Error(t, err)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure))

	var se *pacerrors.StructuredError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []string{"stuck"}, se.Context["nodes"])
}

func TestAwaitCompletionDeadline(t *testing.T) {
	opts := testOptions()
	opts.MaxPollTries = 1000
	opts.CompletionGrace = 50 * time.Millisecond
	stuck := &fakeNode{name: "stuck", completions: []bool{false}}
	s := newTestScheduler(t, opts, stuck)
	round := newRound(time.Now(), 10*time.Millisecond)
	round.Participants = []string{"stuck"}

	start := time.Now()
	err := s.AwaitCompletion(context.Background(), round)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, round.Degraded())
}

func TestAwaitCompletionCancelled(t *testing.T) {
	s := newTestScheduler(t, testOptions(), &fakeNode{name: "a"})
	round := newRound(time.Now().Add(time.Hour), time.Second)
	round.Participants = []string{"a"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.AwaitCompletion(ctx, round)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollectFiles(t *testing.T) {
	a := &fakeNode{name: "a", files: []string{"PZOrec_2024_05_06_07_08_10_Udev0.wav"}}
	empty := &fakeNode{name: "empty"}
	broken := &fakeNode{name: "broken", listErr: errUnreachable}
	s := newTestScheduler(t, testOptions(), a, empty, broken)
	round := endedRound("a", "empty", "broken")
	require.True(t, s.IsCaptureComplete(context.Background(), round))

	files, err := s.CollectFiles(context.Background(), round)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure))
	require.Len(t, files, 1)
	assert.Equal(t, "a", files[0].Node)
	assert.Equal(t, a.files, files[0].Files)
}

func TestCollectFilesSkipsUnconfirmedNodes(t *testing.T) {
	a := &fakeNode{name: "a", files: []string{"PZOrec_2024_05_06_07_08_10_Udev0.wav"}}
	slow := &fakeNode{name: "slow", completions: []bool{false}, files: []string{"PZOrec_2024_05_06_07_08_00_Udev0.wav"}}
	gone := &fakeNode{name: "gone", completeErr: errUnreachable}
	opts := testOptions()
	opts.MaxPollTries = 1
	s := newTestScheduler(t, opts, a, slow, gone)
	round := endedRound("a", "slow", "gone")
	ctx := context.Background()

	assert.False(t, s.IsCaptureComplete(ctx, round))
	require.True(t, s.IsCaptureComplete(ctx, round))
	require.True(t, round.Degraded())
	assert.Equal(t, []string{"a"}, round.Confirmed())

	files, err := s.CollectFiles(ctx, round)
	require.NoError(t, err)
	assert.Equal(t, []NodeFiles{{Node: "a", Files: a.files}}, files)
	assert.Equal(t, 1, a.lists)
	assert.Zero(t, slow.lists, "pending node was asked for its files")
	assert.Zero(t, gone.lists, "dropped node was asked for its files")
}

func TestResetNodes(t *testing.T) {
	a := &fakeNode{name: "a"}
	busy := &fakeNode{name: "busy", resetErr: pacerrors.New(pacerrors.ErrCodeAlreadyRunning, "recording")}
	s := newTestScheduler(t, testOptions(), a, busy)
	ctx := context.Background()

	require.NoError(t, s.ResetNodes(ctx, "a"))
	assert.Equal(t, 1, a.resets)
	assert.Equal(t, 0, busy.resets)

	err := s.ResetNodes(ctx)
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodePartialFailure))
	assert.Equal(t, 2, a.resets)
	assert.Equal(t, 1, busy.resets)

	err = s.ResetNodes(ctx, "nope")
	assert.True(t, pacerrors.IsCode(err, pacerrors.ErrCodeInvalidArgument))
}

func TestListFilesCoversEveryNode(t *testing.T) {
	a := &fakeNode{name: "a", files: []string{"x.wav"}}
	b := &fakeNode{name: "b", files: []string{"y.wav", "z.wav"}}
	s := newTestScheduler(t, testOptions(), a, b)

	files, err := s.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []NodeFiles{
		{Node: "a", Files: []string{"x.wav"}},
		{Node: "b", Files: []string{"y.wav", "z.wav"}},
	}, files)
}
