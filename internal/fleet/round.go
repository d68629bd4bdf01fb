package fleet

import (
	"time"

	"github.com/google/uuid"
)

// Round is one scheduled capture across the fleet. Polling state lives on
// the round so consecutive rounds never share counters.
type Round struct {
	ID           string
	StartAt      time.Time
	Duration     time.Duration
	ScheduledAt  time.Time
	Participants []string

	polls    int
	complete map[string]bool
	dropped  map[string]bool
	degraded bool
	done     bool
}

func newRound(startAt time.Time, duration time.Duration) *Round {
	return &Round{
		ID:          uuid.NewString(),
		StartAt:     startAt,
		Duration:    duration,
		ScheduledAt: time.Now(),
		complete:    make(map[string]bool),
		dropped:     make(map[string]bool),
	}
}

// EndAt is the instant recording is expected to stop on every node.
func (r *Round) EndAt() time.Time {
	return r.StartAt.Add(r.Duration)
}

// Polls returns how many polling rounds have been performed
func (r *Round) Polls() int {
	return r.polls
}

// Degraded reports whether the round was declared complete without every
// participant confirming it.
func (r *Round) Degraded() bool {
	return r.degraded
}

// Pending returns participants that are still polled and have not yet
// reported completion.
func (r *Round) Pending() []string {
	var out []string
	for _, name := range r.Participants {
		if !r.dropped[name] && !r.complete[name] {
			out = append(out, name)
		}
	}
	return out
}

// Confirmed returns participants that reported completion.
func (r *Round) Confirmed() []string {
	var out []string
	for _, name := range r.Participants {
		if r.complete[name] && !r.dropped[name] {
			out = append(out, name)
		}
	}
	return out
}

// Dropped returns participants excluded from polling after failing to answer.
func (r *Round) Dropped() []string {
	var out []string
	for _, name := range r.Participants {
		if r.dropped[name] {
			out = append(out, name)
		}
	}
	return out
}

func (r *Round) polled() []string {
	var out []string
	for _, name := range r.Participants {
		if !r.dropped[name] {
			out = append(out, name)
		}
	}
	return out
}

// NextStartInstant returns the first multiple of step after now that lies at
// least minLead in the future.
func NextStartInstant(now time.Time, step, minLead time.Duration) time.Time {
	if step <= 0 {
		return now.Add(minLead)
	}
	next := now.Truncate(step).Add(step)
	for next.Sub(now) < minLead {
		next = next.Add(step)
	}
	return next
}
