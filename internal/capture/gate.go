package capture

import (
	"context"
	"sync"
	"time"
)

// startGate releases every recorder at once. It opens when all parties have
// arrived (or left) and the wall clock has reached the start instant.
type startGate struct {
	at time.Time

	mu      sync.Mutex
	pending int
	ready   chan struct{}

	released   chan struct{}
	releasedAt time.Time
}

func newStartGate(parties int, at time.Time) *startGate {
	g := &startGate{
		at:       at,
		pending:  parties,
		ready:    make(chan struct{}),
		released: make(chan struct{}),
	}
	if parties <= 0 {
		close(g.ready)
	}
	return g
}

// run opens the gate. It must be started exactly once and returns when the
// gate opened or ctx ended.
func (g *startGate) run(ctx context.Context) {
	select {
	case <-g.ready:
	case <-ctx.Done():
		return
	}

	timer := time.NewTimer(time.Until(g.at))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	g.releasedAt = time.Now()
	close(g.released)
}

// arrive marks the caller ready and blocks until the gate opens.
func (g *startGate) arrive(ctx context.Context) (time.Time, error) {
	g.depart()

	select {
	case <-g.released:
		return g.releasedAt, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// leave withdraws a party that will never arrive, e.g. a device that
// failed to open.
func (g *startGate) leave() {
	g.depart()
}

func (g *startGate) depart() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending <= 0 {
		return
	}
	g.pending--
	if g.pending == 0 {
		close(g.ready)
	}
}
