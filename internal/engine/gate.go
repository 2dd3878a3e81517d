package engine

import (
	"context"
	"sync"
)

// pauseGate is the cooperative pause point an executor checks between
// top-level steps. Pausing never interrupts a step in flight; the walk
// parks on Wait until resumed or cancelled.
type pauseGate struct {
	mu     sync.Mutex
	resume chan struct{} // non-nil while paused
}

func newPauseGate() *pauseGate {
	return &pauseGate{}
}

// Pause closes the gate. Returns false when already paused.
func (g *pauseGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		return false
	}
	g.resume = make(chan struct{})
	return true
}

// Resume opens the gate and releases any parked walk. Returns false when
// not paused.
func (g *pauseGate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		return false
	}
	close(g.resume)
	g.resume = nil
	return true
}

// Paused reports whether the gate is closed.
func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume != nil
}

// Wait parks until the gate opens or the context ends. No busy waiting;
// the walk blocks on the resume channel.
func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()

		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cancelledError(ctx)
		}
	}
}
