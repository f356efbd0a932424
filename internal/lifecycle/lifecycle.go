// ABOUTME: Process lifecycle state shared by the backend session and HTTP layer
// ABOUTME: Tracks uninitialized -> ready -> shutting-down and carries snapshots in contexts

// Package lifecycle tracks whether clyde-relay can serve conversation
// requests. The HTTP layer snapshots the current state into each request's
// context so handlers never read process-wide state directly.
package lifecycle

import (
	"context"
	"sync/atomic"
)

// State is a lifecycle phase.
type State int32

const (
	Uninitialized State = iota
	Ready
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Tracker holds the current state. The zero value is Uninitialized.
type Tracker struct {
	state atomic.Int32
}

// Current returns the current state.
func (t *Tracker) Current() State {
	return State(t.state.Load())
}

// MarkReady moves Uninitialized to Ready. It reports whether the transition
// happened; a tracker that is already shutting down stays that way.
func (t *Tracker) MarkReady() bool {
	return t.state.CompareAndSwap(int32(Uninitialized), int32(Ready))
}

// MarkShuttingDown moves any state to ShuttingDown.
func (t *Tracker) MarkShuttingDown() {
	t.state.Store(int32(ShuttingDown))
}

type ctxKey struct{}

// WithState returns a copy of ctx carrying s.
func WithState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the state stored in ctx, or Uninitialized.
func FromContext(ctx context.Context) State {
	if s, ok := ctx.Value(ctxKey{}).(State); ok {
		return s
	}
	return Uninitialized
}
