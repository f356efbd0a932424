// ABOUTME: Scoped one-shot reply subscriptions keyed by channel and author
// ABOUTME: Each inbound reply resolves the oldest matching waiter; every exit path deregisters

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clyde-relay/internal/backend"
)

var (
	// ErrReplyTimeout is returned when no reply arrived within the timeout.
	ErrReplyTimeout = errors.New("timed out waiting for reply")

	// ErrWaiterCancelled is returned when the waiter set was closed while a
	// turn was still waiting.
	ErrWaiterCancelled = errors.New("reply wait cancelled")
)

type waitKey struct {
	channelID string
	authorID  string
}

// Waiter is a pending reply subscription.
type Waiter struct {
	id  string
	key waitKey
	ch  chan backend.Message
	set *Waiters
}

// ID returns the waiter's unique identifier.
func (w *Waiter) ID() string { return w.id }

// Cancel deregisters the waiter. It is safe to call after resolution and
// more than once.
func (w *Waiter) Cancel() {
	w.set.remove(w)
}

// Wait blocks until the waiter resolves, timeout elapses or ctx ends. The
// waiter is always deregistered on return. A non-positive timeout waits
// until ctx ends.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (backend.Message, error) {
	defer w.Cancel()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case msg, ok := <-w.ch:
		if !ok {
			return backend.Message{}, ErrWaiterCancelled
		}
		return msg, nil
	case <-expired:
		return backend.Message{}, ErrReplyTimeout
	case <-ctx.Done():
		return backend.Message{}, ctx.Err()
	}
}

// Waiters holds pending waiters in registration order per key.
type Waiters struct {
	mu     sync.Mutex
	queues map[waitKey][]*Waiter
	closed bool
	logger *slog.Logger
}

// NewWaiters creates an empty waiter set. Pass nil logger for default.
func NewWaiters(logger *slog.Logger) *Waiters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiters{
		queues: make(map[waitKey][]*Waiter),
		logger: logger.With("component", "waiters"),
	}
}

// Register adds a waiter for the next message authored by authorID in
// channelID. After Close, the returned waiter is already cancelled.
func (ws *Waiters) Register(channelID, authorID string) *Waiter {
	w := &Waiter{
		id:  uuid.New().String(),
		key: waitKey{channelID: channelID, authorID: authorID},
		ch:  make(chan backend.Message, 1),
		set: ws,
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		close(w.ch)
		return w
	}
	ws.queues[w.key] = append(ws.queues[w.key], w)

	ws.logger.Debug("waiter registered",
		"waiter_id", w.id,
		"channel_id", channelID,
		"pending", len(ws.queues[w.key]))
	return w
}

// Resolve hands msg to the oldest waiter registered for its channel and
// author. It reports whether a waiter took the message.
func (ws *Waiters) Resolve(msg backend.Message) bool {
	key := waitKey{channelID: msg.ChannelID, authorID: msg.AuthorID}

	ws.mu.Lock()
	queue := ws.queues[key]
	if len(queue) == 0 {
		ws.mu.Unlock()
		return false
	}
	w := queue[0]
	ws.dropLocked(key, 0)
	ws.mu.Unlock()

	// Buffered for exactly one message and the waiter has left the queue,
	// so this never blocks.
	w.ch <- msg

	ws.logger.Debug("waiter resolved", "waiter_id", w.id, "channel_id", msg.ChannelID, "message_id", msg.ID)
	return true
}

// Pending returns the number of registered waiters.
func (ws *Waiters) Pending() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	n := 0
	for _, q := range ws.queues {
		n += len(q)
	}
	return n
}

// Close cancels every pending waiter and rejects new registrations.
func (ws *Waiters) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for key, q := range ws.queues {
		for _, w := range q {
			close(w.ch)
		}
		delete(ws.queues, key)
	}
	ws.closed = true
}

func (ws *Waiters) remove(w *Waiter) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for i, q := range ws.queues[w.key] {
		if q == w {
			ws.dropLocked(w.key, i)
			return
		}
	}
}

// dropLocked removes queue[i] for key. Must be called with mu held.
func (ws *Waiters) dropLocked(key waitKey, i int) {
	q := ws.queues[key]
	q = append(q[:i], q[i+1:]...)
	if len(q) == 0 {
		delete(ws.queues, key)
		return
	}
	ws.queues[key] = q
}
