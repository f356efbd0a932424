// ABOUTME: Capability interface for the messaging service behind clyde-relay
// ABOUTME: Channels, sends, mentions and the inbound message event stream

package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrBackend marks an error returned by the messaging service itself
// (network, permission, missing entity) as opposed to a local failure.
var ErrBackend = errors.New("messaging backend error")

// Channel is an addressable communication space inside the parent space.
type Channel struct {
	ID   string
	Name string
}

// Message is an inbound message event.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
}

// Handler receives backend lifecycle and message events.
type Handler interface {
	OnReady(account string)
	OnMessage(msg Message)
}

// Backend is the messaging service capability set.
type Backend interface {
	// Name identifies the transport ("discord", "matrix", "fake").
	Name() string

	// Open starts the session and begins delivering events to handler.
	// It returns once the connection attempt has been made; readiness is
	// signalled separately through Handler.OnReady.
	Open(ctx context.Context, handler Handler) error

	// Close ends the session.
	Close() error

	// Channels lists every channel in the parent space.
	Channels(ctx context.Context) ([]Channel, error)

	// CreateChannel creates a channel hidden from the general membership.
	CreateChannel(ctx context.Context, name string) (Channel, error)

	// DeleteChannel removes a channel from the parent space.
	DeleteChannel(ctx context.Context, channelID string) error

	// Send posts text into a channel.
	Send(ctx context.Context, channelID, text string) error

	// Mention renders a mention of userID in the transport's syntax.
	Mention(userID string) string
}

// Wrap tags err as a backend failure for op. It returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Ready   func(account string)
	Message func(msg Message)
}

// OnReady implements Handler.
func (h HandlerFuncs) OnReady(account string) {
	if h.Ready != nil {
		h.Ready(account)
	}
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(msg Message) {
	if h.Message != nil {
		h.Message(msg)
	}
}
