// ABOUTME: Maps conversation identifiers onto channels in the parent space
// ABOUTME: Live lookup, lazy hidden-channel creation, deletion and full-reset pruning

// Package registry resolves conversation identifiers to channels in the
// messaging backend's parent space. Existence of a conversation is defined
// solely by a channel with a matching name; nothing is cached locally.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/clyde-relay/internal/backend"
)

// ErrChannelNotFound is returned by Resolve when no channel carries the name.
var ErrChannelNotFound = errors.New("channel not found")

// ErrInvalidConversationID is returned for identifiers that are not 1-32
// ASCII letters and digits.
var ErrInvalidConversationID = errors.New("invalid conversation id")

var conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,32}$`)

// NormalizeConversationID lowercases id and validates it.
func NormalizeConversationID(id string) (string, error) {
	id = strings.ToLower(id)
	if !conversationIDPattern.MatchString(id) {
		return "", ErrInvalidConversationID
	}
	return id, nil
}

// Registry resolves, creates and deletes conversation channels.
type Registry struct {
	backend backend.Backend
	spaceID string
	logger  *slog.Logger
	flight  singleflight.Group
}

// New creates a Registry over the channels of one parent space. spaceID is
// only used for logging; the backend is already bound to the space.
func New(b backend.Backend, spaceID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: b,
		spaceID: spaceID,
		logger:  logger.With("space", spaceID),
	}
}

// Resolve returns the first channel named conversationID.
func (r *Registry) Resolve(ctx context.Context, conversationID string) (backend.Channel, error) {
	channels, err := r.backend.Channels(ctx)
	if err != nil {
		return backend.Channel{}, fmt.Errorf("resolving %q: %w", conversationID, err)
	}
	for _, ch := range channels {
		if ch.Name == conversationID {
			return ch, nil
		}
	}
	return backend.Channel{}, ErrChannelNotFound
}

// Create makes a new channel named conversationID, hidden from the general
// membership.
func (r *Registry) Create(ctx context.Context, conversationID string) (backend.Channel, error) {
	ch, err := r.backend.CreateChannel(ctx, conversationID)
	if err != nil {
		return backend.Channel{}, fmt.Errorf("creating channel for %q: %w", conversationID, err)
	}
	r.logger.Info("created conversation channel", "conversation_id", conversationID, "channel_id", ch.ID)
	return ch, nil
}

// resolveTimeout bounds a shared resolve-or-create call once it is detached
// from the caller that started it.
const resolveTimeout = 30 * time.Second

// ResolveOrCreate returns the channel for conversationID, creating it when
// absent. Concurrent callers in this process asking for the same identifier
// share a single lookup and at most one create; the first successful create
// wins. The shared call does not inherit any caller's cancellation: each
// caller stops waiting when its own ctx is done.
func (r *Registry) ResolveOrCreate(ctx context.Context, conversationID string) (backend.Channel, error) {
	ch := r.flight.DoChan(conversationID, func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		found, err := r.Resolve(sharedCtx, conversationID)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, ErrChannelNotFound) {
			return nil, err
		}
		return r.Create(sharedCtx, conversationID)
	})

	select {
	case <-ctx.Done():
		return backend.Channel{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return backend.Channel{}, res.Err
		}
		if res.Shared {
			r.logger.Debug("shared channel resolution", "conversation_id", conversationID)
		}
		return res.Val.(backend.Channel), nil
	}
}

// Delete removes a channel.
func (r *Registry) Delete(ctx context.Context, channelID string) error {
	if err := r.backend.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	r.logger.Info("deleted conversation channel", "channel_id", channelID)
	return nil
}

// Count returns the number of channels in the parent space.
func (r *Registry) Count(ctx context.Context) (int, error) {
	channels, err := r.backend.Channels(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting channels: %w", err)
	}
	return len(channels), nil
}
