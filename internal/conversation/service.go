// ABOUTME: Conversation turns and teardown over the channel registry
// ABOUTME: Sends the prompt, correlates the responder's reply, and deletes conversations

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/clyde-relay/internal/backend"
	"github.com/2389/clyde-relay/internal/dedupe"
	"github.com/2389/clyde-relay/internal/registry"
)

const (
	// DefaultReplyTimeout bounds how long a turn waits for the responder.
	DefaultReplyTimeout = 5 * time.Minute

	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 10_000
)

// ChannelRegistry is what the service needs from the registry.
type ChannelRegistry interface {
	Resolve(ctx context.Context, conversationID string) (backend.Channel, error)
	ResolveOrCreate(ctx context.Context, conversationID string) (backend.Channel, error)
	Delete(ctx context.Context, channelID string) error
}

// Config configures a Service.
type Config struct {
	// ResponderID is the only author whose messages count as replies.
	ResponderID string

	// ReplyTimeout bounds the wait for a reply. Zero means DefaultReplyTimeout;
	// negative disables the bound and relies on the caller's context.
	ReplyTimeout time.Duration
}

// Service runs conversation turns.
type Service struct {
	registry  ChannelRegistry
	backend   backend.Backend
	waiters   *Waiters
	seen      *dedupe.Cache
	responder string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Service. Pass nil logger for default.
func New(reg ChannelRegistry, b backend.Backend, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ReplyTimeout
	if timeout == 0 {
		timeout = DefaultReplyTimeout
	}
	return &Service{
		registry:  reg,
		backend:   b,
		waiters:   NewWaiters(logger),
		seen:      dedupe.New(dedupeTTL, dedupeMaxSize),
		responder: cfg.ResponderID,
		timeout:   timeout,
		logger:    logger.With("component", "conversation"),
	}
}

// Turn relays message into the conversation's channel and returns the
// responder's reply.
func (s *Service) Turn(ctx context.Context, conversationID, message string) (string, error) {
	conversationID, err := registry.NormalizeConversationID(conversationID)
	if err != nil {
		return "", err
	}

	ch, err := s.registry.ResolveOrCreate(ctx, conversationID)
	if err != nil {
		return "", err
	}

	w := s.waiters.Register(ch.ID, s.responder)
	defer w.Cancel()

	prompt := s.backend.Mention(s.responder) + " " + message
	if err := s.backend.Send(ctx, ch.ID, prompt); err != nil {
		return "", fmt.Errorf("sending prompt to %s: %w", ch.ID, err)
	}

	s.logger.Info("prompt sent, awaiting reply",
		"conversation_id", conversationID,
		"channel_id", ch.ID,
		"waiter_id", w.ID(),
		"length", len(message),
	)

	start := time.Now()
	reply, err := w.Wait(ctx, s.timeout)
	if err != nil {
		s.logger.Warn("no reply",
			"conversation_id", conversationID,
			"channel_id", ch.ID,
			"error", err,
			"waited", time.Since(start),
		)
		return "", err
	}

	s.logger.Info("reply received",
		"conversation_id", conversationID,
		"channel_id", ch.ID,
		"message_id", reply.ID,
		"waited", time.Since(start),
	)
	return reply.Content, nil
}

// Teardown deletes the conversation's channel. It returns
// registry.ErrChannelNotFound when the conversation does not exist.
func (s *Service) Teardown(ctx context.Context, conversationID string) error {
	conversationID, err := registry.NormalizeConversationID(conversationID)
	if err != nil {
		return err
	}

	ch, err := s.registry.Resolve(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, ch.ID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted", "conversation_id", conversationID, "channel_id", ch.ID)
	return nil
}

// HandleMessage is the inbound event sink. Messages from anyone but the
// responder are ignored; redelivered messages are dropped.
func (s *Service) HandleMessage(msg backend.Message) {
	if msg.AuthorID != s.responder {
		return
	}
	if msg.ID != "" && !s.seen.FirstSighting(msg.ID) {
		s.logger.Debug("dropping redelivered message", "message_id", msg.ID)
		return
	}
	if !s.waiters.Resolve(msg) {
		s.logger.Debug("reply with no waiting turn", "channel_id", msg.ChannelID, "message_id", msg.ID)
	}
}

// Pending returns the number of turns currently waiting for a reply.
func (s *Service) Pending() int {
	return s.waiters.Pending()
}

// Close cancels waiting turns and releases background resources.
func (s *Service) Close() {
	s.waiters.Close()
	s.seen.Close()
}
