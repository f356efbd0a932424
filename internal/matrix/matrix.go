// ABOUTME: Matrix implementation of the messaging backend using mautrix
// ABOUTME: A Matrix space is the parent space; private child rooms are conversations

// Package matrix adapts a mautrix client to backend.Backend. Channels are
// invite-only rooms linked to one space through m.space.child and
// m.space.parent state events. Matrix has no room deletion, so deleting a
// channel unlinks it from the space, then leaves and forgets it.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/clyde-relay/internal/backend"
)

// Config configures the Matrix backend.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Username and Password are used when no access token is configured.
	Username string
	Password string

	// SpaceID is the parent space room.
	SpaceID string

	// Invite lists users invited into every new conversation room. The
	// responder must be among them to be able to reply.
	Invite []string
}

// Backend is a Matrix-backed backend.Backend.
type Backend struct {
	client   *mautrix.Client
	cfg      Config
	spaceID  id.RoomID
	via      []string
	logger   *slog.Logger
	openedAt time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Backend. Nothing is sent to the homeserver until Open.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if cfg.SpaceID == "" {
		return nil, errors.New("matrix space id is required")
	}
	if cfg.AccessToken == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("matrix access token or username and password are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Backend{
		client:  client,
		cfg:     cfg,
		spaceID: id.RoomID(cfg.SpaceID),
		logger:  logger.With("component", "matrix", "space_id", cfg.SpaceID),
	}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "matrix" }

// Open logs in if needed, registers event handlers and starts syncing in the
// background. OnReady fires after the first successful sync.
func (b *Backend) Open(ctx context.Context, h backend.Handler) error {
	if err := b.login(ctx); err != nil {
		return err
	}

	_, server, err := b.client.UserID.Parse()
	if err != nil {
		return fmt.Errorf("parsing matrix user id %q: %w", b.client.UserID, err)
	}
	b.via = []string{server}
	b.openedAt = time.Now()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}

	var readyOnce sync.Once
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		readyOnce.Do(func() {
			b.logger.Info("initial sync complete", "user_id", b.client.UserID.String())
			h.OnReady(b.client.UserID.String())
		})
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if msg, ok := b.convert(evt); ok {
			h.OnMessage(msg)
		}
	})

	syncCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		if err := b.client.SyncWithContext(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("matrix sync stopped", "error", err)
		}
	}()
	return nil
}

func (b *Backend) login(ctx context.Context) error {
	if b.cfg.AccessToken != "" {
		if b.client.UserID != "" {
			return nil
		}
		resp, err := b.client.Whoami(ctx)
		if err != nil {
			return backend.Wrap("resolving matrix user", err)
		}
		b.client.UserID = resp.UserID
		return nil
	}

	_, err := b.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.cfg.Username,
		},
		Password:         b.cfg.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return backend.Wrap("matrix login", err)
	}
	b.logger.Info("logged in", "user_id", b.client.UserID.String())
	return nil
}

// convert maps a room message event. Events from before Open (initial sync
// backfill) and non-text content are dropped.
func (b *Backend) convert(evt *event.Event) (backend.Message, bool) {
	if evt == nil || evt.Timestamp < b.openedAt.UnixMilli() {
		return backend.Message{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return backend.Message{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	default:
		return backend.Message{}, false
	}
	return backend.Message{
		ID:        evt.ID.String(),
		ChannelID: evt.RoomID.String(),
		AuthorID:  evt.Sender.String(),
		Content:   content.Body,
	}, true
}

// Close stops syncing.
func (b *Backend) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Channels lists the rooms that are children of the space.
func (b *Backend) Channels(ctx context.Context) ([]backend.Channel, error) {
	var out []backend.Channel
	from := ""
	for {
		resp, err := b.client.Hierarchy(ctx, b.spaceID, &mautrix.ReqHierarchy{From: from})
		if err != nil {
			return nil, backend.Wrap("fetching space hierarchy", err)
		}
		for _, room := range resp.Rooms {
			if room.RoomID == b.spaceID {
				continue
			}
			out = append(out, backend.Channel{ID: room.RoomID.String(), Name: room.Name})
		}
		if resp.NextBatch == "" {
			return out, nil
		}
		from = resp.NextBatch
	}
}

// CreateChannel creates an invite-only room and links it into the space.
func (b *Backend) CreateChannel(ctx context.Context, name string) (backend.Channel, error) {
	invite := make([]id.UserID, 0, len(b.cfg.Invite))
	for _, u := range b.cfg.Invite {
		invite = append(invite, id.UserID(u))
	}

	resp, err := b.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       name,
		Preset:     "private_chat",
		Visibility: "private",
		Invite:     invite,
	})
	if err != nil {
		return backend.Channel{}, backend.Wrap("creating room", err)
	}
	roomID := resp.RoomID

	_, err = b.client.SendStateEvent(ctx, roomID, event.StateSpaceParent, b.spaceID.String(), &event.SpaceParentEventContent{
		Via:       b.via,
		Canonical: true,
	})
	if err != nil {
		return backend.Channel{}, backend.Wrap("linking room to space", err)
	}
	_, err = b.client.SendStateEvent(ctx, b.spaceID, event.StateSpaceChild, roomID.String(), &event.SpaceChildEventContent{
		Via: b.via,
	})
	if err != nil {
		return backend.Channel{}, backend.Wrap("adding room to space", err)
	}

	return backend.Channel{ID: roomID.String(), Name: name}, nil
}

// DeleteChannel unlinks the room from the space, then leaves and forgets it.
func (b *Backend) DeleteChannel(ctx context.Context, channelID string) error {
	roomID := id.RoomID(channelID)

	// An m.space.child event with empty content removes the child.
	if _, err := b.client.SendStateEvent(ctx, b.spaceID, event.StateSpaceChild, channelID, struct{}{}); err != nil {
		return backend.Wrap("removing room from space", err)
	}
	if _, err := b.client.LeaveRoom(ctx, roomID); err != nil {
		return backend.Wrap("leaving room", err)
	}
	if _, err := b.client.ForgetRoom(ctx, roomID); err != nil {
		return backend.Wrap("forgetting room", err)
	}
	return nil
}

// Send posts a plain text message.
func (b *Backend) Send(ctx context.Context, channelID, text string) error {
	if _, err := b.client.SendText(ctx, id.RoomID(channelID), text); err != nil {
		return backend.Wrap("sending message", err)
	}
	return nil
}

// Mention renders a Matrix user mention as the bare user ID, which clients
// highlight when it appears in a plain text body.
func (b *Backend) Mention(userID string) string {
	return userID
}

var _ backend.Backend = (*Backend)(nil)
