// ABOUTME: Discord implementation of the messaging backend using discordgo
// ABOUTME: Guild = parent space, hidden guild text channels = conversations

// Package discord adapts a discordgo session to backend.Backend. The parent
// space is one guild; conversation channels are text channels whose
// permission overwrite denies VIEW_CHANNEL to @everyone.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/clyde-relay/internal/backend"
)

// Config configures the Discord backend.
type Config struct {
	// Token is the account token. Bot tokens are sent with the "Bot " prefix
	// when Bot is set.
	Token string
	Bot   bool

	// GuildID is the parent space.
	GuildID string
}

// session is the subset of *discordgo.Session the backend calls. It exists
// so tests can substitute the REST surface.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Backend is a Discord-backed backend.Backend.
type Backend struct {
	session session
	guildID string
	logger  *slog.Logger
	remove  []func()
}

// New builds a Backend. The session is not opened until Open.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if cfg.GuildID == "" {
		return nil, fmt.Errorf("discord server id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	token := cfg.Token
	if cfg.Bot && !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	return newWithSession(s, cfg.GuildID, logger), nil
}

func newWithSession(s session, guildID string, logger *slog.Logger) *Backend {
	return &Backend{
		session: s,
		guildID: guildID,
		logger:  logger.With("component", "discord", "guild_id", guildID),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "discord" }

// Open registers event handlers and connects to the Discord gateway.
func (b *Backend) Open(ctx context.Context, h backend.Handler) error {
	b.remove = append(b.remove,
		b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			account := ""
			if r.User != nil {
				account = r.User.Username
			}
			b.logger.Info("logged in", "account", account)
			h.OnReady(account)
		}),
		b.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if msg, ok := b.convert(m); ok {
				h.OnMessage(msg)
			}
		}),
	)

	if err := b.session.Open(); err != nil {
		return backend.Wrap("opening discord session", err)
	}
	return nil
}

// convert maps a discordgo event to a backend message. Messages from other
// guilds and messages without an author are dropped.
func (b *Backend) convert(m *discordgo.MessageCreate) (backend.Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return backend.Message{}, false
	}
	if m.GuildID != "" && m.GuildID != b.guildID {
		return backend.Message{}, false
	}
	return backend.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Content:   m.Content,
	}, true
}

// Close removes handlers and disconnects.
func (b *Backend) Close() error {
	for _, rm := range b.remove {
		rm()
	}
	b.remove = nil
	if err := b.session.Close(); err != nil {
		return backend.Wrap("closing discord session", err)
	}
	return nil
}

// Channels lists every channel in the guild.
func (b *Backend) Channels(ctx context.Context) ([]backend.Channel, error) {
	chans, err := b.session.GuildChannels(b.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, backend.Wrap("fetching guild channels", err)
	}
	out := make([]backend.Channel, 0, len(chans))
	for _, c := range chans {
		out = append(out, backend.Channel{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// CreateChannel creates a text channel hidden from @everyone.
func (b *Backend) CreateChannel(ctx context.Context, name string) (backend.Channel, error) {
	c, err := b.session.GuildChannelCreateComplex(b.guildID, hiddenTextChannel(b.guildID, name), discordgo.WithContext(ctx))
	if err != nil {
		return backend.Channel{}, backend.Wrap("creating guild channel", err)
	}
	return backend.Channel{ID: c.ID, Name: c.Name}, nil
}

// hiddenTextChannel describes a text channel that @everyone cannot view. The
// @everyone role shares its ID with the guild.
func hiddenTextChannel(guildID, name string) discordgo.GuildChannelCreateData {
	return discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildText,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{
				ID:   guildID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: discordgo.PermissionViewChannel,
			},
		},
	}
}

// DeleteChannel deletes a guild channel.
func (b *Backend) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := b.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return backend.Wrap("deleting channel", err)
	}
	return nil
}

// Send posts a text message.
func (b *Backend) Send(ctx context.Context, channelID, text string) error {
	if _, err := b.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return backend.Wrap("sending message", err)
	}
	return nil
}

// Mention renders a Discord user mention.
func (b *Backend) Mention(userID string) string {
	return "<@" + userID + ">"
}

var _ backend.Backend = (*Backend)(nil)
