// Package backend defines the capability interface clyde-relay needs from a
// chat-style messaging service.
//
// # Overview
//
// A Backend exposes one parent space (a Discord guild, a Matrix space) that
// holds channels. clyde-relay never talks to a concrete transport directly;
// the registry, the sweeper and the conversation service all go through
// this interface:
//
//	type Backend interface {
//	    Open(ctx context.Context, handler Handler) error
//	    Close() error
//	    Channels(ctx context.Context) ([]Channel, error)
//	    CreateChannel(ctx context.Context, name string) (Channel, error)
//	    DeleteChannel(ctx context.Context, channelID string) error
//	    Send(ctx context.Context, channelID, text string) error
//	    Mention(userID string) string
//	}
//
// # Events
//
// Open registers a Handler. The backend calls OnReady once its login
// handshake is complete and OnMessage for every inbound message it sees in
// the parent space. Handlers must not block.
//
// # Errors
//
// Implementations wrap transport failures with ErrBackend so callers can
// translate them without knowing which transport produced them.
//
// # Fake
//
// Fake is an in-memory Backend for tests. It records sent messages and lets
// a test inject inbound messages with Deliver.
package backend
