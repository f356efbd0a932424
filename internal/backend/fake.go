// ABOUTME: In-memory Backend implementation for testing
// ABOUTME: Lets tests run the registry and conversation service without a transport

package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// SentMessage is a message recorded by Fake.Send.
type SentMessage struct {
	ChannelID string
	Text      string
}

// Fake is an in-memory Backend. All methods are safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	channels map[string]Channel
	order    []string
	sent     []SentMessage
	handler  Handler
	nextID   int
	creates  int
	deletes  int

	// Errors injected per operation. When set, the operation fails with the
	// error wrapped as a backend failure.
	ChannelsErr error
	CreateErr   error
	DeleteErr   error
	SendErr     error

	// OnSend, when set, is called after a message has been recorded. Tests
	// use it to script replies.
	OnSend func(channelID, text string)
}

// NewFake creates an empty Fake backend.
func NewFake() *Fake {
	return &Fake{
		channels: make(map[string]Channel),
	}
}

// Name implements Backend.
func (f *Fake) Name() string { return "fake" }

// Open implements Backend. It stores the handler but does not signal
// readiness; call Ready for that.
func (f *Fake) Open(ctx context.Context, handler Handler) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

// Close implements Backend.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.handler = nil
	f.mu.Unlock()
	return nil
}

// Ready signals readiness to the registered handler.
func (f *Fake) Ready() {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnReady("fake#0001")
	}
}

// Deliver injects an inbound message into the registered handler.
func (f *Fake) Deliver(msg Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnMessage(msg)
	}
}

// Channels implements Backend. Channels are returned in creation order.
func (f *Fake) Channels(ctx context.Context) ([]Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ChannelsErr != nil {
		return nil, Wrap("listing channels", f.ChannelsErr)
	}

	out := make([]Channel, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.channels[id])
	}
	return out, nil
}

// CreateChannel implements Backend.
func (f *Fake) CreateChannel(ctx context.Context, name string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return Channel{}, Wrap("creating channel", f.CreateErr)
	}

	f.nextID++
	f.creates++
	ch := Channel{ID: "chan-" + strconv.Itoa(f.nextID), Name: name}
	f.channels[ch.ID] = ch
	f.order = append(f.order, ch.ID)
	return ch, nil
}

// DeleteChannel implements Backend.
func (f *Fake) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DeleteErr != nil {
		return Wrap("deleting channel", f.DeleteErr)
	}
	if _, ok := f.channels[channelID]; !ok {
		return Wrap("deleting channel", fmt.Errorf("unknown channel %s", channelID))
	}

	f.deletes++
	delete(f.channels, channelID)
	for i, id := range f.order {
		if id == channelID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

// Send implements Backend.
func (f *Fake) Send(ctx context.Context, channelID, text string) error {
	f.mu.Lock()
	if f.SendErr != nil {
		f.mu.Unlock()
		return Wrap("sending message", f.SendErr)
	}
	f.sent = append(f.sent, SentMessage{ChannelID: channelID, Text: text})
	onSend := f.OnSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(channelID, text)
	}
	return nil
}

// Mention implements Backend using Discord's syntax.
func (f *Fake) Mention(userID string) string {
	return "<@" + userID + ">"
}

// AddChannel seeds a channel without counting it as a create.
func (f *Fake) AddChannel(name string) Channel {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	ch := Channel{ID: "chan-" + strconv.Itoa(f.nextID), Name: name}
	f.channels[ch.ID] = ch
	f.order = append(f.order, ch.ID)
	return ch
}

// Sent returns a copy of every message sent so far.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// ChannelNames returns the sorted names of every current channel.
func (f *Fake) ChannelNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		names = append(names, ch.Name)
	}
	sort.Strings(names)
	return names
}

// Creates returns how many channels were created through CreateChannel.
func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Deletes returns how many channels were deleted through DeleteChannel.
func (f *Fake) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

var _ Backend = (*Fake)(nil)
