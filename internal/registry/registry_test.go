// ABOUTME: Tests for conversation channel resolution, creation and deletion
// ABOUTME: Covers idempotent resolve-or-create, case normalization and backend failures

package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clyde-relay/internal/backend"
)

func newTestRegistry(t *testing.T) (*Registry, *backend.Fake) {
	t.Helper()
	f := backend.NewFake()
	return New(f, "guild-1", nil), f
}

func TestNormalizeConversationID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lowercase", in: "abc1", want: "abc1"},
		{name: "mixed case", in: "AbC1", want: "abc1"},
		{name: "max length", in: strings.Repeat("a", 32), want: strings.Repeat("a", 32)},
		{name: "empty", in: "", wantErr: true},
		{name: "too long", in: strings.Repeat("a", 33), wantErr: true},
		{name: "space", in: "abc 1", wantErr: true},
		{name: "dash", in: "abc-1", wantErr: true},
		{name: "underscore", in: "abc_1", wantErr: true},
		{name: "non ascii", in: "café", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeConversationID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConversationID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestResolve_ReturnsFirstMatch(t *testing.T) {
	r, f := newTestRegistry(t)
	f.AddChannel("other")
	first := f.AddChannel("abc1")
	f.AddChannel("abc1")

	ch, err := r.Resolve(context.Background(), "abc1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, ch.ID)
}

func TestResolveOrCreate_Idempotent(t *testing.T) {
	r, f := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.ResolveOrCreate(ctx, "abc1")
	require.NoError(t, err)
	second, err := r.ResolveOrCreate(ctx, "abc1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.Creates())
	assert.Equal(t, []string{"abc1"}, f.ChannelNames())
}

func TestResolveOrCreate_CaseVariantsShareChannel(t *testing.T) {
	r, f := newTestRegistry(t)
	ctx := context.Background()

	upper, err := NormalizeConversationID("AbC1")
	require.NoError(t, err)
	lower, err := NormalizeConversationID("abc1")
	require.NoError(t, err)

	a, err := r.ResolveOrCreate(ctx, upper)
	require.NoError(t, err)
	b, err := r.ResolveOrCreate(ctx, lower)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "abc1", a.Name)
	assert.Equal(t, 1, f.Creates())
}

// blockingBackend parks Channels calls until release is closed.
type blockingBackend struct {
	*backend.Fake
	release chan struct{}
	parked  atomic.Int32
}

func (b *blockingBackend) Channels(ctx context.Context) ([]backend.Channel, error) {
	b.parked.Add(1)
	<-b.release
	return b.Fake.Channels(ctx)
}

func TestResolveOrCreate_ConcurrentCallersCreateOnce(t *testing.T) {
	f := backend.NewFake()
	blocking := &blockingBackend{Fake: f, release: make(chan struct{})}
	r := New(blocking, "guild-1", nil)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := r.ResolveOrCreate(context.Background(), "shared")
			if assert.NoError(t, err) {
				ids[i] = ch.ID
			}
		}(i)
	}

	assert.Eventually(t, func() bool { return blocking.parked.Load() > 0 }, time.Second, time.Millisecond)
	// Give the remaining goroutines time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(blocking.release)
	wg.Wait()

	assert.Equal(t, 1, f.Creates())
	assert.Equal(t, []string{"shared"}, f.ChannelNames())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestResolveOrCreate_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := backend.NewFake()
	blocking := &blockingBackend{Fake: f, release: make(chan struct{})}
	r := New(blocking, "guild-1", nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.ResolveOrCreate(firstCtx, "abc")
		firstErr <- err
	}()
	assert.Eventually(t, func() bool { return blocking.parked.Load() > 0 }, time.Second, time.Millisecond)

	type result struct {
		ch  backend.Channel
		err error
	}
	second := make(chan result, 1)
	go func() {
		ch, err := r.ResolveOrCreate(context.Background(), "abc")
		second <- result{ch, err}
	}()
	// Let the second caller join the in-flight call.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(blocking.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "abc", res.ch.Name)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, f.Creates())
	assert.Equal(t, int32(1), blocking.parked.Load())
}

func TestResolveOrCreate_PropagatesListFailure(t *testing.T) {
	r, f := newTestRegistry(t)
	f.ChannelsErr = errors.New("401 unauthorized")

	_, err := r.ResolveOrCreate(context.Background(), "abc1")
	assert.ErrorIs(t, err, backend.ErrBackend)
	assert.Equal(t, 0, f.Creates())
}

func TestResolveOrCreate_PropagatesCreateFailure(t *testing.T) {
	r, f := newTestRegistry(t)
	f.CreateErr = errors.New("missing permissions")

	_, err := r.ResolveOrCreate(context.Background(), "abc1")
	assert.ErrorIs(t, err, backend.ErrBackend)
	assert.Empty(t, f.ChannelNames())
}

func TestDelete(t *testing.T) {
	r, f := newTestRegistry(t)
	ch := f.AddChannel("abc1")

	require.NoError(t, r.Delete(context.Background(), ch.ID))
	assert.Empty(t, f.ChannelNames())

	err := r.Delete(context.Background(), ch.ID)
	assert.ErrorIs(t, err, backend.ErrBackend)
}

func TestCount(t *testing.T) {
	r, f := newTestRegistry(t)
	f.AddChannel("a")
	f.AddChannel("b")

	n, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
