// ABOUTME: Tests for the HTTP facade against a scripted conversation service
// ABOUTME: Covers validation order, status mapping, CORS, rate limiting and lifecycle handling

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clyde-relay/internal/backend"
	"github.com/2389/clyde-relay/internal/config"
	"github.com/2389/clyde-relay/internal/conversation"
	"github.com/2389/clyde-relay/internal/lifecycle"
	"github.com/2389/clyde-relay/internal/registry"
)

type call struct {
	op             string
	conversationID string
	message        string
}

type stubConversations struct {
	mu       sync.Mutex
	calls    []call
	reply    string
	turnErr  error
	tearErr  error
	turnHook func(ctx context.Context) (string, error)
}

func (s *stubConversations) Turn(ctx context.Context, conversationID, message string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{op: "turn", conversationID: conversationID, message: message})
	hook := s.turnHook
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return s.reply, s.turnErr
}

func (s *stubConversations) Teardown(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: "teardown", conversationID: conversationID})
	return s.tearErr
}

func (s *stubConversations) recorded() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Discord.Token = "t"
	cfg.Discord.ServerID = "g"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *stubConversations, *lifecycle.Tracker) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	conv := &stubConversations{reply: "hello from clyde"}
	state := &lifecycle.Tracker{}
	state.MarkReady()
	return New(cfg, conv, state, testLogger()), conv, state
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func turnURL(message, conversationID string) string {
	v := url.Values{}
	if message != "" {
		v.Set("message", message)
	}
	if conversationID != "" {
		v.Set("conversationID", conversationID)
	}
	return "/?" + v.Encode()
}

func TestHealthcheck(t *testing.T) {
	g, _, state := newTestGateway(t, nil)
	h := g.Handler()

	rec, body := do(t, h, http.MethodGet, "/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, body)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	state.MarkShuttingDown()
	rec, body = do(t, h, http.MethodGet, "/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "not ready"}, body)
}

func TestHealthcheckBeforeReady(t *testing.T) {
	conv := &stubConversations{}
	g := New(testConfig(), conv, &lifecycle.Tracker{}, testLogger())

	rec, body := do(t, g.Handler(), http.MethodGet, "/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not ready", body["status"])
}

func TestTurnSuccess(t *testing.T) {
	g, conv, _ := newTestGateway(t, nil)

	rec, body := do(t, g.Handler(), http.MethodGet, turnURL("hi there", "ABC123"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"response": "hello from clyde"}, body)

	calls := conv.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, call{op: "turn", conversationID: "abc123", message: "hi there"}, calls[0])
}

func TestTurnReplyIsNotHTMLEscaped(t *testing.T) {
	g, conv, _ := newTestGateway(t, nil)
	conv.reply = "<b>bold</b> & more"

	rec, _ := do(t, g.Handler(), http.MethodGet, turnURL("hi", "abc"))
	assert.Contains(t, rec.Body.String(), "<b>bold</b> & more")
}

func TestTurnValidation(t *testing.T) {
	long := strings.Repeat("a", 1851)
	exact := strings.Repeat("a", 1850)
	// Each emoji is two UTF-16 code units.
	emoji := strings.Repeat("😀", 926)

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantErr  string
	}{
		{"missing message", turnURL("", "abc"), http.StatusBadRequest, msgMissingTurn},
		{"missing conversation", turnURL("hi", ""), http.StatusBadRequest, msgMissingTurn},
		{"missing both", "/", http.StatusBadRequest, msgMissingTurn},
		{"too long", turnURL(long, "abc"), http.StatusBadRequest, "Message is too long. Must be under 1850 characters"},
		{"too long in utf16 units", turnURL(emoji, "abc"), http.StatusBadRequest, "Message is too long. Must be under 1850 characters"},
		{"too long beats invalid id", turnURL(long, "not valid!"), http.StatusBadRequest, "Message is too long. Must be under 1850 characters"},
		{"id with space", turnURL("hi", "has space"), http.StatusBadRequest, msgInvalidID},
		{"id with dash", turnURL("hi", "a-b"), http.StatusBadRequest, msgInvalidID},
		{"id too long", turnURL("hi", strings.Repeat("a", 33)), http.StatusBadRequest, msgInvalidID},
		{"exact limit ok", turnURL(exact, "abc"), http.StatusOK, ""},
		{"32 char id ok", turnURL("hi", strings.Repeat("Z", 32)), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, conv, _ := newTestGateway(t, nil)
			rec, body := do(t, g.Handler(), http.MethodGet, tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, map[string]any{"error": tt.wantErr}, body)
				assert.Empty(t, conv.recorded(), "service must not be called")
			}
		})
	}
}

func TestTurnNotReadyComesFirst(t *testing.T) {
	conv := &stubConversations{}
	g := New(testConfig(), conv, &lifecycle.Tracker{}, testLogger())

	rec, body := do(t, g.Handler(), http.MethodGet, "/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"error": msgNotReady}, body)
	assert.Empty(t, conv.recorded())
}

func TestShuttingDownAnswers503(t *testing.T) {
	g, conv, state := newTestGateway(t, nil)
	state.MarkShuttingDown()

	rec, body := do(t, g.Handler(), http.MethodGet, turnURL("hi", "abc"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, msgShuttingDown, body["error"])

	rec, _ = do(t, g.Handler(), http.MethodDelete, "/?conversationID=abc")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, conv.recorded())
}

func TestTurnErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"timeout", conversation.ErrReplyTimeout, http.StatusGatewayTimeout, msgTimeout},
		{"closed", conversation.ErrWaiterCancelled, http.StatusServiceUnavailable, msgShuttingDown},
		{"backend", backend.Wrap("sending message", errors.New("missing access")), http.StatusBadGateway, "Messaging backend error: sending message: missing access"},
		{"other", errors.New("boom"), http.StatusInternalServerError, msgInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, conv, _ := newTestGateway(t, nil)
			conv.turnErr = fmt.Errorf("wrapped: %w", tt.err)
			if tt.name == "backend" {
				conv.turnErr = tt.err
			}

			rec, body := do(t, g.Handler(), http.MethodGet, turnURL("hi", "abc"))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestTurnClientGoneWritesNothing(t *testing.T) {
	g, conv, _ := newTestGateway(t, nil)
	conv.turnHook = func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, turnURL("hi", "abc"), nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		g.Handler().ServeHTTP(rec, req)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after client went away")
	}
	assert.Zero(t, rec.Body.Len())
}

func TestTeardown(t *testing.T) {
	g, conv, _ := newTestGateway(t, nil)

	rec, body := do(t, g.Handler(), http.MethodDelete, "/?conversationID=ABC")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"response": msgDeleted, "success": true}, body)
	assert.Equal(t, []call{{op: "teardown", conversationID: "abc"}}, conv.recorded())
}

func TestTeardownValidationAndMapping(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		err      error
		wantCode int
		wantErr  string
	}{
		{"missing id", "/", nil, http.StatusBadRequest, msgMissingTeardown},
		{"invalid id", "/?conversationID=bad%20id", nil, http.StatusBadRequest, msgInvalidID},
		{"not found", "/?conversationID=abc", fmt.Errorf("resolve: %w", registry.ErrChannelNotFound), http.StatusOK, msgNotFound},
		{"backend", "/?conversationID=abc", backend.Wrap("deleting channel", errors.New("403")), http.StatusBadGateway, "Messaging backend error: deleting channel: 403"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, conv, _ := newTestGateway(t, nil)
			conv.tearErr = tt.err

			rec, body := do(t, g.Handler(), http.MethodDelete, tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, map[string]any{"error": tt.wantErr}, body)
		})
	}
}

func TestUnknownRoutes(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	h := g.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	h := g.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRPS = 2
	cfg.Server.TrustProxy = false
	g, _, _ := newTestGateway(t, cfg)

	now := time.Unix(1_700_000_000, 0)
	g.limiter.now = func() time.Time { return now }
	h := g.Handler()

	get := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:3333"))
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1111"), "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1111"), "bucket refills after a second")
}

func TestRateLimitBody(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRPS = 1
	g, _, _ := newTestGateway(t, cfg)
	h := g.Handler()

	do(t, h, http.MethodGet, "/healthcheck")
	rec, body := do(t, h, http.MethodGet, "/healthcheck")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, map[string]any{"error": msgTooManyRequests}, body)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Rejections are written like every other error response.
	want := httptest.NewRecorder()
	g.sendJSONError(want, http.StatusTooManyRequests, msgTooManyRequests)
	assert.Equal(t, want.Body.String(), rec.Body.String())
	assert.Equal(t, want.Header().Get("Content-Type"), rec.Header().Get("Content-Type"))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := newRateLimiter(5, false)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.allow("a")
	rl.allow("b")
	assert.Equal(t, 2, rl.size())

	now = now.Add(limiterIdleTTL + time.Second)
	rl.allow("c")
	assert.Equal(t, 1, rl.size())
}

func TestBackendErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"direct", backend.Wrap("deleting channel", errors.New("403")), "Messaging backend error: deleting channel: 403"},
		{"rewrapped", fmt.Errorf("creating channel for %q: %w", "abc", backend.Wrap("creating channel", errors.New("missing access"))), `Messaging backend error: creating channel for "abc": creating channel: missing access`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := backendErrorMessage(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, strings.Count(strings.ToLower(got), "messaging backend error"))
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")

	assert.Equal(t, "192.0.2.1", clientIP(req, false))
	assert.Equal(t, "198.51.100.7", clientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "192.0.2.1", clientIP(req, true))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", clientIP(req, false))
}

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 0, utf16Len(""))
	assert.Equal(t, 5, utf16Len("hello"))
	assert.Equal(t, 1, utf16Len("é"))
	assert.Equal(t, 2, utf16Len("😀"))
}

func TestRunAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Server.HTTPAddr = addr
	g, _, _ := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthcheck")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.HTTPAddr = ln.Addr().String()
	g, _, _ := newTestGateway(t, cfg)

	err = g.Run(context.Background())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-abc")
	require.NoError(t, err)
	assert.Equal(t, "tskey-abc", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)
}
