// ABOUTME: Command implementations: serve wires backend, registry, sweeper and gateway
// ABOUTME: prune runs one sweep, health checks a running relay, init writes a starter config

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/clyde-relay/internal/backend"
	"github.com/2389/clyde-relay/internal/config"
	"github.com/2389/clyde-relay/internal/conversation"
	"github.com/2389/clyde-relay/internal/discord"
	"github.com/2389/clyde-relay/internal/gateway"
	"github.com/2389/clyde-relay/internal/lifecycle"
	"github.com/2389/clyde-relay/internal/matrix"
	"github.com/2389/clyde-relay/internal/registry"
	"github.com/2389/clyde-relay/internal/sweeper"
)

// newBackend builds the messaging backend selected by backend.kind.
func newBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendMatrix:
		return matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Username:    cfg.Matrix.Username,
			Password:    cfg.Matrix.Password,
			SpaceID:     cfg.Matrix.SpaceID,
			Invite:      []string{cfg.Matrix.ResponderID},
		}, logger)
	case config.BackendDiscord:
		return discord.New(discord.Config{
			Token:   cfg.Discord.Token,
			Bot:     cfg.Discord.Bot,
			GuildID: cfg.Discord.ServerID,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

func printStartup(configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s (space %s)\n", cfg.Backend.Kind, cfg.SpaceID())
	green.Print("    ▶ ")
	fmt.Printf("Responder: %s\n", cfg.ResponderID())

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.Addr())
	}

	if cfg.RateLimit.MaxRPS > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Rate:      %d req/s per client\n", cfg.RateLimit.MaxRPS)
	}
	fmt.Println()
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	printStartup(configPath, cfg)

	logger.Info("starting clyde-relay",
		"config", configPath,
		"backend", cfg.Backend.Kind,
		"http_addr", cfg.Server.Addr(),
	)

	be, err := newBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	reg := registry.New(be, cfg.SpaceID(), logger)
	svc := conversation.New(reg, be, conversation.Config{
		ResponderID:  cfg.ResponderID(),
		ReplyTimeout: cfg.Conversation.ReplyTimeout,
	}, logger)

	sw, err := sweeper.New(reg, sweeper.Options{
		Schedule:    cfg.Prune.Schedule,
		MaxChannels: cfg.Prune.MaxChannels,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sweeper: %w", err)
	}

	state := &lifecycle.Tracker{}
	gw := gateway.New(cfg, svc, state, logger)

	handler := backend.HandlerFuncs{
		Ready: func(account string) {
			if !state.MarkReady() {
				logger.Info("backend session resumed", "account", account)
				return
			}
			logger.Info("logged in", "account", account, "backend", be.Name())
			sw.Trigger()
		},
		Message: svc.HandleMessage,
	}
	if err := be.Open(ctx, handler); err != nil {
		return fmt.Errorf("opening %s session: %w", be.Name(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Run(gctx)
	})
	g.Go(func() error {
		sw.Start()
		<-gctx.Done()

		// Turns still waiting for a reply answer 503 from here on.
		state.MarkShuttingDown()
		svc.Close()

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sw.Stop(stopCtx); err != nil {
			logger.Warn("sweeper did not stop cleanly", "error", err)
		}
		if err := be.Close(); err != nil {
			return fmt.Errorf("closing %s session: %w", be.Name(), err)
		}
		logger.Info("backend session closed")
		return nil
	})
	return g.Wait()
}

const pruneReadyTimeout = 30 * time.Second

func runPrune(ctx context.Context, configPath string, max int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	be, err := newBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	ready := make(chan struct{}, 1)
	err = be.Open(ctx, backend.HandlerFuncs{
		Ready: func(string) {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("opening %s session: %w", be.Name(), err)
	}
	defer be.Close()

	select {
	case <-ready:
	case <-time.After(pruneReadyTimeout):
		return fmt.Errorf("%s session not ready after %s", be.Name(), pruneReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if max <= 0 {
		max = cfg.Prune.MaxChannels
	}
	reg := registry.New(be, cfg.SpaceID(), logger)
	sw, err := sweeper.New(reg, sweeper.Options{Schedule: cfg.Prune.Schedule, MaxChannels: max}, logger)
	if err != nil {
		return fmt.Errorf("creating sweeper: %w", err)
	}

	res, err := sw.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("pruning: %w", err)
	}
	if res.Pruned() {
		fmt.Printf("deleted %d of %d channels (limit %d)\n", res.Deleted, res.Count, res.Max)
	} else {
		fmt.Printf("%d channels, under the limit of %d\n", res.Count, res.Max)
	}
	return nil
}

// healthURL derives a loopback healthcheck URL from the listen address.
func healthURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Addr())
	if err != nil {
		return "http://" + cfg.Server.Addr() + "/healthcheck"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthcheck"
}

func runHealth(ctx context.Context, configPath, url string, out io.Writer) error {
	if url == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		url = healthURL(cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("unhealthy: %s", body.Status)
	}

	fmt.Fprintln(out, "healthy")
	return nil
}

func runInit(path string, force bool, out io.Writer) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "wrote %s\n", path)
	fmt.Fprintln(out, "  set TOKEN and SERVER_ID, then run: clyde-relay serve")
	return nil
}
