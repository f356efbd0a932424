// ABOUTME: Configuration loading and parsing for clyde-relay
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendDiscord = "discord"
	BackendMatrix  = "matrix"
)

// Defaults applied before the file and environment are read.
const (
	DefaultPort             = 8080
	DefaultResponderID      = "1081004946872352958"
	DefaultReplyTimeout     = 5 * time.Minute
	DefaultMaxMessageLength = 1850
	DefaultMaxChannels      = 450
	DefaultPruneSchedule    = "@every 15m"
)

// Config represents the complete clyde-relay configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Backend      BackendConfig      `yaml:"backend"`
	Discord      DiscordConfig      `yaml:"discord"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Conversation ConversationConfig `yaml:"conversation"`
	Prune        PruneConfig        `yaml:"prune"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	// HTTPAddr is a full listen address. When empty the server listens on Port.
	HTTPAddr string `yaml:"http_addr"`
	Port     int    `yaml:"port"`

	// TrustProxy takes the client address for rate limiting from the
	// right-most X-Forwarded-For entry.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Addr returns the address the HTTP server listens on.
func (s ServerConfig) Addr() string {
	if s.HTTPAddr != "" {
		return s.HTTPAddr
	}
	return fmt.Sprintf(":%d", s.Port)
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// BackendConfig selects the messaging service
type BackendConfig struct {
	Kind string `yaml:"kind"`
}

// DiscordConfig holds Discord connection configuration
type DiscordConfig struct {
	Token string `yaml:"token"`
	// Bot marks Token as a bot token. User tokens are sent as-is.
	Bot         bool   `yaml:"bot"`
	ServerID    string `yaml:"server_id"`
	ResponderID string `yaml:"responder_id"`
}

// MatrixConfig holds Matrix connection configuration
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SpaceID     string `yaml:"space_id"`
	ResponderID string `yaml:"responder_id"`
}

// ConversationConfig holds request/reply settings
type ConversationConfig struct {
	ReplyTimeout     time.Duration `yaml:"-"`
	MaxMessageLength int           `yaml:"max_message_length"`

	// Raw string values for YAML unmarshaling
	ReplyTimeoutRaw string `yaml:"reply_timeout"`
}

// PruneConfig holds channel sweeper settings
type PruneConfig struct {
	MaxChannels int    `yaml:"max_channels"`
	Schedule    string `yaml:"schedule"`
}

// RateLimitConfig holds per-client rate limiting. Zero disables it.
type RateLimitConfig struct {
	MaxRPS int `yaml:"max_rps"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SpaceID returns the parent space identifier for the selected backend.
func (c *Config) SpaceID() string {
	if c.Backend.Kind == BackendMatrix {
		return c.Matrix.SpaceID
	}
	return c.Discord.ServerID
}

// ResponderID returns the responder identity for the selected backend.
func (c *Config) ResponderID() string {
	if c.Backend.Kind == BackendMatrix {
		return c.Matrix.ResponderID
	}
	return c.Discord.ResponderID
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: DefaultPort, TrustProxy: true},
		Backend: BackendConfig{Kind: BackendDiscord},
		Discord: DiscordConfig{ResponderID: DefaultResponderID},
		Conversation: ConversationConfig{
			ReplyTimeout:     DefaultReplyTimeout,
			MaxMessageLength: DefaultMaxMessageLength,
		},
		Prune: PruneConfig{
			MaxChannels: DefaultMaxChannels,
			Schedule:    DefaultPruneSchedule,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config file location: CLYDE_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/clyde-relay/config.yaml, then ~/.config/clyde-relay/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("CLYDE_RELAY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "clyde-relay", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "clyde-relay", "config.yaml")
	}
	return filepath.Join(home, ".config", "clyde-relay", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// A missing file is not an error; defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays the plain environment variables the relay has always
// honoured. They win over the file.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
	if v := getenv("SERVER_ID"); v != "" {
		cfg.Discord.ServerID = v
	}
	if v := getenv("CLYDE_USER_ID"); v != "" {
		cfg.Discord.ResponderID = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT %q is not a valid port", v)
		}
		cfg.Server.Port = port
		if cfg.Server.HTTPAddr != "" {
			host, _, err := net.SplitHostPort(cfg.Server.HTTPAddr)
			if err != nil {
				return fmt.Errorf("server.http_addr %q: %w", cfg.Server.HTTPAddr, err)
			}
			cfg.Server.HTTPAddr = net.JoinHostPort(host, v)
		}
	}
	if v := getenv("RATELIMIT_MAX_RPS"); v != "" {
		// An unparseable value falls back to 10 rather than disabling the limiter.
		rps, err := strconv.Atoi(v)
		if err != nil || rps <= 0 {
			rps = 10
		}
		cfg.RateLimit.MaxRPS = rps
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d is out of range (or enable tailscale)", c.Server.Port)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Backend.Kind {
	case BackendDiscord:
		if c.Discord.Token == "" {
			return fmt.Errorf("discord.token is required (or set TOKEN)")
		}
		if c.Discord.ServerID == "" {
			return fmt.Errorf("discord.server_id is required (or set SERVER_ID)")
		}
		if c.Discord.ResponderID == "" {
			return fmt.Errorf("discord.responder_id is required (or set CLYDE_USER_ID)")
		}
	case BackendMatrix:
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required")
		}
		if c.Matrix.SpaceID == "" {
			return fmt.Errorf("matrix.space_id is required")
		}
		if c.Matrix.ResponderID == "" {
			return fmt.Errorf("matrix.responder_id is required")
		}
		if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
			return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
		}
	default:
		return fmt.Errorf("backend.kind %q is not one of %q, %q", c.Backend.Kind, BackendDiscord, BackendMatrix)
	}

	if c.Conversation.ReplyTimeout <= 0 {
		return fmt.Errorf("conversation.reply_timeout must be positive")
	}
	if c.Conversation.MaxMessageLength <= 0 {
		return fmt.Errorf("conversation.max_message_length must be positive")
	}
	if c.Prune.MaxChannels < 0 {
		return fmt.Errorf("prune.max_channels must not be negative")
	}
	if c.RateLimit.MaxRPS < 0 {
		return fmt.Errorf("rate_limit.max_rps must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Conversation.ReplyTimeoutRaw != "" {
		cfg.Conversation.ReplyTimeout, err = time.ParseDuration(cfg.Conversation.ReplyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing reply_timeout %q: %w", cfg.Conversation.ReplyTimeoutRaw, err)
		}
	}

	return nil
}

// Sample is the starter configuration written by `clyde-relay init`.
const Sample = `# clyde-relay configuration

server:
  port: 8080
  trust_proxy: true

backend:
  kind: discord   # discord, matrix

discord:
  token: "${TOKEN}"
  bot: false
  server_id: "${SERVER_ID}"
  responder_id: "1081004946872352958"

# matrix:
#   homeserver: "https://matrix.example.org"
#   user_id: "@relay:example.org"
#   access_token: "${MATRIX_ACCESS_TOKEN}"
#   space_id: "!space:example.org"
#   responder_id: "@clyde:example.org"

conversation:
  reply_timeout: "5m"
  max_message_length: 1850

prune:
  max_channels: 450
  schedule: "@every 15m"

rate_limit:
  max_rps: 0   # 0 disables rate limiting

tailscale:
  enabled: false
  hostname: "clyde-relay"
  auth_key: "${TS_AUTHKEY}"

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json
`
