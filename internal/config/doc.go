// Package config handles configuration loading for clyde-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then overlaid with a fixed set of plain environment variables.
// The file is optional: a deployment can be configured from the environment
// alone.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CLYDE_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clyde-relay/config.yaml
//  3. ~/.config/clyde-relay/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	discord:
//	  token: "${TOKEN}"
//
// # Environment Overrides
//
// These variables win over the file when set:
//
//	TOKEN              discord.token
//	SERVER_ID          discord.server_id
//	CLYDE_USER_ID      discord.responder_id
//	PORT               server.port
//	RATELIMIT_MAX_RPS  rate_limit.max_rps (unparseable values mean 10)
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	conversation:
//	  reply_timeout: "5m"
//
// The prune schedule is a cron spec or descriptor such as "@every 15m".
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
