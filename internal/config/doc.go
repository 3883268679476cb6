// Package config handles configuration loading for consult-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from CONSULT_CONFIG environment variable
//  3. ./config.yaml or ./config.toml
//  4. ~/.config/consult/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  identity_secret: "${CONSULT_IDENTITY_SECRET}"
//
// Unset variables expand to the empty string. After decoding, CONSULT_DB_PATH
// replaces database.path, and TS_AUTHKEY and GEMINI_API_KEY fill
// tailscale.auth_key and gemini.api_key when the file leaves them empty.
//
// # Sections
//
//	server:          http_addr, grpc_addr
//	tailscale:       enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:        driver (sqlite | sqlite3), path
//	auth:            identity_secret, scoped_secret, scoped_ttl
//	token_exchange:  mode (local | remote), endpoint, timeout
//	backend:         kind (http | gemini | null), endpoint, forward_content, timeout
//	gemini:          api_key, model, system_prompt
//	changefeed:      driver (memory | gochannel | redis), redis_addr, consumer_group, consumer, dedupe_ttl
//	logging:         level, format (text | json)
//
// An http backend without an endpoint answers every relay call with the
// degraded echo reply. forward_content defaults to false, so the backend sees
// only session_id and message_id.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("15m", "60s") and must
// be positive. Absent durations take the package defaults.
package config
