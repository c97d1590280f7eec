// Package config loads the coven-rooms configuration.
//
// # Format
//
// Files ending in .toml are decoded with BurntSushi/toml; anything else is
// YAML. ${VAR} references are expanded from the environment before decoding,
// so secrets can stay out of the file:
//
//	auth:
//	  jwt_secret: "${COVEN_ROOMS_JWT_SECRET}"
//
// Durations are written as Go duration strings ("30s", "72h") and parsed
// after decoding.
//
// # Overrides and defaults
//
// COVEN_ROOMS_DB_PATH replaces database.path. DEEPSEEK_API_KEY is used when
// llm.api_key is empty. Unset fields get the Default* constants, including
// the bounded queue sizes under delivery.
//
// # Location
//
// DefaultPath resolves $COVEN_ROOMS_CONFIG, then
// $XDG_CONFIG_HOME/coven/rooms.yaml, then ~/.config/coven/rooms.yaml.
// Starter returns the file written by `coven-rooms init`.
package config
