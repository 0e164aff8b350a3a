// Package config handles configuration loading for creative-auth.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends
// in .toml, with environment variable expansion. Missing values fall back to
// development defaults and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the -config flag
//  2. Path from CREATIVE_AUTH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/creative-auth/config.yaml (~/.config/creative-auth/config.yaml)
//
// A .env file in the working directory is loaded first, so it can supply the
// variables referenced below.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	sso:
//	  secret: "${CREATIVE_AUTH_SSO_SECRET}"
//
// Unset variables expand to the empty string. ApplyEnv additionally honours
// DATABASE_URL, JWT_SECRET, ADMIN_APP_URL, RP_ID, ORIGIN and NODE_ENV.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  session_ttl: "168h"
//	  challenge_ttl: "5m"
//	  cleanup_interval: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:3001"
//	  base_url: "https://cms.example.com"
//	  secure_cookies: true
//
//	database:
//	  driver: "sqlite"            # or "postgres"
//	  path: "./creative-auth.db"  # sqlite
//	  dsn: "${DATABASE_URL}"      # postgres
//
//	auth:
//	  bcrypt_cost: 12             # minimum 12
//	  max_concurrent_hashes: 4
//
//	webauthn:
//	  rp_id: "cms.example.com"
//	  rp_name: "CreativeCMS"
//	  origins: ["https://cms.example.com"]
//
//	sso:
//	  admin_url: "https://admin.example.com"
//	  secret: "${JWT_SECRET}"     # at least 32 bytes
//	  token_ttl: "60s"            # at most 60s
//
//	throttle:
//	  attempts_per_minute: 10
//	  burst: 5
//	  idle_ttl: "15m"
//
//	tailscale:
//	  enabled: false
//	  hostname: "creative-auth"
//	  https: true
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text or json
package config
