// Package config loads runtime configuration for the authsync CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. AUTHSYNC_* environment variables.
//  4. Command-line flags, which override everything else.
//
// Supported flags
//
//	-a string   address:port of the auth service gRPC endpoint
//	-d string   path of the local session database
//	-k string   key file used to encrypt the stored session (created if absent)
//	-t int      per-request timeout (seconds)
//	-o int      how long to wait for an OAuth sign-in to complete (seconds)
//	-l string   log level (debug, info, warn, error)
//
// # JSON schema
//
// Durations use timex.Duration, so "10s" and 10 are equivalent:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "session_db_path": "authsync.db",
//	  "session_key_path": "authsync.key",
//	  "request_timeout": "10s",
//	  "oauth_timeout": "5m",
//	  "log_level": "info"
//	}
package config
