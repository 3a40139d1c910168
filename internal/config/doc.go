// Package config loads and validates application configuration.
//
// Configuration is resolved from three layers, later layers winning:
// built-in defaults, an optional config.yaml, and environment variables
// prefixed with TRADEPULSE_ (for example TRADEPULSE_SERVER_PORT).
package config
