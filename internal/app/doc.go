// Package app assembles the TradePulse server: configuration,
// logging, the analysis pipeline, the chat engine, the WebSocket hub
// and the HTTP router, together with graceful startup and shutdown.
package app
