// Package api provides the HTTP API for managing conversations and relaying
// chat completions.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:8080")
	ListenAddr string

	// UpstreamURL is reported in the startup log.
	UpstreamURL string
}
